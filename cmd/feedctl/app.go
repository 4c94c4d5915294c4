package main

import (
	"database/sql"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"

	pgRepo "marketpulse/internal/infra/adapter/persistence/postgres"
	"marketpulse/internal/infra/db"
	"marketpulse/internal/usecase/analysisrun"
	"marketpulse/internal/usecase/events"
	"marketpulse/internal/usecase/featureflag"
)

// app bundles the use-case managers feedctl's subcommands drive directly.
// Every subcommand opens its own short-lived *sql.DB (feedctl is a one-shot
// CLI, not a long-running server) and closes it before returning, the same
// lifetime discipline the teacher's cmd/ai/* one-shot commands use for their
// gRPC client connections.
type app struct {
	sqlDB *sql.DB
	store *pgRepo.Store
	bus   *events.Bus

	Runs  *analysisrun.Manager
	Flags *featureflag.Registry
}

// newApp opens the database and wires the managers feedctl's commands call
// into directly, in-process, rather than through an admin HTTP API — there
// is no admin API in this repo for feedctl to call.
func newApp() (*app, error) {
	sqlDB := db.Open()

	store := pgRepo.NewStore(sqlDB)
	bus := events.NewBus(4)

	runs := analysisrun.New(store.AnalysisRuns(), store.AnalysisRunItems(), store.Items(), bus)
	flags := featureflag.NewRegistry(store.FeatureFlags(), bus)

	return &app{
		sqlDB: sqlDB,
		store: store,
		bus:   bus,
		Runs:  runs,
		Flags: flags,
	}, nil
}

func (a *app) Close() {
	if err := a.sqlDB.Close(); err != nil {
		slog.Error("feedctl: error closing database connection", slog.Any("error", err))
	}
}
