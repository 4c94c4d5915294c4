package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	pgRepo "marketpulse/internal/infra/adapter/persistence/postgres"
	"marketpulse/internal/infra/analyzer"
	"marketpulse/internal/infra/db"
	"marketpulse/internal/infra/fetcher"
	"marketpulse/internal/infra/notifier"
	"marketpulse/internal/infra/scraper"
	workerPkg "marketpulse/internal/infra/worker"
	"marketpulse/internal/observability/logging"
	"marketpulse/internal/observability/metrics"
	"marketpulse/internal/usecase/analysisrun"
	"marketpulse/internal/usecase/autoanalysis"
	"marketpulse/internal/usecase/events"
	fetchUC "marketpulse/internal/usecase/fetch"
	"marketpulse/internal/usecase/featureflag"
	"marketpulse/internal/usecase/notify"
	"marketpulse/internal/usecase/pendingprocessor"
	"marketpulse/internal/usecase/scheduler"
	"marketpulse/internal/usecase/worker"
	pkgconfig "marketpulse/pkg/config"
)

func waitForMigrations(logger *slog.Logger, sqlDB *sql.DB) {
	const probe = "SELECT 1 FROM feeds LIMIT 1"
	for i := 0; i < 10; i++ {
		if _, err := sqlDB.Exec(probe); err == nil {
			return
		}
		logger.Info("waiting for migrations, retrying in 3s", slog.Int("attempt", i+1))
		time.Sleep(3 * time.Second)
	}
	logger.Error("migrations did not complete in time")
	os.Exit(1)
}

func main() {
	logger := initLogger()

	if err := pkgconfig.LoadYAMLOverlay(pkgconfig.GetEnvString("CONFIG_OVERLAY_PATH", "config.yaml")); err != nil {
		logger.Error("failed to load config overlay", slog.Any("error", err))
		os.Exit(1)
	}

	database := initDatabase(logger)
	defer func() {
		if err := database.Close(); err != nil {
			logger.Error("failed to close database", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerMetrics := workerPkg.NewWorkerMetrics()
	workerMetrics.MustRegister()

	cfg, err := workerPkg.LoadConfigFromEnv(logger, workerMetrics)
	if err != nil {
		logger.Error("failed to load control plane configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("control plane configuration loaded",
		slog.Int("notify_max_concurrent", cfg.NotifyMaxConcurrent),
		slog.Int("health_port", cfg.HealthPort))

	bus := events.NewBus(32)

	feeds := pgRepo.NewFeedRepo(database)
	items := pgRepo.NewItemRepo(database)
	fetchLogs := pgRepo.NewFetchLogRepo(database)
	feedHealth := pgRepo.NewFeedHealthRepo(database)
	pending := pgRepo.NewPendingAutoAnalysisRepo(database)
	analysisRuns := pgRepo.NewAnalysisRunRepo(database)
	analysisRunItems := pgRepo.NewAnalysisRunItemRepo(database)
	itemAnalyses := pgRepo.NewItemAnalysisRepo(database)
	flagRepo := pgRepo.NewFeatureFlagRepo(database)

	notifyService := setupNotifyService(logger, cfg, bus)

	// The registry shares the bus notify is subscribed to. Nothing in this
	// process's own loops gates on a flag or calls RecordMetric, so it
	// publishes no FlagTripped here; status changes made through feedctl
	// are written to the store and publish no event either.
	_ = featureflag.NewRegistry(flagRepo, bus)

	pipeline := setupFetchPipeline(logger, feeds, items, fetchLogs, feedHealth, bus)
	sched := scheduler.New(feeds, pipeline, scheduler.WithItemRepository(items))

	bridge := autoanalysis.New(feeds, pending)
	bridge.Subscribe(bus)

	runManager := analysisrun.New(analysisRuns, analysisRunItems, items, bus)
	processor := pendingprocessor.New(pending, feeds, runManager)
	pool := setupWorkerPool(logger, runManager, analysisRunItems, items, itemAnalyses)

	healthAddr := fmt.Sprintf(":%d", cfg.HealthPort)
	healthServer := workerPkg.NewHealthServer(healthAddr, logger)
	go func() {
		if err := healthServer.Start(ctx); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", slog.Any("error", err))
		}
	}()
	logger.Info("health check server started", slog.String("addr", healthAddr))

	startMetricsServer(ctx, logger, notifyService)
	go reportDBConnectionStats(ctx, database)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return sched.Start(groupCtx) })
	group.Go(func() error { return processor.Start(groupCtx) })
	group.Go(func() error { return pool.Start(groupCtx) })

	healthServer.SetReady(true)
	logger.Info("control plane started")

	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight work")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := notifyService.Shutdown(shutdownCtx); err != nil {
		logger.Warn("notify service shutdown timed out", slog.Any("error", err))
	}

	if err := group.Wait(); err != nil && err != context.Canceled {
		logger.Error("control plane stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("control plane stopped")
}

func initLogger() *slog.Logger {
	logger := logging.NewLogger()
	slog.SetDefault(logger)
	return logger
}

// reportDBConnectionStats samples the pool's connection counts onto the
// db_connections_active/idle gauges until ctx is cancelled.
func reportDBConnectionStats(ctx context.Context, sqlDB *sql.DB) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats := sqlDB.Stats()
			metrics.UpdateDBConnectionStats(stats.InUse, stats.Idle)
		case <-ctx.Done():
			return
		}
	}
}

func initDatabase(logger *slog.Logger) *sql.DB {
	sqlDB := db.Open()
	if err := db.MigrateUp(sqlDB); err != nil {
		logger.Error("failed to apply migrations", slog.Any("error", err))
		os.Exit(1)
	}
	waitForMigrations(logger, sqlDB)
	return sqlDB
}

func setupNotifyService(logger *slog.Logger, cfg *workerPkg.WorkerConfig, bus *events.Bus) notify.Service {
	var channels []notify.Channel

	discordConfig := loadDiscordConfig(logger)
	if discordConfig.Enabled {
		channels = append(channels, notify.NewDiscordChannel(discordConfig))
		logger.Info("Discord channel initialized", slog.String("status", "enabled"))
	} else {
		logger.Info("Discord channel disabled")
	}

	slackConfig := loadSlackConfig(logger)
	if slackConfig.Enabled {
		channels = append(channels, notify.NewSlackChannel(slackConfig))
		logger.Info("Slack channel initialized", slog.String("status", "enabled"))
	} else {
		logger.Info("Slack channel disabled")
	}

	svc := notify.NewService(channels, cfg.NotifyMaxConcurrent)
	notify.Subscribe(bus, svc)
	logger.Info("notification service initialized",
		slog.Int("channels", len(channels)),
		slog.Int("max_concurrent", cfg.NotifyMaxConcurrent))
	return svc
}

// setupFetchPipeline wires the FetchPipeline with an RSS source and,
// when CONTENT_FETCH_ENABLED permits it, a full-article enrichment
// fetcher for feeds whose RSS body falls under the configured threshold.
func setupFetchPipeline(
	logger *slog.Logger,
	feeds *pgRepo.FeedRepo,
	items *pgRepo.ItemRepo,
	fetchLogs *pgRepo.FetchLogRepo,
	feedHealth *pgRepo.FeedHealthRepo,
	bus *events.Bus,
) *fetchUC.Pipeline {
	httpClient := createHTTPClient()
	rssFetcher := scraper.NewRSSFetcher(httpClient)

	contentConfig, err := fetcher.LoadConfigFromEnv()
	if err != nil {
		logger.Warn("failed to load content fetch configuration, enrichment disabled", slog.Any("error", err))
		contentConfig = fetcher.DefaultConfig()
		contentConfig.Enabled = false
	}

	var contentFetcher fetchUC.ContentFetcher
	if contentConfig.Enabled {
		contentFetcher = fetcher.NewReadabilityFetcher(contentConfig)
		logger.Info("content enrichment enabled", slog.Int("threshold", contentConfig.Threshold))
	} else {
		logger.Info("content enrichment disabled")
	}

	return fetchUC.NewPipeline(
		feeds,
		items,
		fetchLogs,
		feedHealth,
		rssFetcher,
		contentFetcher,
		bus,
		fetchUC.ContentFetchConfig{Threshold: contentConfig.Threshold},
	)
}

func loadDiscordConfig(logger *slog.Logger) notifier.DiscordConfig {
	enabled := os.Getenv("DISCORD_ENABLED") == "true"
	webhookURL := os.Getenv("DISCORD_WEBHOOK_URL")

	if !enabled {
		return notifier.DiscordConfig{Enabled: false}
	}
	if webhookURL == "" {
		logger.Warn("Discord webhook URL is empty, disabling notifications")
		return notifier.DiscordConfig{Enabled: false}
	}

	u, err := url.Parse(webhookURL)
	if err != nil {
		logger.Warn("invalid Discord webhook URL format, disabling notifications", slog.Any("error", err))
		return notifier.DiscordConfig{Enabled: false}
	}
	if u.Scheme != "https" || u.Host != "discord.com" || !strings.HasPrefix(u.Path, "/api/webhooks/") {
		logger.Warn("invalid Discord webhook URL, disabling notifications", slog.String("host", u.Host))
		return notifier.DiscordConfig{Enabled: false}
	}

	return notifier.DiscordConfig{Enabled: true, WebhookURL: webhookURL, Timeout: 30 * time.Second}
}

func loadSlackConfig(logger *slog.Logger) notifier.SlackConfig {
	enabled := os.Getenv("SLACK_ENABLED") == "true"
	webhookURL := os.Getenv("SLACK_WEBHOOK_URL")

	if !enabled {
		return notifier.SlackConfig{Enabled: false}
	}
	if webhookURL == "" {
		logger.Warn("Slack webhook URL is empty, disabling notifications")
		return notifier.SlackConfig{Enabled: false}
	}

	u, err := url.Parse(webhookURL)
	if err != nil {
		logger.Warn("invalid Slack webhook URL format, disabling notifications", slog.Any("error", err))
		return notifier.SlackConfig{Enabled: false}
	}
	if u.Scheme != "https" || u.Host != "hooks.slack.com" || !strings.HasPrefix(u.Path, "/services/") {
		logger.Warn("invalid Slack webhook URL, disabling notifications", slog.String("host", u.Host))
		return notifier.SlackConfig{Enabled: false}
	}

	return notifier.SlackConfig{Enabled: true, WebhookURL: webhookURL, Timeout: 30 * time.Second}
}

func createHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
}

func setupWorkerPool(
	logger *slog.Logger,
	runs *analysisrun.Manager,
	runItems *pgRepo.AnalysisRunItemRepo,
	items *pgRepo.ItemRepo,
	analyses *pgRepo.ItemAnalysisRepo,
) *worker.Pool {
	providers := map[string]analyzer.Provider{}
	defaultProvider := loadDefaultProvider(logger, providers)

	pool := worker.New(runs, runItems, items, analyses, defaultProvider, analysisrun.DefaultConfig().MaxConcurrentRuns)
	for tag, prov := range providers {
		pool.Providers[tag] = prov
	}
	return pool
}

// loadDefaultProvider builds the analyzer Provider selected by
// ANALYSIS_PROVIDER (claude or openai, default claude) and registers it
// under its model_tag, mirroring the teacher's single-SUMMARIZER_TYPE
// switch but keyed so a future second provider can coexist under a
// different model_tag without code changes here.
func loadDefaultProvider(logger *slog.Logger, providers map[string]analyzer.Provider) analyzer.Provider {
	providerType := os.Getenv("ANALYSIS_PROVIDER")
	if providerType == "" {
		providerType = "claude"
	}

	modelTag := os.Getenv("ANALYSIS_MODEL_TAG")
	if modelTag == "" {
		modelTag = "auto_default"
	}

	switch providerType {
	case "claude":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			logger.Error("ANTHROPIC_API_KEY is required when ANALYSIS_PROVIDER=claude")
			os.Exit(1)
		}
		prov := analyzer.NewClaude(apiKey, modelTag)
		providers[modelTag] = prov
		logger.Info("using Claude for analysis", slog.String("model_tag", modelTag))
		return prov
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			logger.Error("OPENAI_API_KEY is required when ANALYSIS_PROVIDER=openai")
			os.Exit(1)
		}
		model := os.Getenv("OPENAI_MODEL")
		if model == "" {
			model = "gpt-4o-mini"
		}
		prov := analyzer.NewOpenAI(apiKey, model, modelTag)
		providers[modelTag] = prov
		logger.Info("using OpenAI for analysis", slog.String("model_tag", modelTag), slog.String("model", model))
		return prov
	default:
		logger.Error("invalid ANALYSIS_PROVIDER", slog.String("value", providerType), slog.String("expected", "claude or openai"))
		os.Exit(1)
		return nil
	}
}
