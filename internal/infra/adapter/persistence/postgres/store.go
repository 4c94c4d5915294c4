package postgres

import (
	"database/sql"

	"marketpulse/internal/repository"
)

// Store wires the nine Postgres repositories together behind a single
// *sql.DB, satisfying repository.Store. It issues no SQL itself.
type Store struct {
	db *sql.DB

	feeds               *FeedRepo
	items               *ItemRepo
	fetchLogs           *FetchLogRepo
	feedHealth          *FeedHealthRepo
	analysisRuns        *AnalysisRunRepo
	analysisRunItems    *AnalysisRunItemRepo
	itemAnalyses        *ItemAnalysisRepo
	pendingAutoAnalysis *PendingAutoAnalysisRepo
	featureFlags        *FeatureFlagRepo
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:                  db,
		feeds:               NewFeedRepo(db),
		items:               NewItemRepo(db),
		fetchLogs:           NewFetchLogRepo(db),
		feedHealth:          NewFeedHealthRepo(db),
		analysisRuns:        NewAnalysisRunRepo(db),
		analysisRunItems:    NewAnalysisRunItemRepo(db),
		itemAnalyses:        NewItemAnalysisRepo(db),
		pendingAutoAnalysis: NewPendingAutoAnalysisRepo(db),
		featureFlags:        NewFeatureFlagRepo(db),
	}
}

var _ repository.Store = (*Store)(nil)

func (s *Store) Feeds() repository.FeedRepository                           { return s.feeds }
func (s *Store) Items() repository.ItemRepository                           { return s.items }
func (s *Store) FetchLogs() repository.FetchLogRepository                   { return s.fetchLogs }
func (s *Store) FeedHealth() repository.FeedHealthRepository                { return s.feedHealth }
func (s *Store) AnalysisRuns() repository.AnalysisRunRepository             { return s.analysisRuns }
func (s *Store) AnalysisRunItems() repository.AnalysisRunItemRepository     { return s.analysisRunItems }
func (s *Store) ItemAnalyses() repository.ItemAnalysisRepository            { return s.itemAnalyses }
func (s *Store) PendingAutoAnalysis() repository.PendingAutoAnalysisRepository {
	return s.pendingAutoAnalysis
}
func (s *Store) FeatureFlags() repository.FeatureFlagRepository { return s.featureFlags }
