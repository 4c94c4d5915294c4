package fetch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/repository"
	"marketpulse/internal/resilience/retry"
	"marketpulse/internal/usecase/events"
	"marketpulse/internal/usecase/fetch"
)

type stubFeedRepo struct {
	mu     sync.Mutex
	feed   *entity.Feed
	status entity.FeedStatus
	setErr error
}

func (s *stubFeedRepo) Create(context.Context, *entity.Feed) (int64, error)   { return 0, nil }
func (s *stubFeedRepo) GetByID(context.Context, int64) (*entity.Feed, error) { return nil, nil }
func (s *stubFeedRepo) GetByURL(context.Context, string) (*entity.Feed, error) {
	return nil, nil
}
func (s *stubFeedRepo) Update(_ context.Context, f *entity.Feed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feed = f
	return nil
}
func (s *stubFeedRepo) List(context.Context) ([]*entity.Feed, error) { return nil, nil }
func (s *stubFeedRepo) Delete(context.Context, int64) error          { return nil }
func (s *stubFeedRepo) ClaimDue(context.Context, time.Time, int, []int64) ([]*entity.Feed, error) {
	return nil, nil
}
func (s *stubFeedRepo) SetStatus(_ context.Context, _ int64, status entity.FeedStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	return s.setErr
}
func (s *stubFeedRepo) Count(context.Context) (int, error) { return 0, nil }

type stubItemRepo struct {
	mu      sync.Mutex
	existig map[string]int64
	nextID  int64
	stored  []*entity.Item
	failN   int // number of leading calls that return a transient error
}

func newStubItemRepo() *stubItemRepo {
	return &stubItemRepo{existig: make(map[string]int64)}
}

func (s *stubItemRepo) UpsertByContentHash(_ context.Context, item *entity.Item) (repository.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return repository.UpsertResult{}, &entity.TransientStoreError{Op: "UpsertByContentHash", Err: assertErr}
	}
	if id, ok := s.existig[item.ContentHash]; ok {
		return repository.UpsertResult{Outcome: repository.UpsertExisting, ID: id}, nil
	}
	s.nextID++
	s.existig[item.ContentHash] = s.nextID
	s.stored = append(s.stored, item)
	return repository.UpsertResult{Outcome: repository.UpsertInserted, ID: s.nextID}, nil
}

func (s *stubItemRepo) GetByID(context.Context, int64) (*entity.Item, error) { return nil, nil }
func (s *stubItemRepo) ListByFeed(context.Context, int64, int, int) ([]*entity.Item, error) {
	return nil, nil
}
func (s *stubItemRepo) ListByIDs(context.Context, []int64) ([]*entity.Item, error) { return nil, nil }
func (s *stubItemRepo) ListWithoutAnalysis(context.Context, []int64) ([]int64, error) {
	return nil, nil
}
func (s *stubItemRepo) ListByFeeds(context.Context, []int64, int) ([]int64, error) { return nil, nil }
func (s *stubItemRepo) ListByTimeRange(context.Context, time.Time, time.Time, int) ([]int64, error) {
	return nil, nil
}
func (s *stubItemRepo) ListAll(context.Context, int) ([]int64, error) { return nil, nil }
func (s *stubItemRepo) CountAll(context.Context) (int, error)         { return 0, nil }

type stubFetchLogRepo struct {
	mu        sync.Mutex
	created   *entity.FetchLog
	completed *entity.FetchLog
}

func (s *stubFetchLogRepo) Create(_ context.Context, log *entity.FetchLog) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *log
	s.created = &cp
	return 1, nil
}

func (s *stubFetchLogRepo) Complete(_ context.Context, _ int64, log *entity.FetchLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *log
	s.completed = &cp
	return nil
}

func (s *stubFetchLogRepo) ListByFeed(context.Context, int64, int) ([]*entity.FetchLog, error) {
	return nil, nil
}
func (s *stubFetchLogRepo) CountSince(context.Context, int64, time.Time) (int, int, error) {
	return 0, 0, nil
}

type stubHealthRepo struct {
	mu     sync.Mutex
	health *entity.FeedHealth
}

func (s *stubHealthRepo) EnsureExists(context.Context, int64) error { return nil }
func (s *stubHealthRepo) GetByFeedID(_ context.Context, feedID int64) (*entity.FeedHealth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.health == nil {
		return nil, &entity.NotFoundError{Resource: "feed_health", Key: "feed_id"}
	}
	cp := *s.health
	return &cp, nil
}
func (s *stubHealthRepo) Upsert(_ context.Context, h *entity.FeedHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	s.health = &cp
	return nil
}

type stubSource struct {
	result fetch.FetchResult
	err    error
}

func (s *stubSource) Fetch(context.Context, string, fetch.ConditionalGet) (fetch.FetchResult, error) {
	return s.result, s.err
}

var assertErr = assertError("boom")

type assertError string

func (e assertError) Error() string { return string(e) }

func newPipeline(t *testing.T, source fetch.FeedSource, items *stubItemRepo) (*fetch.Pipeline, *stubFeedRepo, *stubFetchLogRepo, *stubHealthRepo) {
	t.Helper()
	feeds := &stubFeedRepo{}
	logs := &stubFetchLogRepo{}
	health := &stubHealthRepo{}
	p := fetch.NewPipeline(feeds, items, logs, health, source, nil, events.NewBus(2), fetch.ContentFetchConfig{Threshold: 100})
	return p, feeds, logs, health
}

func TestPipeline_Fetch_NewItemsPersistedAndCounted(t *testing.T) {
	items := newStubItemRepo()
	source := &stubSource{result: fetch.FetchResult{
		StatusCode: 200,
		Entries: []fetch.ParsedEntry{
			{Title: "A", Link: "https://example.com/a", GUID: "a"},
			{Title: "B", Link: "https://example.com/b", GUID: "b"},
		},
	}}
	p, _, logs, health := newPipeline(t, source, items)

	feed := &entity.Feed{ID: 1, URL: "https://example.com/feed", Status: entity.FeedStatusActive, FetchIntervalMins: 10}
	require.NoError(t, p.Fetch(context.Background(), feed))

	assert.Equal(t, entity.FetchStatusSuccess, logs.completed.Status)
	assert.Equal(t, 2, logs.completed.ItemsFound)
	assert.Equal(t, 2, logs.completed.ItemsNew)
	assert.Zero(t, health.health.ConsecutiveFailures)
	assert.NotNil(t, health.health.LastSuccessAt)
}

func TestPipeline_Fetch_DedupeDoesNotCountAsNew(t *testing.T) {
	items := newStubItemRepo()
	entry := fetch.ParsedEntry{Title: "A", Link: "https://example.com/a", GUID: "a"}
	items.existig[entity.ContentHash(1, "a", "https://example.com/a", "A", nil)] = 99

	source := &stubSource{result: fetch.FetchResult{StatusCode: 200, Entries: []fetch.ParsedEntry{entry}}}
	p, _, logs, _ := newPipeline(t, source, items)

	feed := &entity.Feed{ID: 1, URL: "https://example.com/feed", Status: entity.FeedStatusActive, FetchIntervalMins: 10}
	require.NoError(t, p.Fetch(context.Background(), feed))

	assert.Equal(t, 1, logs.completed.ItemsFound)
	assert.Equal(t, 0, logs.completed.ItemsNew)
}

func TestPipeline_Fetch_InvalidEntryIsDropped(t *testing.T) {
	items := newStubItemRepo()
	source := &stubSource{result: fetch.FetchResult{StatusCode: 200, Entries: []fetch.ParsedEntry{
		{Description: "no title or link"},
		{Title: "valid", Link: "https://example.com/x"},
	}}}
	p, _, logs, _ := newPipeline(t, source, items)

	feed := &entity.Feed{ID: 1, URL: "https://example.com/feed", Status: entity.FeedStatusActive, FetchIntervalMins: 10}
	require.NoError(t, p.Fetch(context.Background(), feed))

	assert.Equal(t, 1, logs.completed.ItemsDropped)
	assert.Equal(t, 1, logs.completed.ItemsNew)
}

func TestPipeline_Fetch_ServerErrorIsRetryableAndBacksOff(t *testing.T) {
	items := newStubItemRepo()
	source := &stubSource{err: &retry.HTTPError{StatusCode: 503, Message: "Service Unavailable"}}
	p, feeds, logs, health := newPipeline(t, source, items)

	feed := &entity.Feed{ID: 1, URL: "https://example.com/feed", Status: entity.FeedStatusActive, FetchIntervalMins: 10}
	require.NoError(t, p.Fetch(context.Background(), feed))

	assert.Equal(t, entity.FetchStatusFailure, logs.completed.Status)
	assert.Equal(t, 1, health.health.ConsecutiveFailures)
	assert.NotNil(t, feeds.feed)
	assert.True(t, feeds.feed.NextFetchAt.After(time.Now()))
}

func TestPipeline_Fetch_ClientErrorDoesNotBackOff(t *testing.T) {
	items := newStubItemRepo()
	source := &stubSource{err: &retry.HTTPError{StatusCode: 404, Message: "Not Found"}}
	p, feeds, logs, health := newPipeline(t, source, items)

	feed := &entity.Feed{ID: 1, URL: "https://example.com/feed", Status: entity.FeedStatusActive, FetchIntervalMins: 10}
	require.NoError(t, p.Fetch(context.Background(), feed))

	assert.Equal(t, entity.FetchStatusFailure, logs.completed.Status)
	assert.Equal(t, 1, health.health.ConsecutiveFailures)
	assert.Nil(t, feeds.feed, "client errors must not trigger a next_fetch_at backoff update")
}

func TestPipeline_Fetch_TooManyRequestsIsRetryable(t *testing.T) {
	items := newStubItemRepo()
	source := &stubSource{err: &retry.HTTPError{StatusCode: 429, Message: "Too Many Requests"}}
	p, feeds, _, _ := newPipeline(t, source, items)

	feed := &entity.Feed{ID: 1, URL: "https://example.com/feed", Status: entity.FeedStatusActive, FetchIntervalMins: 10}
	require.NoError(t, p.Fetch(context.Background(), feed))

	assert.NotNil(t, feeds.feed, "429 is retryable and should apply backoff")
}

func TestPipeline_Fetch_FeedMarkedErrorAfterTenConsecutiveFailures(t *testing.T) {
	items := newStubItemRepo()
	source := &stubSource{err: &retry.HTTPError{StatusCode: 503, Message: "down"}}
	feeds := &stubFeedRepo{}
	logs := &stubFetchLogRepo{}
	health := &stubHealthRepo{health: &entity.FeedHealth{FeedID: 1, ConsecutiveFailures: 9}}
	p := fetch.NewPipeline(feeds, items, logs, health, source, nil, events.NewBus(2), fetch.ContentFetchConfig{})

	feed := &entity.Feed{ID: 1, URL: "https://example.com/feed", Status: entity.FeedStatusActive, FetchIntervalMins: 10}
	require.NoError(t, p.Fetch(context.Background(), feed))

	assert.Equal(t, entity.FeedStatusError, feeds.status)
}

func TestPipeline_Fetch_StoreTransientErrorRetriesThenSucceeds(t *testing.T) {
	items := newStubItemRepo()
	items.failN = 2
	source := &stubSource{result: fetch.FetchResult{StatusCode: 200, Entries: []fetch.ParsedEntry{
		{Title: "A", Link: "https://example.com/a"},
	}}}
	p, _, logs, _ := newPipeline(t, source, items)

	feed := &entity.Feed{ID: 1, URL: "https://example.com/feed", Status: entity.FeedStatusActive, FetchIntervalMins: 10}
	require.NoError(t, p.Fetch(context.Background(), feed))

	assert.Equal(t, entity.FetchStatusSuccess, logs.completed.Status)
	assert.Equal(t, 1, logs.completed.ItemsNew)
}

func TestPipeline_Fetch_NotModifiedCountsAsSuccessWithNoItems(t *testing.T) {
	items := newStubItemRepo()
	source := &stubSource{result: fetch.FetchResult{StatusCode: 304, NotModified: true}}
	p, _, logs, health := newPipeline(t, source, items)

	feed := &entity.Feed{ID: 1, URL: "https://example.com/feed", Status: entity.FeedStatusActive, FetchIntervalMins: 10}
	require.NoError(t, p.Fetch(context.Background(), feed))

	assert.Equal(t, entity.FetchStatusSuccess, logs.completed.Status)
	assert.Zero(t, logs.completed.ItemsFound)
	assert.Zero(t, health.health.ConsecutiveFailures)
}

func TestPipeline_Fetch_EmitsFeedFetchedEvent(t *testing.T) {
	items := newStubItemRepo()
	source := &stubSource{result: fetch.FetchResult{StatusCode: 200, Entries: []fetch.ParsedEntry{
		{Title: "A", Link: "https://example.com/a"},
	}}}

	feeds := &stubFeedRepo{}
	logs := &stubFetchLogRepo{}
	health := &stubHealthRepo{}
	bus := events.NewBus(2)

	var received []entity.FeedFetched
	var mu sync.Mutex
	events.Subscribe(bus, func(ctx context.Context, e entity.FeedFetched) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})

	p := fetch.NewPipeline(feeds, items, logs, health, source, nil, bus, fetch.ContentFetchConfig{})
	feed := &entity.Feed{ID: 7, URL: "https://example.com/feed", Status: entity.FeedStatusActive, FetchIntervalMins: 10}
	require.NoError(t, p.Fetch(context.Background(), feed))
	require.NoError(t, bus.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, int64(7), received[0].FeedID)
	assert.Len(t, received[0].NewItemIDs, 1)
}
