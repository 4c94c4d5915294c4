package featureflag_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/usecase/events"
	"marketpulse/internal/usecase/featureflag"
)

type stubFlagRepo struct {
	mu    sync.Mutex
	flags map[string]*entity.FeatureFlag
}

func newStubFlagRepo() *stubFlagRepo {
	return &stubFlagRepo{flags: make(map[string]*entity.FeatureFlag)}
}

func (s *stubFlagRepo) Get(_ context.Context, name string) (*entity.FeatureFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flags[name]
	if !ok {
		return nil, &entity.NotFoundError{Resource: "feature_flag", Key: name}
	}
	cp := *f
	return &cp, nil
}

func (s *stubFlagRepo) List(_ context.Context) ([]*entity.FeatureFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entity.FeatureFlag, 0, len(s.flags))
	for _, f := range s.flags {
		cp := *f
		out = append(out, &cp)
	}
	return out, nil
}

func (s *stubFlagRepo) Upsert(_ context.Context, f *entity.FeatureFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.flags[f.Name] = &cp
	return nil
}

func TestRegistry_IsEnabled_OffAlwaysFalse(t *testing.T) {
	repo := newStubFlagRepo()
	require.NoError(t, repo.Upsert(context.Background(), &entity.FeatureFlag{Name: "new-pipeline", Status: entity.FlagOff, RolloutPercentage: 100}))

	reg := featureflag.NewRegistry(repo, events.NewBus(4))
	enabled, err := reg.IsEnabled(context.Background(), "new-pipeline", "user-1")
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestRegistry_IsEnabled_OnAlwaysTrue(t *testing.T) {
	repo := newStubFlagRepo()
	require.NoError(t, repo.Upsert(context.Background(), &entity.FeatureFlag{Name: "new-pipeline", Status: entity.FlagOn, RolloutPercentage: 0}))

	reg := featureflag.NewRegistry(repo, events.NewBus(4))
	enabled, err := reg.IsEnabled(context.Background(), "new-pipeline", "user-1")
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestRegistry_IsEnabled_CanaryIsDeterministic(t *testing.T) {
	repo := newStubFlagRepo()
	require.NoError(t, repo.Upsert(context.Background(), &entity.FeatureFlag{Name: "new-pipeline", Status: entity.FlagCanary, RolloutPercentage: 50}))

	reg := featureflag.NewRegistry(repo, events.NewBus(4))
	first, err := reg.IsEnabled(context.Background(), "new-pipeline", "user-42")
	require.NoError(t, err)
	second, err := reg.IsEnabled(context.Background(), "new-pipeline", "user-42")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRegistry_IsEnabled_MissingFlagDefaultsOff(t *testing.T) {
	repo := newStubFlagRepo()
	reg := featureflag.NewRegistry(repo, events.NewBus(4))

	enabled, err := reg.IsEnabled(context.Background(), "unknown-flag", "user-1")
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestRegistry_RecordMetric_TripsOnSustainedErrorRate(t *testing.T) {
	repo := newStubFlagRepo()
	require.NoError(t, repo.Upsert(context.Background(), &entity.FeatureFlag{Name: "analyzer", Status: entity.FlagOn, RolloutPercentage: 100}))

	var tripped []entity.FlagTripped
	var mu sync.Mutex
	bus := events.NewBus(4)
	events.Subscribe(bus, func(ctx context.Context, e entity.FlagTripped) {
		mu.Lock()
		tripped = append(tripped, e)
		mu.Unlock()
	})
	reg := featureflag.NewRegistry(repo, bus)

	// 20 samples, 2 failures keeps error rate at 10% (> 5%) once the window fills.
	for i := 0; i < 20; i++ {
		success := i%10 != 0
		require.NoError(t, reg.RecordMetric(context.Background(), "analyzer", success, 100))
	}

	require.NoError(t, bus.Shutdown(context.Background()))

	flag, err := reg.Get(context.Background(), "analyzer")
	require.NoError(t, err)
	assert.Equal(t, entity.FlagEmergencyOff, flag.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, tripped, 1)
	assert.Equal(t, "analyzer", tripped[0].FlagName)
}

func TestRegistry_RecordMetric_HealthyTrafficNeverTrips(t *testing.T) {
	repo := newStubFlagRepo()
	require.NoError(t, repo.Upsert(context.Background(), &entity.FeatureFlag{Name: "analyzer", Status: entity.FlagOn, RolloutPercentage: 100}))

	reg := featureflag.NewRegistry(repo, events.NewBus(4))
	for i := 0; i < 40; i++ {
		require.NoError(t, reg.RecordMetric(context.Background(), "analyzer", true, 100))
	}

	flag, err := reg.Get(context.Background(), "analyzer")
	require.NoError(t, err)
	assert.Equal(t, entity.FlagOn, flag.Status)
}

func TestRegistry_SetStatus_ResetClearsTrippedState(t *testing.T) {
	repo := newStubFlagRepo()
	require.NoError(t, repo.Upsert(context.Background(), &entity.FeatureFlag{Name: "analyzer", Status: entity.FlagEmergencyOff, RolloutPercentage: 100, ConsecutiveFailures: 10}))

	reg := featureflag.NewRegistry(repo, events.NewBus(4))
	require.NoError(t, reg.SetStatus(context.Background(), "analyzer", entity.FlagOn))

	flag, err := reg.Get(context.Background(), "analyzer")
	require.NoError(t, err)
	assert.Equal(t, entity.FlagOn, flag.Status)
	assert.Zero(t, flag.ConsecutiveFailures)
}

func TestRegistry_SetStatus_RejectsUnknownStatus(t *testing.T) {
	repo := newStubFlagRepo()
	reg := featureflag.NewRegistry(repo, events.NewBus(4))
	err := reg.SetStatus(context.Background(), "analyzer", entity.FlagStatus("bogus"))
	require.Error(t, err)
}

func TestRegistry_SetRolloutPercentage_ValidatesRange(t *testing.T) {
	repo := newStubFlagRepo()
	reg := featureflag.NewRegistry(repo, events.NewBus(4))
	require.Error(t, reg.SetRolloutPercentage(context.Background(), "analyzer", 150))
	require.NoError(t, reg.SetRolloutPercentage(context.Background(), "analyzer", 25))

	flag, err := reg.Get(context.Background(), "analyzer")
	require.NoError(t, err)
	assert.Equal(t, 25, flag.RolloutPercentage)
}

func TestRegistry_List_ReturnsAllFlags(t *testing.T) {
	repo := newStubFlagRepo()
	require.NoError(t, repo.Upsert(context.Background(), &entity.FeatureFlag{Name: "a", Status: entity.FlagOn, UpdatedAt: time.Now()}))
	require.NoError(t, repo.Upsert(context.Background(), &entity.FeatureFlag{Name: "b", Status: entity.FlagOff, UpdatedAt: time.Now()}))

	reg := featureflag.NewRegistry(repo, events.NewBus(4))
	all, err := reg.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
