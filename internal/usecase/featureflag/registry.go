// Package featureflag implements the process-wide feature flag registry:
// deterministic rollout bucketing, rolling error-rate/latency tracking, and
// the auto-trip rule that drives a flag to emergency_off without operator
// intervention.
package featureflag

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/observability/slo"
	"marketpulse/internal/repository"
	"marketpulse/internal/usecase/events"
)

// errSyntheticFailure is fed into a flag's circuit breaker whenever a
// recorded metric counts against it, whether the call itself failed or its
// latency breached the rolling baseline. gobreaker consults ReadyToTrip
// only when a failure is recorded, so RecordMetric also checks the rolling
// window's error rate, latency breach and consecutive failures after every
// sample once the window is full.
var errSyntheticFailure = errors.New("featureflag: recorded failure")

// baselineAlpha smooths the healthy-latency baseline the same way
// entity.FeedHealth smooths its response-time average.
const baselineAlpha = 0.1

// Registry is the process-wide feature flag gate.
type Registry struct {
	store repository.FeatureFlagRepository
	bus   *events.Bus

	mu      sync.Mutex
	tracked map[string]*trackedFlag
}

type trackedFlag struct {
	flag        *entity.FeatureFlag
	breaker     *gobreaker.CircuitBreaker
	latencies   []float64
	outcomes    []bool
	sampleCount int
	baselineP95 float64
}

// NewRegistry wires a registry against its persistence and the shared event
// bus that FlagTripped events are published on.
func NewRegistry(store repository.FeatureFlagRepository, bus *events.Bus) *Registry {
	return &Registry{
		store:   store,
		bus:     bus,
		tracked: make(map[string]*trackedFlag),
	}
}

func (r *Registry) breakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0, // never clear counts while closed; only an explicit reset does
		Timeout:     24 * time.Hour,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(entity.AutoTripWindow) {
				return false
			}
			errorRate := float64(counts.TotalFailures) / float64(counts.Requests)
			return errorRate > entity.AutoTripErrorRate || counts.ConsecutiveFailures > entity.AutoTripConsecutiveFailures
		},
		OnStateChange: func(bname string, from, to gobreaker.State) {
			slog.Warn("feature flag circuit breaker state changed",
				slog.String("flag", bname), slog.String("from", from.String()), slog.String("to", to.String()))
		},
	}
}

// getOrLoad returns the cached tracked flag, loading it from the store (or
// seeding an off-by-default row for a name that doesn't exist yet) on first
// use.
func (r *Registry) getOrLoad(ctx context.Context, name string) (*trackedFlag, error) {
	r.mu.Lock()
	if tf, ok := r.tracked[name]; ok {
		r.mu.Unlock()
		return tf, nil
	}
	r.mu.Unlock()

	flag, err := r.store.Get(ctx, name)
	if err != nil {
		var notFound *entity.NotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		flag = &entity.FeatureFlag{Name: name, Status: entity.FlagOff, UpdatedAt: time.Now()}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tf, ok := r.tracked[name]; ok {
		return tf, nil
	}
	tf := &trackedFlag{
		flag:        flag,
		breaker:     gobreaker.NewCircuitBreaker(r.breakerSettings(name)),
		baselineP95: flag.RecentP95LatencyMS,
	}
	r.tracked[name] = tf
	return tf, nil
}

// IsEnabled hashes bucketKey with fnv-1a modulo 100 and compares against the
// flag's rollout percentage. off and emergency_off always short-circuit to
// false; on always short-circuits to true.
func (r *Registry) IsEnabled(ctx context.Context, flagName, bucketKey string) (bool, error) {
	tf, err := r.getOrLoad(ctx, flagName)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	status := tf.flag.Status
	rollout := tf.flag.RolloutPercentage
	r.mu.Unlock()

	switch status {
	case entity.FlagOff, entity.FlagEmergencyOff:
		return false, nil
	case entity.FlagOn:
		return true, nil
	case entity.FlagCanary:
		return bucketOf(bucketKey) < rollout, nil
	default:
		return false, nil
	}
}

func bucketOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % 100)
}

// RecordMetric folds one call outcome into the flag's rolling window,
// evaluates the auto-trip rule, and persists the updated row. When the
// window first crosses the trip threshold the flag moves to emergency_off
// and a FlagTripped event is published.
func (r *Registry) RecordMetric(ctx context.Context, flagName string, success bool, latencyMS float64) error {
	tf, err := r.getOrLoad(ctx, flagName)
	if err != nil {
		return err
	}

	r.mu.Lock()
	tf.sampleCount++
	tf.latencies = pushWindow(tf.latencies, latencyMS, entity.AutoTripWindow)
	tf.outcomes = pushBoolWindow(tf.outcomes, success, entity.AutoTripWindow)

	windowP95 := percentile95(tf.latencies)
	tf.flag.RecentP95LatencyMS = windowP95
	tf.flag.RecentErrorRate = failureRate(tf.outcomes)
	errorRate := tf.flag.RecentErrorRate

	// slo's gauges are process-wide, not per-flag; the most recently recorded
	// flag's window wins. Good enough for a single dashboard reading, not for
	// per-flag alerting (each flag's own RecentP95LatencyMS/RecentErrorRate
	// on entity.FeatureFlag covers that).
	slo.UpdateLatencyP95(windowP95 / 1000)
	slo.UpdateErrorRate(errorRate)
	slo.UpdateAvailability(1 - errorRate)

	latencyBreach := tf.sampleCount >= entity.AutoTripWindow && tf.baselineP95 > 0 &&
		windowP95 > tf.baselineP95*entity.AutoTripLatencyMultiplier

	if success {
		tf.flag.ConsecutiveFailures = 0
		if !latencyBreach && tf.flag.Status != entity.FlagEmergencyOff {
			if tf.baselineP95 == 0 {
				tf.baselineP95 = windowP95
			} else {
				tf.baselineP95 += baselineAlpha * (windowP95 - tf.baselineP95)
			}
		}
	} else {
		tf.flag.ConsecutiveFailures++
	}

	effectiveSuccess := success && !latencyBreach
	breaker := tf.breaker
	wasOpen := breaker.State() == gobreaker.StateOpen
	r.mu.Unlock()

	_, _ = breaker.Execute(func() (interface{}, error) {
		if effectiveSuccess {
			return nil, nil
		}
		return nil, errSyntheticFailure
	})

	r.mu.Lock()
	windowTrip := len(tf.outcomes) >= entity.AutoTripWindow &&
		(tf.flag.RecentErrorRate > entity.AutoTripErrorRate || latencyBreach ||
			tf.flag.ConsecutiveFailures > entity.AutoTripConsecutiveFailures)
	tripped := tf.flag.Status != entity.FlagEmergencyOff &&
		((breaker.State() == gobreaker.StateOpen && !wasOpen) || windowTrip)
	if tripped {
		tf.flag.Status = entity.FlagEmergencyOff
	}
	tf.flag.UpdatedAt = time.Now()
	flagCopy := *tf.flag
	r.mu.Unlock()

	if err := r.store.Upsert(ctx, &flagCopy); err != nil {
		return err
	}

	if tripped {
		slog.Warn("feature flag auto-tripped to emergency_off",
			slog.String("flag", flagName),
			slog.Float64("error_rate", flagCopy.RecentErrorRate),
			slog.Float64("p95_latency_ms", flagCopy.RecentP95LatencyMS),
			slog.Int("consecutive_failures", flagCopy.ConsecutiveFailures))
		r.bus.Publish(ctx, entity.FlagTripped{
			FlagName: flagName,
			Reason:   tripReason(flagCopy),
			At:       flagCopy.UpdatedAt,
		})
	}

	return nil
}

func tripReason(f entity.FeatureFlag) string {
	switch {
	case f.RecentErrorRate > entity.AutoTripErrorRate:
		return "error_rate"
	case f.ConsecutiveFailures > entity.AutoTripConsecutiveFailures:
		return "consecutive_failures"
	default:
		return "latency_p95"
	}
}

// SetStatus applies an explicit admin override. Moving away from
// emergency_off resets the rolling window and issues a fresh circuit
// breaker so the flag gets a clean slate before it can trip again.
func (r *Registry) SetStatus(ctx context.Context, flagName string, status entity.FlagStatus) error {
	switch status {
	case entity.FlagOff, entity.FlagCanary, entity.FlagOn, entity.FlagEmergencyOff:
	default:
		return &entity.ValidationError{Field: "status", Message: "must be one of off, canary, on, emergency_off"}
	}

	tf, err := r.getOrLoad(ctx, flagName)
	if err != nil {
		return err
	}

	r.mu.Lock()
	tf.flag.Status = status
	tf.flag.UpdatedAt = time.Now()
	if status != entity.FlagEmergencyOff {
		tf.breaker = gobreaker.NewCircuitBreaker(r.breakerSettings(flagName))
		tf.latencies = nil
		tf.outcomes = nil
		tf.sampleCount = 0
		tf.baselineP95 = 0
		tf.flag.ConsecutiveFailures = 0
		tf.flag.RecentErrorRate = 0
		tf.flag.RecentP95LatencyMS = 0
	}
	flagCopy := *tf.flag
	r.mu.Unlock()

	return r.store.Upsert(ctx, &flagCopy)
}

// SetRolloutPercentage updates a flag's canary rollout percentage without
// touching its status or rolling metrics.
func (r *Registry) SetRolloutPercentage(ctx context.Context, flagName string, pct int) error {
	if pct < 0 || pct > 100 {
		return &entity.ValidationError{Field: "rollout_percentage", Message: "must be in [0,100]"}
	}
	tf, err := r.getOrLoad(ctx, flagName)
	if err != nil {
		return err
	}

	r.mu.Lock()
	tf.flag.RolloutPercentage = pct
	tf.flag.UpdatedAt = time.Now()
	flagCopy := *tf.flag
	r.mu.Unlock()

	return r.store.Upsert(ctx, &flagCopy)
}

// Get returns the current persisted state of one flag.
func (r *Registry) Get(ctx context.Context, flagName string) (*entity.FeatureFlag, error) {
	tf, err := r.getOrLoad(ctx, flagName)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	flagCopy := *tf.flag
	return &flagCopy, nil
}

// List returns every flag known to the store.
func (r *Registry) List(ctx context.Context) ([]*entity.FeatureFlag, error) {
	return r.store.List(ctx)
}

func pushWindow(window []float64, v float64, max int) []float64 {
	window = append(window, v)
	if len(window) > max {
		window = window[len(window)-max:]
	}
	return window
}

func pushBoolWindow(window []bool, v bool, max int) []bool {
	window = append(window, v)
	if len(window) > max {
		window = window[len(window)-max:]
	}
	return window
}

func failureRate(outcomes []bool) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	failures := 0
	for _, ok := range outcomes {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(outcomes))
}

func percentile95(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	idx := int(0.95*float64(len(sorted))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
