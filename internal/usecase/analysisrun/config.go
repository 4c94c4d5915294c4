// Package analysisrun centralizes the AnalysisRun preview/confirm/execute
// lifecycle and the global admission caps that gate it.
package analysisrun

import "errors"

// Config holds the admission-control and default parameters the manager
// enforces. New starts from DefaultConfig; zero-value fields of a Config
// set afterwards are used as they are.
type Config struct {
	MaxConcurrentRuns    int
	MaxDailyManualRuns   int
	MaxDailyAutoRuns     int
	MaxHourlyRuns        int
	DefaultRatePerSecond float64
	DefaultModelTag      string
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentRuns:    6,
		MaxDailyManualRuns:   300,
		MaxDailyAutoRuns:     1000,
		MaxHourlyRuns:        50,
		DefaultRatePerSecond: 1.5,
		DefaultModelTag:      "auto_default",
	}
}

// DefaultModelPricing is the per-model cost_per_item_usd table consulted at
// preview time. Implementers may refine this with real token estimates; the
// estimated_cost_usd surface does not change.
var DefaultModelPricing = map[string]float64{
	"auto_default":  0.002,
	"claude-sonnet": 0.012,
	"claude-haiku":  0.003,
	"gpt-4o":        0.015,
	"gpt-4o-mini":   0.002,
}

// fallbackCostPerItem prices any model_tag absent from the pricing table,
// so an unrecognized tag still gets a (conservative) estimate rather than
// failing preview.
const fallbackCostPerItem = 0.005

// ErrCapacityExceeded is returned by Confirm to auto-triggered callers when
// the run could not be admitted immediately and was left in the waiting
// queue. It is not an error for manual callers, who simply wait.
var ErrCapacityExceeded = errors.New("analysis run capacity exceeded")
