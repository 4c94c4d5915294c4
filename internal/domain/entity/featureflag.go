package entity

import "time"

// FlagStatus is the operator/circuit-breaker controlled state of a feature flag.
type FlagStatus string

const (
	FlagOff          FlagStatus = "off"
	FlagCanary       FlagStatus = "canary"
	FlagOn           FlagStatus = "on"
	FlagEmergencyOff FlagStatus = "emergency_off"
)

// FeatureFlag is a process-wide gate with a rollout percentage and rolling
// success/latency metrics that can auto-trip it to emergency_off.
type FeatureFlag struct {
	Name                string
	Status              FlagStatus
	RolloutPercentage   int
	RecentErrorRate     float64
	RecentP95LatencyMS  float64
	ConsecutiveFailures int
	UpdatedAt           time.Time
}

// Validate checks the flag's static shape.
func (f *FeatureFlag) Validate() error {
	if f.Name == "" {
		return &ValidationError{Field: "name", Message: "required"}
	}
	if f.RolloutPercentage < 0 || f.RolloutPercentage > 100 {
		return &ValidationError{Field: "rollout_percentage", Message: "must be in [0,100]"}
	}
	switch f.Status {
	case FlagOff, FlagCanary, FlagOn, FlagEmergencyOff:
	default:
		return &ValidationError{Field: "status", Message: "must be one of off, canary, on, emergency_off"}
	}
	return nil
}

// AutoTripWindow is the minimum number of recorded metrics before auto-trip
// rules are evaluated, per spec: "if window count >= 20".
const AutoTripWindow = 20

// AutoTripErrorRate is the error-rate threshold above which a flag trips.
const AutoTripErrorRate = 0.05

// AutoTripLatencyMultiplier scales the flag's own baseline p95 latency to
// derive its trip threshold.
const AutoTripLatencyMultiplier = 1.5

// AutoTripConsecutiveFailures is the consecutive-failure threshold.
const AutoTripConsecutiveFailures = 3

// ShouldAutoTrip evaluates the spec's auto-trip rule given a window sample
// count, the baseline p95 latency to compare against, and the flag's current
// rolling metrics.
func (f *FeatureFlag) ShouldAutoTrip(windowCount int, baselineP95MS float64) bool {
	if windowCount < AutoTripWindow {
		return false
	}
	if f.RecentErrorRate > AutoTripErrorRate {
		return true
	}
	if baselineP95MS > 0 && f.RecentP95LatencyMS > baselineP95MS*AutoTripLatencyMultiplier {
		return true
	}
	if f.ConsecutiveFailures > AutoTripConsecutiveFailures {
		return true
	}
	return false
}
