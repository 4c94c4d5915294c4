package notify

import (
	"context"
	"fmt"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/usecase/events"
)

// Subscribe registers handlers on bus that translate FlagTripped and
// EmergencyStopped domain events into CriticalEvent notifications and
// dispatch them through svc. Call once at startup.
func Subscribe(bus *events.Bus, svc Service) {
	events.Subscribe(bus, func(ctx context.Context, e entity.FlagTripped) {
		_ = svc.Notify(ctx, entity.CriticalEvent{
			Title:    fmt.Sprintf("feature flag %q auto-tripped", e.FlagName),
			Message:  e.Reason,
			Severity: entity.SeverityCritical,
			At:       e.At,
		})
	})

	events.Subscribe(bus, func(ctx context.Context, e entity.EmergencyStopped) {
		_ = svc.Notify(ctx, entity.CriticalEvent{
			Title:    "emergency stop triggered",
			Message:  fmt.Sprintf("%d running analysis run(s) paused; admissions refused until resume-all", e.PausedRunCount),
			Severity: entity.SeverityCritical,
			At:       e.At,
		})
	})
}
