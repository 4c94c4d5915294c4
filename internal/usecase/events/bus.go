// Package events implements an in-process publish/subscribe bus used to
// decouple the control plane's components: FeedScheduler publishes
// FeedFetched, AnalysisRunManager publishes RunStateChanged, FeatureFlags
// publishes FlagTripped, and anything downstream (AutoAnalysisBridge, the
// critical-event notifier) subscribes without the publisher knowing who is
// listening.
package events

import (
	"context"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultWorkerPoolTimeout = 5 * time.Second
	defaultHandlerTimeout    = 10 * time.Second
)

// Bus fans out published events to every subscriber registered for that
// event's concrete type, each in its own goroutine bounded by a worker pool
// semaphore, mirroring the teacher's notify.Service dispatch idiom.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[reflect.Type][]handler
	workerPool  chan struct{}
	wg          sync.WaitGroup
}

type handler func(ctx context.Context, event any)

// NewBus creates a bus whose fan-out is capped at maxConcurrent in-flight
// handler invocations.
func NewBus(maxConcurrent int) *Bus {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Bus{
		subscribers: make(map[reflect.Type][]handler),
		workerPool:  make(chan struct{}, maxConcurrent),
	}
}

// Subscribe registers fn to run for every event of type T published after
// this call. Subscriptions are not removable; the bus lives for the
// process's lifetime.
func Subscribe[T any](b *Bus, fn func(ctx context.Context, event T)) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	wrapped := func(ctx context.Context, event any) {
		fn(ctx, event.(T))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], wrapped)
}

// Publish dispatches event to every subscriber of its concrete type. It
// returns immediately; handlers run asynchronously and their errors (if any)
// are the handler's own responsibility to log.
func (b *Bus) Publish(ctx context.Context, event any) {
	t := reflect.TypeOf(event)

	b.mu.RLock()
	handlers := b.subscribers[t]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	for _, h := range handlers {
		h := h
		b.wg.Add(1)
		go b.dispatch(ctx, t, h, event)
	}
}

func (b *Bus) dispatch(ctx context.Context, t reflect.Type, h handler, event any) {
	defer b.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in event subscriber",
				slog.String("event_type", t.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	select {
	case b.workerPool <- struct{}{}:
		defer func() { <-b.workerPool }()
	case <-time.After(defaultWorkerPoolTimeout):
		slog.Warn("event dropped: worker pool full", slog.String("event_type", t.String()))
		return
	}

	hctx, cancel := context.WithTimeout(detachDeadline(ctx), defaultHandlerTimeout)
	defer cancel()
	h(hctx, event)
}

// detachDeadline strips any deadline from ctx while keeping its values, so a
// caller's short-lived request context doesn't cut off async handler work.
func detachDeadline(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// Shutdown waits for in-flight handlers to finish or ctx to expire.
func (b *Bus) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
