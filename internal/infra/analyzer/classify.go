// Package analyzer provides LLM-backed sentiment/impact analysis adapters
// implementing the provider side of AnalysisWorkerPool.
package analyzer

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/sony/gobreaker"
)

// Kind classifies a provider failure for the worker pool's retry/fallback
// decision, per the analysis result error taxonomy.
type Kind string

const (
	KindRateLimited  Kind = "rate_limited"
	KindProvider5xx  Kind = "provider_5xx"
	KindTimeout      Kind = "timeout"
	KindInvalidJSON  Kind = "invalid_json"
	KindInputTooLarge Kind = "input_too_large"
	KindUnknown      Kind = "unknown"
)

// Retryable reports whether the worker pool should retry a call that failed
// with this kind. invalid_json is handled by a single in-provider repair
// attempt rather than the outer backoff loop, so it is not retryable here.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindProvider5xx, KindTimeout:
		return true
	default:
		return false
	}
}

// Error wraps a provider failure with its classified Kind so the worker
// pool can decide whether to retry without inspecting provider internals.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps a raw transport/API error into a Kind. HTTP status codes
// reported by the SDKs as *HTTPStatusError-like errors are matched by
// status range; anything unrecognized falls back to unknown so the worker
// pool still makes forward progress instead of retrying forever.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return KindRateLimited
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var statusErr interface{ StatusCode() int }
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.StatusCode())
	}

	return KindUnknown
}

func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusRequestEntityTooLarge:
		return KindInputTooLarge
	case code >= 500 && code < 600:
		return KindProvider5xx
	default:
		return KindUnknown
	}
}
