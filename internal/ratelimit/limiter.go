// Package ratelimit implements the quota decision engine: a weighted
// sliding-window rate limiter backed by a pluggable counter store.
package ratelimit

import (
	"context"
	"time"
)

// LimitSpec describes one limit to enforce. It is supplied by the caller on
// every check and never persisted.
type LimitSpec struct {
	Limit  int64         // capacity per window
	Window time.Duration // window length
	Cost   int64         // units consumed by this check
}

// Validate rejects non-positive fields. The engine never coerces.
func (s LimitSpec) Validate() error {
	if s.Limit <= 0 {
		return &ValidationError{Field: "limit", Reason: "must be a positive integer"}
	}
	if s.Window <= 0 {
		return &ValidationError{Field: "window", Reason: "must be a positive duration"}
	}
	if s.Cost <= 0 {
		return &ValidationError{Field: "cost", Reason: "must be a positive integer"}
	}
	return nil
}

// Decision is the outcome of a single check.
type Decision struct {
	Allowed   bool
	Remaining int64         // quota left after this check (unchanged on deny)
	ResetIn   time.Duration // until the current bucket's weight fully decays
	// RetryAfter is how long until enough quota frees up for the denied
	// cost. Zero when Allowed.
	RetryAfter time.Duration
}

// Limiter is the decision-engine surface consumed by the transport layer.
type Limiter interface {
	Check(ctx context.Context, key string, spec LimitSpec) (Decision, error)
	Close() error
}
