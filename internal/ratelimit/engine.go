package ratelimit

import (
	"context"
	"time"
)

// Engine answers check requests against a Store. It holds no per-key state
// of its own, so any number of engines may share one store.
type Engine struct {
	store Store
	now   func() time.Time
}

func NewEngine(store Store) *Engine {
	return NewEngineWithClock(store, time.Now)
}

// NewEngineWithClock builds an engine on a caller-supplied clock.
func NewEngineWithClock(store Store, now func() time.Time) *Engine {
	return &Engine{
		store: store,
		now:   now,
	}
}

func (e *Engine) Close() error { return e.store.Close() }

// Check runs the weighted sliding-window algorithm for key under spec as a
// single atomic read-modify-write: exactly one store write when allowed,
// none when denied.
func (e *Engine) Check(ctx context.Context, key string, spec LimitSpec) (Decision, error) {
	if key == "" {
		return Decision{}, &ValidationError{Field: "key", Reason: "must not be empty"}
	}
	if err := spec.Validate(); err != nil {
		return Decision{}, err
	}

	now := e.now()
	window := spec.Window

	// A store that can run the transition server-side gets the whole
	// update in one round trip; the in-process fallback below is the
	// reference for what that transition must compute.
	if wu, ok := e.store.(WindowUpdater); ok {
		return wu.UpdateWindow(ctx, key, spec, now, 2*window)
	}

	var dec Decision

	err := e.store.AtomicUpdate(ctx, key, 2*window, func(value []byte, found bool) ([]byte, bool, error) {
		st := WindowState{Start: now.UnixNano()}
		if found {
			if got, err := Decode(value); err == nil {
				st = got
			}
			// An undecodable entry is treated as fresh state; the
			// next allowed check overwrites it.
		}

		// elapsed is measured against the pre-rotation bucket start and
		// reused for the weight below, so a check landing past a full
		// window sees the previous bucket fully decayed.
		elapsed := now.Sub(time.Unix(0, st.Start))
		if elapsed < 0 {
			elapsed = 0
		}
		switch {
		case elapsed >= 2*window:
			// Long idle: nothing in the sliding frame survives.
			st = WindowState{Start: now.UnixNano()}
		case elapsed >= window:
			st = WindowState{Previous: st.Current, Start: now.UnixNano()}
		}

		weight := 1 - float64(elapsed)/float64(window)
		if weight < 0 {
			weight = 0
		}
		estimated := float64(st.Current) + float64(st.Previous)*weight

		resetIn := window - elapsed
		if resetIn < 0 {
			resetIn = 0
		}

		if estimated+float64(spec.Cost) <= float64(spec.Limit) {
			st.Current += spec.Cost
			dec = Decision{
				Allowed:   true,
				Remaining: clampCount(float64(spec.Limit) - (estimated + float64(spec.Cost))),
				ResetIn:   resetIn,
			}
			return Encode(st), true, nil
		}

		dec = Decision{
			Allowed:    false,
			Remaining:  clampCount(float64(spec.Limit) - estimated),
			ResetIn:    resetIn,
			RetryAfter: retryAfter(st, spec, elapsed, estimated),
		}
		return nil, false, nil
	})
	if err != nil {
		return Decision{}, err
	}
	return dec, nil
}

// retryAfter finds the smallest delay until the weighted estimate decays
// enough for spec.Cost to fit. The previous bucket's contribution shrinks
// linearly at Previous/Window per unit time; if even its full decay cannot
// free enough quota, the answer is the next bucket rotation, at which point
// the weight drops to zero.
func retryAfter(st WindowState, spec LimitSpec, elapsed time.Duration, estimated float64) time.Duration {
	need := estimated + float64(spec.Cost) - float64(spec.Limit)
	if need <= 0 {
		return 0
	}
	weight := 1 - float64(elapsed)/float64(spec.Window)
	if weight < 0 {
		weight = 0
	}
	if decayable := float64(st.Previous) * weight; decayable >= need {
		return time.Duration(need / float64(st.Previous) * float64(spec.Window))
	}
	wait := spec.Window - elapsed
	if wait < 0 {
		wait = 0
	}
	return wait
}

func clampCount(v float64) int64 {
	if v < 0 {
		return 0
	}
	return int64(v)
}
