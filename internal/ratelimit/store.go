package ratelimit

import (
	"context"
	"time"
)

// UpdateFunc transforms the stored value for one key. value is nil and found
// is false when the key is absent. Returning write=false leaves the entry
// untouched (and its TTL unchanged).
type UpdateFunc func(value []byte, found bool) (next []byte, write bool, err error)

// WindowUpdater is an optional Store capability: the whole window
// transition (read, rotate, weigh, conditionally consume, re-arm TTL)
// runs inside the store as one round trip. Remote stores implement it so
// concurrent checks on a hot key serialize server-side instead of racing
// an optimistic client-side loop.
type WindowUpdater interface {
	UpdateWindow(ctx context.Context, key string, spec LimitSpec, now time.Time, ttl time.Duration) (Decision, error)
}

// Store is the counter store consumed by the engine and the privacy
// subsystem. Implementations must serialize concurrent updates on the same
// key without blocking updates on other keys, and must expire entries on
// their own once the TTL passes.
type Store interface {
	// AtomicUpdate applies fn to the current value of key as one
	// indivisible read-modify-write. When fn asks for a write, the new
	// value is persisted with the given TTL.
	AtomicUpdate(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error

	// Get returns the value for key, with found=false for a missing or
	// expired entry.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// ScanPrefix streams every live key beginning with prefix to fn,
	// stopping at the first error fn returns. Enumeration is lazy and
	// must not take a store-wide lock.
	ScanPrefix(ctx context.Context, prefix string, fn func(key string) error) error

	// Delete removes one entry immediately, bypassing TTL.
	Delete(ctx context.Context, key string) error

	// DeleteMany removes a batch of entries and reports how many existed.
	DeleteMany(ctx context.Context, keys []string) (int, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
