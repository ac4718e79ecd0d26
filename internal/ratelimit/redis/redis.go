// Package redis implements the counter store on a Redis server (or
// cluster). Checks run a server-side Lua script, so the read-modify-write
// is truly atomic in one round trip and a hot key never starves under
// contention; the generic AtomicUpdate keeps an optimistic WATCH/MULTI
// transaction for the rare administrative write.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quotad/quotad/internal/ratelimit"
)

const (
	// maxTxRetries bounds the optimistic-lock retry loop in AtomicUpdate.
	// Checks never take that path (they run the window script), so the
	// loop only ever races other administrative writes.
	maxTxRetries = 16

	scanBatch   = 256
	deleteBatch = 128
)

// NewScript runs EVALSHA and falls back to EVAL on NOSCRIPT, so a Redis
// restart or SCRIPT FLUSH re-caches the script transparently.
var windowScript = redis.NewScript(luaWindowScript)

type Options struct {
	// Prefix namespaces every key this store writes (no trailing ':').
	Prefix string
}

type Store struct {
	client redis.UniversalClient
	prefix string
}

func New(client redis.UniversalClient, opt Options) *Store {
	prefix := opt.Prefix
	if prefix == "" {
		prefix = "quotad"
	}
	return &Store{client: client, prefix: prefix + ":"}
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storeErr(err)
	}
	return nil
}

// UpdateWindow executes the window transition server-side. One EVALSHA
// carries the whole check; on allow the script writes the new state with
// the TTL, on deny it touches nothing.
func (s *Store) UpdateWindow(ctx context.Context, key string, spec ratelimit.LimitSpec, now time.Time, ttl time.Duration) (ratelimit.Decision, error) {
	res, err := windowScript.Run(ctx, s.client, []string{s.prefix + key},
		strconv.FormatInt(now.UnixNano(), 10),
		spec.Window.Nanoseconds(),
		spec.Limit,
		spec.Cost,
		ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return ratelimit.Decision{}, storeErr(err)
	}
	if len(res) != 4 {
		return ratelimit.Decision{}, storeErr(fmt.Errorf("window script returned %d values, want 4", len(res)))
	}
	return ratelimit.Decision{
		Allowed:    res[0] == 1,
		Remaining:  res[1],
		ResetIn:    time.Duration(res[2]) * time.Millisecond,
		RetryAfter: time.Duration(res[3]) * time.Millisecond,
	}, nil
}

func (s *Store) AtomicUpdate(ctx context.Context, key string, ttl time.Duration, fn ratelimit.UpdateFunc) error {
	rkey := s.prefix + key

	var fnErr error
	txf := func(tx *redis.Tx) error {
		value, err := tx.Get(ctx, rkey).Bytes()
		found := true
		if errors.Is(err, redis.Nil) {
			value, found = nil, false
		} else if err != nil {
			return err
		}

		next, write, err := fn(value, found)
		if err != nil {
			fnErr = err
			return err
		}
		if !write {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, next, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, rkey)
		if err == nil {
			return nil
		}
		if fnErr != nil {
			return fnErr
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // key changed under us, take another round
		}
		return storeErr(err)
	}
	return storeErr(fmt.Errorf("update of %q lost %d consecutive races", key, maxTxRetries))
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeErr(err)
	}
	return value, true, nil
}

// ScanPrefix walks the keyspace with cursor-based SCAN, never KEYS, so a
// large subject enumeration cannot stall live checks.
func (s *Store) ScanPrefix(ctx context.Context, prefix string, fn func(key string) error) error {
	iter := s.client.Scan(ctx, 0, s.prefix+prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		if err := fn(strings.TrimPrefix(iter.Val(), s.prefix)); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Store) DeleteMany(ctx context.Context, keys []string) (int, error) {
	deleted := 0
	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		batch := make([]string, 0, end-start)
		for _, key := range keys[start:end] {
			batch = append(batch, s.prefix+key)
		}
		n, err := s.client.Del(ctx, batch...).Result()
		deleted += int(n)
		if err != nil {
			return deleted, storeErr(err)
		}
	}
	return deleted, nil
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ratelimit.ErrStoreUnavailable, err)
}
