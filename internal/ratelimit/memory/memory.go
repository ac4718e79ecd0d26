// Package memory provides an in-process counter store. It backs single-node
// deployments and tests; anything distributed should use the redis store.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/quotad/quotad/internal/ratelimit"
)

type entry struct {
	mu      sync.Mutex
	value   []byte
	expires time.Time
}

func (e *entry) live(now time.Time) bool {
	return e.value != nil && now.Before(e.expires)
}

// Store keeps entries in a sync.Map with a per-entry mutex, so updates on
// one key never contend with updates on another. Expiry is lazy: dead
// entries are dropped when next touched or scanned.
type Store struct {
	now     func() time.Time
	entries sync.Map
}

func New() *Store {
	return &Store{now: time.Now}
}

// NewWithClock builds a store on a caller-supplied clock.
func NewWithClock(now func() time.Time) *Store {
	return &Store{now: now}
}

func (s *Store) Close() error { return nil }

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) AtomicUpdate(_ context.Context, key string, ttl time.Duration, fn ratelimit.UpdateFunc) error {
	v, _ := s.entries.LoadOrStore(key, &entry{})
	ent := v.(*entry)

	ent.mu.Lock()
	defer ent.mu.Unlock()

	now := s.now()
	value, found := ent.value, true
	if !ent.live(now) {
		value, found = nil, false
	}

	next, write, err := fn(value, found)
	if err != nil {
		return err
	}
	if !write {
		return nil
	}
	ent.value = next
	ent.expires = now.Add(ttl)
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.entries.Load(key)
	if !ok {
		return nil, false, nil
	}
	ent := v.(*entry)
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if !ent.live(s.now()) {
		return nil, false, nil
	}
	return ent.value, true, nil
}

func (s *Store) ScanPrefix(_ context.Context, prefix string, fn func(key string) error) error {
	now := s.now()
	var err error
	s.entries.Range(func(k, v any) bool {
		key := k.(string)
		if !strings.HasPrefix(key, prefix) {
			return true
		}
		ent := v.(*entry)
		ent.mu.Lock()
		alive := ent.live(now)
		ent.mu.Unlock()
		if !alive {
			s.entries.Delete(k)
			return true
		}
		err = fn(key)
		return err == nil
	})
	return err
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.entries.Delete(key)
	return nil
}

func (s *Store) DeleteMany(_ context.Context, keys []string) (int, error) {
	deleted := 0
	now := s.now()
	for _, key := range keys {
		if v, ok := s.entries.LoadAndDelete(key); ok {
			ent := v.(*entry)
			ent.mu.Lock()
			if ent.live(now) {
				deleted++
			}
			ent.mu.Unlock()
		}
	}
	return deleted, nil
}
