package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/quotad/quotad/internal/ratelimit/memory"
)

const signingKey = "qd_audit_key_0123456789abcdef0123456789"

func newTestLogger(t *testing.T) (*Logger, *memory.Store) {
	t.Helper()
	store := memory.New()
	signer, err := NewSigner(signingKey)
	require.NoError(t, err)

	l := NewLogger(store, signer, zerolog.Nop())
	base := time.Unix(1_700_000_000, 0)
	n := 0
	l.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return l, store
}

func TestSignerRejectsShortKey(t *testing.T) {
	_, err := NewSigner("too-short")
	require.Error(t, err)
}

func TestRecordAndRecent(t *testing.T) {
	l, _ := newTestLogger(t)
	ctx := context.Background()

	l.Record(ctx, Event{
		Type:     TypePrivacy,
		Actor:    "key-1",
		Action:   "privacy.erase",
		Resource: "user:42",
		Outcome:  OutcomeSuccess,
		Detail:   "2 keys deleted",
	})
	l.Record(ctx, Event{
		Type:    TypeAuthentication,
		Actor:   "3f1a9c02",
		Action:  "auth.reject",
		Outcome: OutcomeFailure,
	})

	events, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Newest first.
	require.Equal(t, "auth.reject", events[0].Action)
	require.Equal(t, "privacy.erase", events[1].Action)

	for _, e := range events {
		require.True(t, e.SignatureValid)
		require.NotEmpty(t, e.ID)
		require.NotEmpty(t, e.Signature)
		require.False(t, e.Timestamp.IsZero())
	}
	require.Equal(t, "user:42", events[1].Resource)
	require.Equal(t, "2 keys deleted", events[1].Detail)
}

func TestRecentHonorsLimit(t *testing.T) {
	l, _ := newTestLogger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Record(ctx, Event{Type: TypePrivacy, Action: "privacy.summary", Outcome: OutcomeSuccess})
	}

	events, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestTamperedEventFailsVerification(t *testing.T) {
	l, store := newTestLogger(t)
	ctx := context.Background()

	l.Record(ctx, Event{
		Type:     TypePrivacy,
		Actor:    "key-1",
		Action:   "privacy.erase",
		Resource: "user:42",
		Outcome:  OutcomeSuccess,
	})

	var key string
	require.NoError(t, store.ScanPrefix(ctx, keyPrefix, func(k string) error {
		key = k
		return nil
	}))
	require.NotEmpty(t, key)

	value, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)

	var e Event
	require.NoError(t, json.Unmarshal(value, &e))
	e.Resource = "user:7" // rewrite history
	forged, err := json.Marshal(e)
	require.NoError(t, err)
	require.NoError(t, store.AtomicUpdate(ctx, key, retention, func([]byte, bool) ([]byte, bool, error) {
		return forged, true, nil
	}))

	events, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.False(t, events[0].SignatureValid)
}

func TestNilLoggerRecordIsNoop(t *testing.T) {
	var l *Logger
	l.Record(context.Background(), Event{Action: "privacy.erase"}) // must not panic
}
