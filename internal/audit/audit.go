// Package audit keeps a tamper-evident trail of security-relevant actions:
// privacy erasures, data-access summaries, rejected credentials. Every
// event is HMAC-signed before it is persisted, so a record altered in the
// store no longer verifies.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/quotad/quotad/internal/ratelimit"
)

const (
	TypeAuthentication = "authentication"
	TypePrivacy        = "privacy"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)

const (
	keyPrefix = "audit:"

	// Events age out of the store on their own; 90 days covers the usual
	// compliance lookback.
	retention = 90 * 24 * time.Hour

	defaultRecent = 100
	maxRecent     = 1000
)

// Event is one audited action. Actor is a key ID or key fingerprint,
// never a secret.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Actor     string    `json:"actor,omitempty"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource,omitempty"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	Signature string    `json:"signature,omitempty"`
}

// StoredEvent is an event read back from the store, with the result of
// re-verifying its signature.
type StoredEvent struct {
	Event
	SignatureValid bool `json:"signature_valid"`
}

// MinSigningKeyLength matches the API-key floor: a shorter HMAC key is
// refused outright.
const MinSigningKeyLength = 32

// Signer produces and verifies HMAC-SHA256 event signatures.
type Signer struct {
	key []byte
}

func NewSigner(key string) (*Signer, error) {
	if len(key) < MinSigningKeyLength {
		return nil, fmt.Errorf("audit signing key must be at least %d characters", MinSigningKeyLength)
	}
	return &Signer{key: []byte(key)}, nil
}

func (s *Signer) sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature over the event without its Signature
// field and compares in constant time.
func (s *Signer) Verify(e Event) bool {
	sig := e.Signature
	e.Signature = ""
	payload, err := json.Marshal(e)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(s.sign(payload))) == 1
}

// Logger signs events and persists them in the counter store under the
// audit: prefix, outside the subject keyspace.
type Logger struct {
	store  ratelimit.Store
	signer *Signer
	log    zerolog.Logger
	now    func() time.Time
}

func NewLogger(store ratelimit.Store, signer *Signer, log zerolog.Logger) *Logger {
	return &Logger{store: store, signer: signer, log: log, now: time.Now}
}

// Record signs and persists one event. A nil logger drops it, and a store
// failure is logged and swallowed: the trail must never fail the action
// being audited.
func (l *Logger) Record(ctx context.Context, e Event) {
	if l == nil {
		return
	}
	e.ID = xid.New().String()
	e.Timestamp = l.now().UTC()
	e.Signature = ""

	payload, err := json.Marshal(e)
	if err != nil {
		l.log.Error().Err(err).Str("action", e.Action).Msg("audit event not encodable")
		return
	}
	e.Signature = l.signer.sign(payload)
	value, err := json.Marshal(e)
	if err != nil {
		l.log.Error().Err(err).Str("action", e.Action).Msg("audit event not encodable")
		return
	}

	key := keyPrefix + strconv.FormatInt(e.Timestamp.UnixNano(), 10) + ":" + e.ID
	err = l.store.AtomicUpdate(ctx, key, retention, func([]byte, bool) ([]byte, bool, error) {
		return value, true, nil
	})
	if err != nil {
		l.log.Error().Err(err).Str("action", e.Action).Msg("audit write failed")
		return
	}
	l.log.Info().
		Str("audit_id", e.ID).
		Str("action", e.Action).
		Str("outcome", e.Outcome).
		Msg("audit event recorded")
}

// Recent returns up to limit events, newest first, each re-verified
// against the signing key.
func (l *Logger) Recent(ctx context.Context, limit int) ([]StoredEvent, error) {
	if limit <= 0 || limit > maxRecent {
		limit = defaultRecent
	}

	var keys []string
	err := l.store.ScanPrefix(ctx, keyPrefix, func(key string) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Keys embed a fixed-width nanosecond timestamp, so reverse
	// lexicographic order is newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	events := make([]StoredEvent, 0, limit)
	for _, key := range keys {
		if len(events) == limit {
			break
		}
		value, found, err := l.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue // expired between scan and read
		}
		var e Event
		if err := json.Unmarshal(value, &e); err != nil {
			l.log.Warn().Str("key", key).Msg("undecodable audit entry skipped")
			continue
		}
		events = append(events, StoredEvent{Event: e, SignatureValid: l.signer.Verify(e)})
	}
	return events, nil
}
