// Package privacy implements subject data inspection and erasure over the
// rate-limit keyspace. Callers route subject-scoped counters through the
// "user:<subjectID>:<category>" key convention; everything here derives
// from that prefix.
package privacy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/quotad/quotad/internal/ratelimit"
)

const deleteBatch = 128

// Summary describes what the service currently stores about one subject.
type Summary struct {
	UserID        string
	KeysCount     int
	TotalRequests int64
	DataTypes     []string
}

// EraseResult reports an erasure. DeletedKeys counts keys actually removed,
// which on partial failure is less than the subject's total.
type EraseResult struct {
	Success     bool
	DeletedKeys int
	Message     string
}

// PartialEraseError reports an erasure that removed some but not all of a
// subject's keys. Erase is idempotent, so the caller may simply retry.
type PartialEraseError struct {
	Deleted int
	Err     error
}

func (e *PartialEraseError) Error() string {
	return fmt.Sprintf("erase incomplete after %d deletions: %v", e.Deleted, e.Err)
}

func (e *PartialEraseError) Unwrap() error { return e.Err }

// KeyPrefix derives the counter-key namespace for a subject.
func KeyPrefix(subjectID string) string {
	return "user:" + subjectID + ":"
}

// Manager runs summaries and erasures against the same store the decision
// engine writes to. It never blocks concurrent checks on unrelated keys.
type Manager struct {
	store ratelimit.Store
	log   zerolog.Logger
}

func NewManager(store ratelimit.Store, log zerolog.Logger) *Manager {
	return &Manager{store: store, log: log}
}

// Summarize aggregates the subject's live counters: key count, distinct
// data-type categories, and total recorded requests. Read-only; a counter
// expiring mid-scan is simply skipped, so the result is a best-effort
// snapshot rather than a linearizable view.
func (m *Manager) Summarize(ctx context.Context, subjectID string) (Summary, error) {
	if subjectID == "" {
		return Summary{}, &ratelimit.ValidationError{Field: "user_id", Reason: "must not be empty"}
	}

	prefix := KeyPrefix(subjectID)
	sum := Summary{UserID: subjectID}
	types := map[string]struct{}{}

	err := m.store.ScanPrefix(ctx, prefix, func(key string) error {
		value, found, err := m.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			return nil // expired between scan and read
		}
		sum.KeysCount++
		if st, err := ratelimit.Decode(value); err == nil {
			sum.TotalRequests += st.Current + st.Previous
		}
		if t := dataType(key, prefix); t != "" {
			types[t] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}

	sum.DataTypes = make([]string, 0, len(types))
	for t := range types {
		sum.DataTypes = append(sum.DataTypes, t)
	}
	sort.Strings(sum.DataTypes)
	return sum, nil
}

// Erase deletes every counter belonging to the subject and reports how many
// were removed. A subject with no keys erases successfully with zero
// deletions. Deletion proceeds in batches; on failure the keys already gone
// stay gone and the count reflects exactly those.
func (m *Manager) Erase(ctx context.Context, subjectID, reason string) (EraseResult, error) {
	if subjectID == "" {
		return EraseResult{}, &ratelimit.ValidationError{Field: "user_id", Reason: "must not be empty"}
	}

	var keys []string
	if err := m.store.ScanPrefix(ctx, KeyPrefix(subjectID), func(key string) error {
		keys = append(keys, key)
		return nil
	}); err != nil {
		return EraseResult{}, err
	}

	deleted := 0
	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		n, err := m.store.DeleteMany(ctx, keys[start:end])
		deleted += n
		if err != nil {
			m.log.Error().Err(err).Str("user_id", subjectID).
				Int("deleted", deleted).Msg("erasure interrupted")
			return EraseResult{
					Success:     false,
					DeletedKeys: deleted,
					Message:     fmt.Sprintf("erase incomplete for user %s, retry to finish", subjectID),
				}, &PartialEraseError{
					Deleted: deleted,
					Err:     err,
				}
		}
	}

	m.log.Info().Str("user_id", subjectID).Str("reason", reason).
		Int("deleted", deleted).Msg("subject data erased")
	return EraseResult{
		Success:     true,
		DeletedKeys: deleted,
		Message:     fmt.Sprintf("successfully deleted data for user %s", subjectID),
	}, nil
}

// dataType is the first key segment after the subject prefix, e.g.
// "user:42:api:list" -> "api".
func dataType(key, prefix string) string {
	rest := strings.TrimPrefix(key, prefix)
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		return rest[:i]
	}
	return rest
}
