package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

type ctxKey int

const keyID ctxKey = 0

// MinKeyLength is the shortest secret the service accepts. Shorter keys are
// rejected before any comparison, so weak credentials never validate.
const MinKeyLength = 32

// Store is a static in-memory API-key store: secret -> keyID.
type Store struct {
	header   string
	bySecret map[string]string
	log      zerolog.Logger
}

// NewStatic creates a new static key store.
// header: fallback HTTP header to read the key from (e.g. "X-API-Key");
// the Authorization Bearer scheme is always tried first.
// pairs: map of secret -> keyID.
func NewStatic(header string, pairs map[string]string, log zerolog.Logger) *Store {
	h := header
	if h == "" {
		h = "X-API-Key"
	}
	return &Store{header: h, bySecret: pairs, log: log}
}

// keyIDFor matches secret against every configured key, comparing each
// candidate in constant time so lookup timing leaks nothing about
// near-misses.
func (s *Store) keyIDFor(secret string) (string, bool) {
	if len(secret) < MinKeyLength {
		return "", false
	}
	found := ""
	for candidate, id := range s.bySecret {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) == 1 {
			found = id
		}
	}
	return found, found != ""
}

// Fingerprint returns a short SHA-256 digest of a secret, safe to log.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:8]
}

// WithKeyID injects the key ID into context.
func WithKeyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyID, id)
}

// KeyIDFrom extracts the key ID from context (if present).
func KeyIDFrom(ctx context.Context) (string, bool) {
	v := ctx.Value(keyID)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// Middleware validates the API key and writes JSON errors on failure.
// It skips authentication for any path in skipPaths. onReject, when
// non-nil, fires for every presented-but-rejected credential with the
// key's fingerprint, never the secret.
func (s *Store) Middleware(skipPaths map[string]struct{}, onReject func(r *http.Request, fingerprint string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			secret := s.secretFrom(r)
			if secret == "" {
				writeJSON(w, http.StatusUnauthorized, "missing_api_key",
					"Provide API key as a Bearer token or in "+s.header)
				return
			}
			id, ok := s.keyIDFor(secret)
			if !ok {
				fp := Fingerprint(secret)
				s.log.Warn().Str("key_fp", fp).Msg("API key rejected")
				if onReject != nil {
					onReject(r, fp)
				}
				writeJSON(w, http.StatusUnauthorized, "invalid_api_key", "API key not recognized")
				return
			}
			ctx := WithKeyID(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Store) secretFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return strings.TrimSpace(r.Header.Get(s.header))
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
