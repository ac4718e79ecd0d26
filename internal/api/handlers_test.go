package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/quotad/quotad/internal/api"
	"github.com/quotad/quotad/internal/audit"
	"github.com/quotad/quotad/internal/health"
	"github.com/quotad/quotad/internal/obs"
	"github.com/quotad/quotad/internal/privacy"
	"github.com/quotad/quotad/internal/ratelimit"
	"github.com/quotad/quotad/internal/ratelimit/memory"
)

func newTestServer(t *testing.T) (http.Handler, ratelimit.Store) {
	t.Helper()
	store := memory.New()
	eng := ratelimit.NewEngine(store)
	log := zerolog.Nop()
	srv := api.NewServer(
		eng,
		privacy.NewManager(store, log),
		nil, // analytics disabled
		nil, // audit disabled
		health.NewChecker(store, "test"),
		obs.NewMetrics(prometheus.NewRegistry()),
		log,
	)
	return srv.Routes(), store
}

func newAuditedServer(t *testing.T) http.Handler {
	t.Helper()
	store := memory.New()
	log := zerolog.Nop()
	signer, err := audit.NewSigner("qd_audit_key_0123456789abcdef0123456789")
	require.NoError(t, err)
	srv := api.NewServer(
		ratelimit.NewEngine(store),
		privacy.NewManager(store, log),
		nil,
		audit.NewLogger(store, signer, log),
		health.NewChecker(store, "test"),
		obs.NewMetrics(prometheus.NewRegistry()),
		log,
	)
	return srv.Routes()
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if out != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w
}

func TestCheckAllowsAndDenies(t *testing.T) {
	h, _ := newTestServer(t)

	var resp struct {
		Allowed    bool   `json:"allowed"`
		Remaining  int64  `json:"remaining"`
		ResetIn    int64  `json:"reset_in"`
		RetryAfter *int64 `json:"retry_after"`
	}

	for i := int64(1); i <= 3; i++ {
		w := doJSON(t, h, http.MethodPost, "/v1/check",
			`{"key":"user:1:api","limit":3,"window":60,"cost":1}`, &resp)
		require.Equal(t, http.StatusOK, w.Code)
		require.True(t, resp.Allowed)
		require.Equal(t, 3-i, resp.Remaining)
		require.Nil(t, resp.RetryAfter)
		require.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
	}

	w := doJSON(t, h, http.MethodPost, "/v1/check",
		`{"key":"user:1:api","limit":3,"window":60,"cost":1}`, &resp)
	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, resp.Allowed)
	require.NotNil(t, resp.RetryAfter)
	require.Positive(t, *resp.RetryAfter)
	require.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestCheckDefaultsCostToOne(t *testing.T) {
	h, _ := newTestServer(t)

	var resp struct {
		Remaining int64 `json:"remaining"`
	}
	w := doJSON(t, h, http.MethodPost, "/v1/check",
		`{"key":"user:2:api","limit":10,"window":60}`, &resp)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 9, resp.Remaining)
}

func TestCheckValidationNamesField(t *testing.T) {
	h, _ := newTestServer(t)

	cases := []struct {
		body  string
		field string
	}{
		{`{"key":"","limit":10,"window":60}`, "key"},
		{`{"key":"k","limit":0,"window":60}`, "limit"},
		{`{"key":"k","limit":10,"window":0}`, "window"},
		{`{"key":"k","limit":10,"window":60,"cost":-2}`, "cost"},
	}
	for _, tc := range cases {
		w := doJSON(t, h, http.MethodPost, "/v1/check", tc.body, nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "invalid_request")
		require.Contains(t, w.Body.String(), tc.field)
	}
}

func TestCheckMalformedBody(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/v1/check", `{"key":`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckStoreOutageIs503(t *testing.T) {
	log := zerolog.Nop()
	store := memory.New()
	srv := api.NewServer(
		ratelimit.NewEngine(unavailableStore{}),
		privacy.NewManager(store, log),
		nil,
		nil,
		health.NewChecker(store, "test"),
		obs.NewMetrics(prometheus.NewRegistry()),
		log,
	)
	h := srv.Routes()

	w := doJSON(t, h, http.MethodPost, "/v1/check",
		`{"key":"user:1:api","limit":3,"window":60}`, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), "store_unavailable")
	// Crucially not a quota decision.
	require.NotContains(t, w.Body.String(), `"allowed"`)
}

func TestPrivacyEndpoints(t *testing.T) {
	h, _ := newTestServer(t)

	// Build some traffic for two subjects.
	for i := 0; i < 4; i++ {
		doJSON(t, h, http.MethodPost, "/v1/check",
			`{"key":"user:42:api","limit":100,"window":60}`, nil)
	}
	doJSON(t, h, http.MethodPost, "/v1/check",
		`{"key":"user:42:upload","limit":100,"window":60,"cost":5}`, nil)
	doJSON(t, h, http.MethodPost, "/v1/check",
		`{"key":"user:7:api","limit":100,"window":60}`, nil)

	var sum struct {
		UserID        string   `json:"user_id"`
		KeysCount     int      `json:"keys_count"`
		TotalRequests int64    `json:"total_requests"`
		DataTypes     []string `json:"data_types"`
	}
	w := doJSON(t, h, http.MethodPost, "/v1/privacy/summary", `{"user_id":"42"}`, &sum)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "42", sum.UserID)
	require.Equal(t, 2, sum.KeysCount)
	require.EqualValues(t, 9, sum.TotalRequests)
	require.Equal(t, []string{"api", "upload"}, sum.DataTypes)

	var del struct {
		Success     bool `json:"success"`
		DeletedKeys int  `json:"deleted_keys"`
	}
	w = doJSON(t, h, http.MethodPost, "/v1/privacy/delete",
		`{"user_id":"42","reason":"user request"}`, &del)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, del.Success)
	require.Equal(t, 2, del.DeletedKeys)

	// Second erase is a no-op success.
	w = doJSON(t, h, http.MethodPost, "/v1/privacy/delete",
		`{"user_id":"42","reason":"user request"}`, &del)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, del.Success)
	require.Equal(t, 0, del.DeletedKeys)

	w = doJSON(t, h, http.MethodPost, "/v1/privacy/summary", `{"user_id":"42"}`, &sum)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 0, sum.KeysCount)

	// The other subject is untouched.
	w = doJSON(t, h, http.MethodPost, "/v1/privacy/summary", `{"user_id":"7"}`, &sum)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, sum.KeysCount)
}

func TestPrivacyValidation(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/v1/privacy/summary", `{"user_id":""}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodPost, "/v1/privacy/delete", `{"user_id":""}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAnalyticsDisabled(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodGet, "/v1/analytics/stats", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuditDisabled(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodGet, "/v1/audit/recent", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Contains(t, w.Body.String(), "audit_disabled")
}

func TestEraseLeavesAuditTrail(t *testing.T) {
	h := newAuditedServer(t)

	doJSON(t, h, http.MethodPost, "/v1/check",
		`{"key":"user:42:api","limit":100,"window":60}`, nil)
	w := doJSON(t, h, http.MethodPost, "/v1/privacy/delete",
		`{"user_id":"42","reason":"user request"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count  int                 `json:"count"`
		Events []audit.StoredEvent `json:"events"`
	}
	w = doJSON(t, h, http.MethodGet, "/v1/audit/recent", "", &resp)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, resp.Count)

	e := resp.Events[0]
	require.Equal(t, audit.TypePrivacy, e.Type)
	require.Equal(t, "privacy.erase", e.Action)
	require.Equal(t, "user:42", e.Resource)
	require.Equal(t, audit.OutcomeSuccess, e.Outcome)
	require.Contains(t, e.Detail, "1 keys deleted")
	require.True(t, e.SignatureValid)
}

func TestHealthDetailedStoreOutageIs503(t *testing.T) {
	log := zerolog.Nop()
	store := memory.New()
	srv := api.NewServer(
		ratelimit.NewEngine(store),
		privacy.NewManager(store, log),
		nil,
		nil,
		health.NewChecker(unavailableStore{}, "test"),
		obs.NewMetrics(prometheus.NewRegistry()),
		log,
	)
	h := srv.Routes()

	r := httptest.NewRequest(http.MethodGet, "/health/detailed", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), health.StatusUnhealthy)
}

func TestHealthEndpoints(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status"`)

	var detailed struct {
		Status       string                       `json:"status"`
		Dependencies map[string]health.Dependency `json:"dependencies"`
	}
	w = doJSON(t, h, http.MethodGet, "/health/detailed", "", &detailed)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, health.StatusHealthy, detailed.Status)
	require.Contains(t, detailed.Dependencies, "store")
}

type unavailableStore struct{}

func (unavailableStore) AtomicUpdate(context.Context, string, time.Duration, ratelimit.UpdateFunc) error {
	return ratelimit.ErrStoreUnavailable
}
func (unavailableStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, ratelimit.ErrStoreUnavailable
}
func (unavailableStore) ScanPrefix(context.Context, string, func(string) error) error {
	return ratelimit.ErrStoreUnavailable
}
func (unavailableStore) Delete(context.Context, string) error { return ratelimit.ErrStoreUnavailable }
func (unavailableStore) DeleteMany(context.Context, []string) (int, error) {
	return 0, ratelimit.ErrStoreUnavailable
}
func (unavailableStore) Ping(context.Context) error { return ratelimit.ErrStoreUnavailable }
func (unavailableStore) Close() error               { return nil }
