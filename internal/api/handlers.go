// Package api exposes the decision engine and privacy subsystem over HTTP.
// Auth, logging, and body limits are middleware concerns wired in main; the
// handlers here assume an authenticated request.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/quotad/quotad/internal/analytics"
	"github.com/quotad/quotad/internal/audit"
	"github.com/quotad/quotad/internal/auth"
	"github.com/quotad/quotad/internal/health"
	"github.com/quotad/quotad/internal/obs"
	"github.com/quotad/quotad/internal/privacy"
	"github.com/quotad/quotad/internal/ratelimit"
)

type Server struct {
	limiter   ratelimit.Limiter
	privacy   *privacy.Manager
	analytics *analytics.Recorder // nil when disabled
	audit     *audit.Logger       // nil when disabled
	health    *health.Checker
	metrics   *obs.Metrics
	log       zerolog.Logger
}

func NewServer(
	limiter ratelimit.Limiter,
	priv *privacy.Manager,
	rec *analytics.Recorder,
	trail *audit.Logger,
	hc *health.Checker,
	m *obs.Metrics,
	log zerolog.Logger,
) *Server {
	return &Server{
		limiter:   limiter,
		privacy:   priv,
		analytics: rec,
		audit:     trail,
		health:    hc,
		metrics:   m,
		log:       log,
	}
}

// Routes returns the service mux. /metrics is registered by main so the
// Prometheus handler stays next to its registry.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/check", s.handleCheck)
	mux.HandleFunc("POST /v1/privacy/summary", s.handleSummary)
	mux.HandleFunc("POST /v1/privacy/delete", s.handleDelete)
	mux.HandleFunc("GET /v1/analytics/stats", s.handleStats)
	mux.HandleFunc("GET /v1/analytics/top-keys", s.handleTopKeys)
	mux.HandleFunc("GET /v1/audit/recent", s.handleAuditRecent)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleHealthDetailed)
	return mux
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.Cost == 0 {
		req.Cost = 1 // documented default
	}

	spec := ratelimit.LimitSpec{
		Limit:  req.Limit,
		Window: time.Duration(req.Window) * time.Second,
		Cost:   req.Cost,
	}
	dec, err := s.limiter.Check(r.Context(), req.Key, spec)
	if err != nil {
		if !ratelimit.IsValidation(err) {
			s.metrics.ChecksTotal.WithLabelValues("error").Inc()
		}
		s.writeEngineError(w, err)
		return
	}

	if s.analytics != nil {
		s.analytics.Record(r.Context(), req.Key, dec.Allowed)
	}

	outcome := "denied"
	if dec.Allowed {
		outcome = "allowed"
	}
	s.metrics.ChecksTotal.WithLabelValues(outcome).Inc()

	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(req.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(dec.Remaining, 10))

	resp := checkResponse{
		Allowed:   dec.Allowed,
		Remaining: dec.Remaining,
		ResetIn:   ceilSeconds(dec.ResetIn),
	}
	if !dec.Allowed {
		retry := ceilSeconds(dec.RetryAfter)
		resp.RetryAfter = &retry
		w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	var req summaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	sum, err := s.privacy.Summarize(r.Context(), req.UserID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.recordAudit(r, audit.Event{
		Type:     audit.TypePrivacy,
		Action:   "privacy.summary",
		Resource: "user:" + req.UserID,
		Outcome:  audit.OutcomeSuccess,
		Detail:   fmt.Sprintf("%d keys reported", sum.KeysCount),
	})
	writeJSON(w, http.StatusOK, summaryResponse{
		UserID:        sum.UserID,
		KeysCount:     sum.KeysCount,
		TotalRequests: sum.TotalRequests,
		DataTypes:     sum.DataTypes,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	res, err := s.privacy.Erase(r.Context(), req.UserID, req.Reason)
	s.metrics.ErasedKeys.Add(float64(res.DeletedKeys))

	detail := fmt.Sprintf("%d keys deleted", res.DeletedKeys)
	if req.Reason != "" {
		detail += "; reason: " + req.Reason
	}

	var partial *privacy.PartialEraseError
	switch {
	case err == nil:
		s.recordAudit(r, audit.Event{
			Type:     audit.TypePrivacy,
			Action:   "privacy.erase",
			Resource: "user:" + req.UserID,
			Outcome:  audit.OutcomeSuccess,
			Detail:   detail,
		})
	case errors.As(err, &partial):
		s.recordAudit(r, audit.Event{
			Type:     audit.TypePrivacy,
			Action:   "privacy.erase",
			Resource: "user:" + req.UserID,
			Outcome:  audit.OutcomePartial,
			Detail:   detail,
		})
		// Partial progress is real progress: report what was removed and
		// let the caller retry the idempotent erase.
		writeJSON(w, http.StatusOK, deleteResponse{
			Success:     false,
			DeletedKeys: res.DeletedKeys,
			Message:     res.Message,
		})
		return
	default:
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, deleteResponse{
		Success:     res.Success,
		DeletedKeys: res.DeletedKeys,
		Message:     res.Message,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.analytics == nil {
		writeError(w, http.StatusNotFound, "analytics_disabled", "analytics is not enabled")
		return
	}
	stats, err := s.analytics.Stats(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("analytics stats failed")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "analytics store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTopKeys(w http.ResponseWriter, r *http.Request) {
	if s.analytics == nil {
		writeError(w, http.StatusNotFound, "analytics_disabled", "analytics is not enabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	keys, err := s.analytics.TopKeys(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("analytics top-keys failed")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "analytics store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "audit_disabled", "audit trail is not enabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("audit query failed")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "audit store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// recordAudit stamps the event with the authenticated caller and hands it
// to the trail; a disabled trail drops it.
func (s *Server) recordAudit(r *http.Request, e audit.Event) {
	actor, _ := auth.KeyIDFrom(r.Context())
	e.Actor = actor
	s.audit.Record(r.Context(), e)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	st := s.health.Check(r.Context())
	code := http.StatusOK
	if st.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

// writeEngineError maps engine errors onto the wire: validation is the
// caller's fault, a store outage is retryable, and neither is ever disguised
// as a quota decision.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var ve *ratelimit.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "invalid_request", ve.Error())
	case errors.Is(err, ratelimit.ErrStoreUnavailable):
		s.metrics.StoreErrors.Inc()
		s.log.Error().Err(err).Msg("counter store unavailable")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "counter store unreachable, retry later")
	default:
		s.log.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, errorResponse{Error: errorBody{Code: errCode, Message: msg}})
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
