package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/lexworks/casemover/internal/casemover"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// MigrationStarter begins one API-driven migration job and returns its
// snapshot for polling.
type MigrationStarter interface {
	Start() casemover.ImportJob
}

// Dependencies wires the engine into the API. Migrator and Manifest may be
// nil; their routes then return 503 instead of panicking.
type Dependencies struct {
	Tracker  *casemover.ProgressTracker
	Loader   *casemover.Loader
	Migrator MigrationStarter
	Manifest casemover.ManifestStore
}

type Server struct {
	tracker     *casemover.ProgressTracker
	loader      *casemover.Loader
	migrator    MigrationStarter
	manifest    casemover.ManifestStore
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Dependencies) *Server {
	return NewServerWithConfig(deps, ServerConfig{})
}

func NewServerWithConfig(deps Dependencies, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		tracker:     deps.Tracker,
		loader:      deps.Loader,
		migrator:    deps.Migrator,
		manifest:    deps.Manifest,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "imports" && r.Method == http.MethodPost:
		requiredScope = "imports:write"
		route = "start_import"
	case len(parts) == 3 && parts[1] == "imports" && parts[2] == "payload" && r.Method == http.MethodPost:
		requiredScope = "imports:write"
		route = "payload_import"
	case len(parts) == 2 && parts[1] == "imports" && r.Method == http.MethodGet:
		requiredScope = "imports:read"
		route = "list_imports"
	case len(parts) == 3 && parts[1] == "imports" && r.Method == http.MethodGet:
		requiredScope = "imports:read"
		route = "get_import"
	case len(parts) == 4 && parts[1] == "imports" && parts[3] == "ws" && r.Method == http.MethodGet:
		requiredScope = "imports:read"
		route = "watch_import"
	case len(parts) == 2 && parts[1] == "manifest" && r.Method == http.MethodGet:
		requiredScope = "manifest:read"
		route = "list_manifest"
	case len(parts) == 4 && parts[1] == "manifest" && parts[3] == "reset" && r.Method == http.MethodPost:
		requiredScope = "manifest:write"
		route = "reset_manifest"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := claims.OrgID + "|" + claims.Operator
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "start_import":
		s.handleStartImport(w, correlationID)
	case "payload_import":
		s.handlePayloadImport(w, r, correlationID)
	case "list_imports":
		s.handleListImports(w, correlationID)
	case "get_import":
		s.handleGetImport(w, parts[2], correlationID)
	case "watch_import":
		s.handleWatchImport(w, r, parts[2], correlationID)
	case "list_manifest":
		s.handleListManifest(w, r, correlationID)
	case "reset_manifest":
		s.handleResetManifest(w, r, parts[2], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleStartImport(w http.ResponseWriter, correlationID string) {
	if s.migrator == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "api-driven imports are not configured", correlationID)
		return
	}
	job := s.migrator.Start()
	writeJSON(w, http.StatusAccepted, job)
}

// handlePayloadImport loads a pasted import payload synchronously. The
// default transactional mode rolls everything back on the first error;
// mode=incremental commits record by record and reports warnings instead.
func (s *Server) handlePayloadImport(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.loader == nil || s.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "payload imports are not configured", correlationID)
		return
	}
	mode := casemover.LoadTransactional
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("mode"))) {
	case "", "transactional":
	case "incremental":
		mode = casemover.LoadIncremental
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "invalid mode, want transactional or incremental", correlationID)
		return
	}

	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	payload, err := casemover.ValidatePayloadJSON(body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "schema_rejected", err.Error(), correlationID)
		return
	}

	job := s.tracker.CreateJob(payload.Organization.SourceID)
	summary, loadErr := s.loader.LoadPayload(r.Context(), job.ID, mode, payload)
	if loadErr != nil && mode == casemover.LoadTransactional {
		s.tracker.Logf(job.ID, "transactional load rolled back: %v", loadErr)
		s.tracker.Finish(job.ID, casemover.JobError)
		writeError(w, http.StatusConflict, "load_failed", loadErr.Error(), correlationID)
		return
	}
	status := casemover.JobDone
	if loadErr != nil {
		status = casemover.JobError
		s.tracker.Logf(job.ID, "incremental load finished with errors: %v", loadErr)
	}
	s.tracker.Finish(job.ID, status)
	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":    job.ID,
		"status":   status,
		"orgId":    summary.OrgID,
		"counts":   summary.Counts,
		"warnings": summary.Warnings,
	})
}

func (s *Server) handleListImports(w http.ResponseWriter, correlationID string) {
	if s.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "job tracking is not configured", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.tracker.List()})
}

func (s *Server) handleGetImport(w http.ResponseWriter, jobID, correlationID string) {
	if s.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "job tracking is not configured", correlationID)
		return
	}
	job, err := s.tracker.Get(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "job not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleWatchImport streams job snapshots over a websocket until the job
// leaves the running state or the client goes away. The polling endpoint
// remains the contract of record; this is a convenience feed.
func (s *Server) handleWatchImport(w http.ResponseWriter, r *http.Request, jobID, correlationID string) {
	if s.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "job tracking is not configured", correlationID)
		return
	}
	job, err := s.tracker.Get(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "job not found", correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	updates, cancel := s.tracker.Watch(jobID)
	defer cancel()

	ctx := r.Context()
	if err := writeJobFrame(ctx, conn, job); err != nil {
		return
	}
	if job.Status != casemover.JobRunning {
		conn.Close(websocket.StatusNormalClosure, "job finished")
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "client gone")
			return
		case snapshot, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "watch closed")
				return
			}
			if err := writeJobFrame(ctx, conn, snapshot); err != nil {
				return
			}
			if snapshot.Status != casemover.JobRunning {
				conn.Close(websocket.StatusNormalClosure, "job finished")
				return
			}
		}
	}
}

func writeJobFrame(ctx context.Context, conn *websocket.Conn, job casemover.ImportJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) handleListManifest(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.manifest == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "document manifest is not configured", correlationID)
		return
	}
	status := casemover.MatchStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	if status == "" {
		status = casemover.MatchPending
	}
	switch status {
	case casemover.MatchPending, casemover.MatchMatched, casemover.MatchImported, casemover.MatchMissing, casemover.MatchError:
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "invalid status filter", correlationID)
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	entries, err := s.manifest.ListByStatus(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleResetManifest(w http.ResponseWriter, r *http.Request, docID, correlationID string) {
	if s.manifest == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "document manifest is not configured", correlationID)
		return
	}
	err := s.manifest.Reset(r.Context(), docID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"sourceDocId": docID, "status": string(casemover.MatchPending)})
	case errors.Is(err, casemover.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "manifest entry not found", correlationID)
	case errors.Is(err, casemover.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
