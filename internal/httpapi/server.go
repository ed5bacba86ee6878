// Package httpapi exposes the submission service over HTTP: public intake,
// the authenticated admin surface, and the realtime dashboard transports.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/Marwenrb/TikCredit-Pro-sub000/internal/realtime"
	"github.com/Marwenrb/TikCredit-Pro-sub000/internal/submission"
)

const (
	scopeIntakeWrite  = "intake:write"
	scopeAdminRead    = "admin:read"
	scopeAdminDelete  = "admin:delete"
	scopeRealtimeRead = "realtime:read"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	AllowedOrigins  []string
}

type Server struct {
	writer      *submission.Writer
	local       *submission.LocalStore
	remote      submission.RemoteStoreClient
	queue       *submission.SyncQueue
	validator   *submission.Validator
	broadcaster *realtime.Broadcaster
	logger      *slog.Logger
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

type Deps struct {
	Writer      *submission.Writer
	Local       *submission.LocalStore
	Remote      submission.RemoteStoreClient
	Queue       *submission.SyncQueue
	Validator   *submission.Validator
	Broadcaster *realtime.Broadcaster
	Logger      *slog.Logger
}

func NewServer(deps Deps, cfg ServerConfig) *Server {
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
		cfg.MaxBodyBytes = 1 << 20
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
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
		writer:      deps.Writer,
		local:       deps.Local,
		remote:      deps.Remote,
		queue:       deps.Queue,
		validator:   deps.Validator,
		broadcaster: deps.Broadcaster,
		logger:      logger,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}
	if r.URL.Path == "/v1/realtime/ws" && r.Method == http.MethodGet {
		s.handleRealtimeWS(w, r)
		return
	}
	if r.URL.Path == "/v1/realtime/events" && r.Method == http.MethodGet {
		s.handleRealtimeSSE(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "submissions" && r.Method == http.MethodPost:
		requiredScope = scopeIntakeWrite
		route = "intake"
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "submissions" && r.Method == http.MethodGet:
		requiredScope = scopeAdminRead
		route = "list"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "submissions" && parts[2] == "export" && r.Method == http.MethodGet:
		requiredScope = scopeAdminRead
		route = "export"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "submissions" && r.Method == http.MethodGet:
		requiredScope = scopeAdminRead
		route = "get"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "submissions" && r.Method == http.MethodDelete:
		requiredScope = scopeAdminDelete
		route = "delete"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "status" && r.Method == http.MethodGet:
		requiredScope = scopeAdminRead
		route = "sync_status"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "drain" && r.Method == http.MethodPost:
		requiredScope = scopeAdminRead
		route = "sync_drain"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)

	if route == "intake" && s.rateLimiter != nil {
		key := clientIP(r)
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
	case "intake":
		s.handleIntake(w, r, correlationID)
	case "list":
		s.handleList(w, r, correlationID)
	case "export":
		s.handleExport(w, r, correlationID)
	case "get":
		s.handleGet(w, r, parts[2], correlationID)
	case "delete":
		s.handleDelete(w, r, parts[2], correlationID)
	case "sync_status":
		s.handleSyncStatus(w, r, correlationID)
	case "sync_drain":
		s.handleSyncDrain(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	payload, err := s.validator.Validate(body)
	if err != nil {
		if errors.Is(err, submission.ErrValidation) {
			writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	result, err := s.writer.Intake(r.Context(), payload, submission.RequestMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		var persistent *submission.PersistentStoreError
		if errors.As(err, &persistent) {
			writeError(w, http.StatusServiceUnavailable, "persistent_store_error", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, correlationID string) {
	subs, err := s.local.ReadAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	if status != "" {
		filtered := subs[:0]
		for _, sub := range subs {
			if string(sub.Status) == status {
				filtered = append(filtered, sub)
			}
		}
		subs = filtered
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), len(subs), 1, 10_000)
	if limit < len(subs) {
		subs = subs[:limit]
	}
	writeJSON(w, http.StatusOK, struct {
		TotalCount  int                     `json:"totalCount"`
		Submissions []submission.Submission `json:"submissions"`
	}{
		TotalCount:  len(subs),
		Submissions: subs,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, _ *http.Request, id, correlationID string) {
	sub, err := s.local.Get(id)
	if err != nil {
		if errors.Is(err, submission.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleDelete removes the record from the authoritative local store and
// then tidies the remote copy and any pending retry on a best-effort basis.
// A remote failure here does not fail the request.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	if err := s.local.Delete(id); err != nil {
		if errors.Is(err, submission.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if err := s.queue.Remove(id); err != nil {
		s.logger.Warn("failed to remove pending retry for deleted submission", "id", id, "error", err)
	}
	if s.remote != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.remote.Delete(ctx, id); err != nil && !errors.Is(err, submission.ErrNotFound) {
			s.logger.Warn("failed to delete remote copy", "id", id, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted":       true,
		"submissionId":  id,
		"correlationId": correlationID,
	})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, _ *http.Request, correlationID string) {
	_ = correlationID
	writeJSON(w, http.StatusOK, struct {
		Queued        int                        `json:"queued"`
		LastProcessed string                     `json:"lastProcessed,omitempty"`
		Items         []submission.SyncQueueItem `json:"items"`
	}{
		Queued:        s.queue.Len(),
		LastProcessed: s.queue.LastProcessed(),
		Items:         s.queue.Items(),
	})
}

func (s *Server) handleSyncDrain(w http.ResponseWriter, r *http.Request, correlationID string) {
	before := s.queue.Len()
	if err := s.queue.Drain(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"drained":       true,
		"queuedBefore":  before,
		"queuedAfter":   s.queue.Len(),
		"correlationId": correlationID,
	})
}

// authorizeRealtime accepts the token in the Authorization header or, for
// browser EventSource and WebSocket clients that cannot set headers, in the
// token query parameter.
func (s *Server) authorizeRealtime(r *http.Request) *authError {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		_, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, scopeRealtimeRead, time.Now().UTC())
		return authErr
	}
	raw := strings.TrimSpace(r.URL.Query().Get("token"))
	if raw == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	claims, authErr := parseToken(raw, s.cfg.JWTSecret, time.Now().UTC())
	if authErr != nil {
		return authErr
	}
	if _, ok := claims.Scopes[scopeRealtimeRead]; !ok {
		return &authError{status: 403, code: "forbidden", message: "missing required scope: " + scopeRealtimeRead}
	}
	return nil
}

func (s *Server) handleRealtimeWS(w http.ResponseWriter, r *http.Request) {
	if authErr := s.authorizeRealtime(r); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	sess, err := s.broadcaster.Subscribe()
	if err != nil {
		_ = conn.Close(websocket.StatusGoingAway, "service shutting down")
		return
	}
	defer s.broadcaster.Unsubscribe(sess.ID)

	// CloseRead discards inbound frames and cancels the context when the
	// client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-sess.Events():
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) handleRealtimeSSE(w http.ResponseWriter, r *http.Request) {
	if authErr := s.authorizeRealtime(r); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported", getCorrelationID(r))
		return
	}
	sess, err := s.broadcaster.Subscribe()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), getCorrelationID(r))
		return
	}
	defer s.broadcaster.Unsubscribe(sess.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sess.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// getCorrelationID echoes the caller's id when present and mints one
// otherwise, so every error response carries something traceable.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.Index(forwarded, ","); idx >= 0 {
			forwarded = forwarded[:idx]
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
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

	// Expired windows from other clients are dead weight; evict them while
	// the lock is held.
	for k, e := range r.entries {
		if now.After(e.resetAt) {
			delete(r.entries, k)
		}
	}

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
