// Package httpapi exposes a catalogstore.Store over HTTP. The wire format is
// the one catalog.HTTPClient speaks: JSON records, an error envelope with a
// stable code, and correlation IDs echoed back for tracing.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opendatalab/catsync/internal/catalog"
	"github.com/opendatalab/catsync/internal/catalogstore"
)

type ServerConfig struct {
	// APIKey is the bearer token required on /v1 routes. Empty disables
	// authentication.
	APIKey          string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	store       *catalogstore.Store
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

func NewServer(store *catalogstore.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *catalogstore.Store, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{store: store, cfg: cfg, rateLimiter: limiter}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := getCorrelationID(r)
	if authErr := s.authorize(r); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	if r.URL.Path == "/v1/events" && r.Method == http.MethodGet {
		s.handleEvents(w, r)
		return
	}
	if r.URL.Path == "/v1/events/ws" && r.Method == http.MethodGet {
		s.handleEventsWS(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "catalog" {
		writeError(w, http.StatusNotFound, "route_not_found", "route not found", correlationID)
		return
	}
	kind := parts[2]

	switch {
	case len(parts) == 3 && r.Method == http.MethodPost:
		s.handleCreate(w, r, kind, correlationID)
	case len(parts) == 3 && r.Method == http.MethodGet:
		s.handleSearch(w, r, kind, correlationID)
	case len(parts) == 4 && r.Method == http.MethodGet:
		s.handleShow(w, r, kind, parts[3], correlationID)
	case len(parts) == 4 && r.Method == http.MethodPost:
		s.handleUpdate(w, r, kind, parts[3], correlationID)
	case len(parts) == 4 && r.Method == http.MethodDelete:
		s.handleDelete(w, r, kind, parts[3], correlationID)
	default:
		writeError(w, http.StatusNotFound, "route_not_found", "route not found", correlationID)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, kind, correlationID string) {
	var fields catalog.Record
	if !s.decodeJSONBody(w, r, correlationID, &fields) {
		return
	}
	rec, err := s.store.Create(r.Context(), kind, fields)
	if err != nil {
		writeCatalogError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, kind, id, correlationID string) {
	var fields catalog.Record
	if !s.decodeJSONBody(w, r, correlationID, &fields) {
		return
	}
	rec, err := s.store.Update(r.Context(), kind, id, fields)
	if err != nil {
		writeCatalogError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request, kind, id, correlationID string) {
	rec, err := s.store.Show(r.Context(), kind, id)
	if err != nil {
		writeCatalogError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, kind, id, correlationID string) {
	if err := s.store.Delete(r.Context(), kind, id); err != nil {
		writeCatalogError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, kind, correlationID string) {
	filters := map[string]string{}
	for key, values := range r.URL.Query() {
		if !strings.HasPrefix(key, "filter.") || len(values) == 0 {
			continue
		}
		filters[strings.TrimPrefix(key, "filter.")] = values[0]
	}
	offset := parseBoundedInt(r.URL.Query().Get("offset"), 0, 0, math.MaxInt32)
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 10, 1, 1000)
	result, err := s.store.Search(r.Context(), kind, filters, offset, limit)
	if err != nil {
		writeCatalogError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after := parseBoundedInt64(r.URL.Query().Get("after"), 0)
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	writeJSON(w, http.StatusOK, s.store.EventsSince(after, limit))
}

// writeCatalogError maps store errors onto the wire envelope that
// catalog.HTTPClient turns back into typed errors.
func writeCatalogError(w http.ResponseWriter, err error, correlationID string) {
	var notFound *catalog.NotFoundError
	if errors.As(err, &notFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"code":          "not_found",
			"message":       err.Error(),
			"id":            notFound.ID,
			"correlationId": correlationID,
		})
		return
	}
	var validation *catalog.ValidationError
	if errors.As(err, &validation) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"code":          "validation",
			"message":       err.Error(),
			"errors":        validation.Fields,
			"correlationId": correlationID,
		})
		return
	}
	if errors.Is(err, catalog.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
}

type authError struct {
	status  int
	code    string
	message string
}

func (s *Server) authorize(r *http.Request) *authError {
	if s.cfg.APIKey == "" {
		return nil
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token != s.cfg.APIKey {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid api key"}
	}
	return nil
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
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
		r.entries[key] = rateEntry{count: 1, resetAt: now.Add(r.window)}
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

func parseBoundedInt64(raw string, fallback int64) int64 {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
