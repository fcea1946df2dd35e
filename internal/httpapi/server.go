package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/boardstore"
	"github.com/rs/zerolog"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          zerolog.Logger
}

// Server exposes a boardstore backend as the document API the HTTP client
// speaks.
type Server struct {
	store       boardstore.Client
	cfg         ServerConfig
	rateLimiter *rateLimiter
	log         zerolog.Logger
	now         func() time.Time
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

func NewServer(store boardstore.Client) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store boardstore.Client, cfg ServerConfig) *Server {
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
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		log:         cfg.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if id := getCorrelationID(r); id != "" {
		w.Header().Set("X-Correlation-Id", id)
	}
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	for i, part := range parts {
		if unescaped, err := url.PathUnescape(part); err == nil {
			parts[i] = unescaped
		}
	}
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "boards" && r.Method == http.MethodPost:
		requiredScope = ScopeBoardsWrite
		route = "save_board"
	case len(parts) == 3 && parts[1] == "boards" && r.Method == http.MethodPut:
		requiredScope = ScopeBoardsWrite
		route = "save_board"
	case len(parts) == 3 && parts[1] == "boards" && r.Method == http.MethodGet:
		requiredScope = ScopeBoardsRead
		route = "load_board"
	case len(parts) == 3 && parts[1] == "collections" && r.Method == http.MethodGet:
		requiredScope = ScopeBoardsRead
		route = "get_collection"
	case len(parts) == 3 && parts[1] == "collections" && r.Method == http.MethodPost:
		requiredScope = ScopeSchemaWrite
		route = "create_collection"
	case len(parts) == 4 && parts[1] == "collections" && parts[3] == "attributes" && r.Method == http.MethodGet:
		requiredScope = ScopeBoardsRead
		route = "list_attributes"
	case len(parts) == 4 && parts[1] == "collections" && parts[3] == "attributes" && r.Method == http.MethodPost:
		requiredScope = ScopeSchemaWrite
		route = "create_attribute"
	case len(parts) == 4 && parts[1] == "collections" && parts[3] == "documents" && r.Method == http.MethodGet:
		requiredScope = ScopeBoardsRead
		route = "list_documents"
	case len(parts) == 4 && parts[1] == "collections" && parts[3] == "documents" && r.Method == http.MethodPost:
		requiredScope = ScopeBoardsWrite
		route = "create_document"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, s.now())
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
		if !s.rateLimiter.allow(claims.Subject, s.now()) {
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
	case "save_board":
		remoteID := ""
		if len(parts) == 3 {
			remoteID = parts[2]
		}
		s.handleSaveBoard(w, r, remoteID, correlationID)
	case "load_board":
		s.handleLoadBoard(w, r, parts[2], correlationID)
	case "get_collection":
		s.handleGetCollection(w, r, parts[2], correlationID)
	case "create_collection":
		s.handleCreateCollection(w, r, parts[2], correlationID)
	case "list_attributes":
		s.handleListAttributes(w, r, parts[2], correlationID)
	case "create_attribute":
		s.handleCreateAttribute(w, r, parts[2], correlationID)
	case "list_documents":
		s.handleListDocuments(w, r, parts[2], correlationID)
	case "create_document":
		s.handleCreateDocument(w, r, parts[2], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleSaveBoard(w http.ResponseWriter, r *http.Request, remoteID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	b, err := board.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), correlationID)
		return
	}
	if remoteID != "" {
		b.RemoteID = remoteID
	}
	board.EnsureIDs(b, s.now())
	if err := b.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), correlationID)
		return
	}
	doc, err := s.store.SaveBoard(r.Context(), b)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	status := http.StatusOK
	if remoteID == "" {
		status = http.StatusCreated
	}
	writeJSON(w, status, doc)
}

func (s *Server) handleLoadBoard(w http.ResponseWriter, r *http.Request, remoteID, correlationID string) {
	b, err := s.store.LoadBoard(r.Context(), remoteID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request, name, correlationID string) {
	coll, err := s.store.GetCollection(r.Context(), name)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, coll)
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request, name, correlationID string) {
	coll, err := s.store.CreateCollection(r.Context(), name)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.log.Info().Str("collection", name).Str("correlationId", correlationID).Msg("collection created")
	writeJSON(w, http.StatusCreated, coll)
}

func (s *Server) handleListAttributes(w http.ResponseWriter, r *http.Request, collection, correlationID string) {
	attrs, err := s.store.ListAttributes(r.Context(), collection)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if attrs == nil {
		attrs = []boardstore.Attribute{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attributes": attrs})
}

func (s *Server) handleCreateAttribute(w http.ResponseWriter, r *http.Request, collection, correlationID string) {
	var attr boardstore.Attribute
	if !s.decodeJSONBody(w, r, correlationID, &attr) {
		return
	}
	if err := s.store.CreateAttribute(r.Context(), collection, attr); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.log.Info().Str("collection", collection).Str("attribute", attr.Key).Str("correlationId", correlationID).Msg("attribute created")
	writeJSON(w, http.StatusCreated, attr)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request, collection, correlationID string) {
	limit, err := parseOptionalBoundedInt(r.URL.Query().Get("limit"), 0, 0, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
		return
	}
	docs, err := s.store.ListDocuments(r.Context(), collection, limit)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if docs == nil {
		docs = []boardstore.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request, collection, correlationID string) {
	var req struct {
		ID   string         `json:"id"`
		Data map[string]any `json:"data"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Data == nil {
		writeError(w, http.StatusBadRequest, "validation_error", "data is required", correlationID)
		return
	}
	doc, err := s.store.CreateDocument(r.Context(), collection, req.ID, req.Data)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// writeStoreError maps a backend error onto the status the HTTP client
// classifies back into the same kind.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	status := statusForKind(boardstore.KindOf(err))
	message := err.Error()
	var storeErr *boardstore.Error
	if errors.As(err, &storeErr) && storeErr.Message != "" {
		message = storeErr.Message
	}
	if status >= 500 {
		s.log.Error().Err(err).Str("correlationId", correlationID).Msg("store request failed")
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, boardstore.ErrorCode(err), message, correlationID)
}

func statusForKind(kind boardstore.Kind) int {
	switch kind {
	case boardstore.KindNotFound:
		return http.StatusNotFound
	case boardstore.KindValidation:
		return http.StatusBadRequest
	case boardstore.KindPermission:
		return http.StatusForbidden
	case boardstore.KindConflict:
		return http.StatusConflict
	case boardstore.KindRateLimit:
		return http.StatusTooManyRequests
	case boardstore.KindNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
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

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
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

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if value < min {
		return min, nil
	}
	if value > max {
		return max, nil
	}
	return value, nil
}
