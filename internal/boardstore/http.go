package boardstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relayboard/internal/board"
)

type HTTPClientOptions struct {
	Token string
	// Renew returns a fresh bearer token. Without it RenewSession fails.
	Renew      func(ctx context.Context) (string, error)
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPClient talks to a relayboard document server.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	renew      func(ctx context.Context) (string, error)
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu    sync.RWMutex
	token string
}

func NewHTTPClient(baseURL string, opts HTTPClientOptions) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		renew:      opts.Renew,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		token:      strings.TrimSpace(opts.Token),
	}
}

// RenewSession swaps in a fresh bearer token.
func (c *HTTPClient) RenewSession(ctx context.Context) error {
	if c.renew == nil {
		return &Error{Kind: KindPermission, Op: "renew session", Message: "session renewal is not configured", Err: ErrNotImplemented}
	}
	token, err := c.renew(ctx)
	if err != nil {
		return &Error{Kind: KindPermission, Op: "renew session", Err: err}
	}
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
	return nil
}

func (c *HTTPClient) SaveBoard(ctx context.Context, b *board.Board) (Document, error) {
	if b == nil {
		return Document{}, ErrInvalidInput
	}
	var doc Document
	method, path := http.MethodPost, "/v1/boards"
	if id := strings.TrimSpace(b.RemoteID); id != "" {
		method, path = http.MethodPut, "/v1/boards/"+url.PathEscape(id)
	}
	err := c.doJSON(ctx, "save board", BoardsCollection, method, path, b, &doc)
	return doc, err
}

func (c *HTTPClient) LoadBoard(ctx context.Context, remoteID string) (*board.Board, error) {
	b := board.New("")
	if err := c.doJSON(ctx, "load board", BoardsCollection, http.MethodGet, "/v1/boards/"+url.PathEscape(remoteID), nil, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *HTTPClient) GetCollection(ctx context.Context, name string) (Collection, error) {
	var coll Collection
	err := c.doJSON(ctx, "get collection", name, http.MethodGet, collectionPath(name), nil, &coll)
	return coll, err
}

func (c *HTTPClient) ListAttributes(ctx context.Context, collection string) ([]Attribute, error) {
	var resp struct {
		Attributes []Attribute `json:"attributes"`
	}
	if err := c.doJSON(ctx, "list attributes", collection, http.MethodGet, collectionPath(collection)+"/attributes", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Attributes == nil {
		resp.Attributes = []Attribute{}
	}
	return resp.Attributes, nil
}

func (c *HTTPClient) CreateCollection(ctx context.Context, name string) (Collection, error) {
	var coll Collection
	err := c.doJSON(ctx, "create collection", name, http.MethodPost, collectionPath(name), nil, &coll)
	return coll, err
}

func (c *HTTPClient) CreateAttribute(ctx context.Context, collection string, attr Attribute) error {
	return c.doJSON(ctx, "create attribute", collection, http.MethodPost, collectionPath(collection)+"/attributes", attr, nil)
}

func (c *HTTPClient) ListDocuments(ctx context.Context, collection string, limit int) ([]Document, error) {
	path := collectionPath(collection) + "/documents"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Documents []Document `json:"documents"`
	}
	if err := c.doJSON(ctx, "list documents", collection, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Documents == nil {
		resp.Documents = []Document{}
	}
	return resp.Documents, nil
}

func (c *HTTPClient) CreateDocument(ctx context.Context, collection, id string, data map[string]any) (Document, error) {
	body := struct {
		ID   string         `json:"id,omitempty"`
		Data map[string]any `json:"data"`
	}{ID: id, Data: data}
	var doc Document
	err := c.doJSON(ctx, "create document", collection, http.MethodPost, collectionPath(collection)+"/documents", body, &doc)
	return doc, err
}

func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func collectionPath(name string) string {
	return "/v1/collections/" + url.PathEscape(name)
}

func (c *HTTPClient) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	op, collection string,
	method, requestPath string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return invalid(op, collection, "%v", err)
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return &Error{Kind: KindUnknown, Op: op, Collection: collection, Err: err}
		}
		if token := c.bearer(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return &Error{Kind: KindNetwork, Op: op, Collection: collection, Message: "network error: " + err.Error(), Err: err}
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &Error{Kind: KindNetwork, Op: op, Collection: collection, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return &Error{Kind: KindUnknown, Op: op, Collection: collection, Message: "decode response", Err: err}
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return httpError(op, collection, resp.StatusCode, payload)
	}
}

func httpError(op, collection string, status int, payload []byte) error {
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	e := &Error{Op: op, Collection: collection, StatusCode: status, Message: errPayload.Message}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e.Kind = KindValidation
		e.Err = ErrInvalidInput
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindPermission
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
		e.Err = ErrNotFound
	case status == http.StatusConflict:
		e.Kind = KindConflict
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
	case status >= 500:
		e.Kind = KindNetwork
	default:
		e.Kind = KindUnknown
	}
	switch errPayload.Code {
	case "attribute_exists":
		e.Err = ErrAttributeExists
	case "collection_exists":
		e.Err = ErrCollectionExists
	case "document_exists":
		e.Err = ErrDocumentExists
	}
	return e
}

// ErrorCode is the wire code the HTTP API reports for err.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAttributeExists):
		return "attribute_exists"
	case errors.Is(err, ErrCollectionExists):
		return "collection_exists"
	case errors.Is(err, ErrDocumentExists):
		return "document_exists"
	}
	switch KindOf(err) {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation_error"
	case KindPermission:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindRateLimit:
		return "rate_limited"
	case KindNetwork:
		return "unavailable"
	}
	return "internal_error"
}

func correlationID() string {
	return board.NewID("corr")
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
