package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tallyup/offline/internal/faults"
)

// RESTBackend talks to the hosted backend over HTTP:
//
//	POST   {base}/{table}            insert
//	PATCH  {base}/{table}/{matchKey} update
//	DELETE {base}/{table}/{matchKey} delete
//	GET    {base}/{table}[/{key}]    select
//	HEAD   {base}/health             health probe
type RESTBackend struct {
	baseURL string
	http    *http.Client
	token   func(context.Context) (string, error)
}

// RESTOption configures a RESTBackend.
type RESTOption func(*RESTBackend)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) RESTOption {
	return func(b *RESTBackend) { b.http = c }
}

// WithToken supplies a bearer-token source attached to every request.
func WithToken(tok func(context.Context) (string, error)) RESTOption {
	return func(b *RESTBackend) { b.token = tok }
}

// NewRESTBackend creates a backend client for baseURL.
func NewRESTBackend(baseURL string, opts ...RESTOption) *RESTBackend {
	b := &RESTBackend{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Insert creates a document in table.
func (b *RESTBackend) Insert(ctx context.Context, table string, payload json.RawMessage) (json.RawMessage, error) {
	return b.do(ctx, http.MethodPost, b.collectionURL(table, ""), payload)
}

// Update modifies the document matching matchKey.
func (b *RESTBackend) Update(ctx context.Context, table, matchKey string, payload json.RawMessage) (json.RawMessage, error) {
	return b.do(ctx, http.MethodPatch, b.collectionURL(table, matchKey), payload)
}

// Delete removes the document matching matchKey.
func (b *RESTBackend) Delete(ctx context.Context, table, matchKey string) error {
	_, err := b.do(ctx, http.MethodDelete, b.collectionURL(table, matchKey), nil)
	return err
}

// Select reads one document, or the whole collection when matchKey is empty.
func (b *RESTBackend) Select(ctx context.Context, table, matchKey string) (json.RawMessage, error) {
	return b.do(ctx, http.MethodGet, b.collectionURL(table, matchKey), nil)
}

// Health probes backend reachability.
func (b *RESTBackend) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.baseURL+"/health", nil)
	if err != nil {
		return faults.Wrap(faults.ErrInternal, "failed to build health request", err)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return faults.Wrap(faults.ErrNetwork, "backend unreachable", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return faults.New(faults.ErrNetwork, fmt.Sprintf("backend unhealthy: %d", resp.StatusCode))
	}
	return nil
}

// collectionURL builds the endpoint for a table and optional match key.
func (b *RESTBackend) collectionURL(table, matchKey string) string {
	u := b.baseURL + "/" + url.PathEscape(table)
	if matchKey != "" {
		u += "/" + url.PathEscape(matchKey)
	}
	return u
}

// do executes one request and maps the response onto the error taxonomy.
func (b *RESTBackend) do(ctx context.Context, method, u string, payload json.RawMessage) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, faults.Wrap(faults.ErrInternal, "failed to build request", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != nil {
		tok, err := b.token(ctx)
		if err != nil {
			return nil, faults.Wrap(faults.ErrPermission, "failed to obtain token", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		// Transport-level failure: unreachable, timeout, DNS. Retryable.
		return nil, faults.Wrap(faults.ErrNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Wrap(faults.ErrNetwork, "response truncated", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	return nil, statusError(resp.StatusCode, data)
}

// statusError maps HTTP status codes onto the error taxonomy. 5xx and 408
// are treated as connectivity (the write may be retried); 4xx are
// application rejections that must never be replayed.
func statusError(status int, body []byte) error {
	msg := string(body)
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusRequestTimeout || status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout || status == http.StatusBadGateway:
		return faults.New(faults.ErrTimeout, msg)
	case status >= 500:
		return faults.New(faults.ErrNetwork, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return faults.New(faults.ErrPermission, msg)
	case status == http.StatusConflict:
		return faults.New(faults.ErrConflict, msg)
	case status == http.StatusNotFound:
		return faults.New(faults.ErrNotFound, msg)
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		return faults.New(faults.ErrValidation, msg)
	default:
		return faults.New(faults.ErrRejected, msg)
	}
}

var _ Backend = (*RESTBackend)(nil)
