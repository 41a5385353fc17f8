// Package client talks to a docwatch server: REST calls for tables and
// documents, and websocket streams for watch batches and raw changefeeds.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tonimelisma/docwatch/internal/docstore"
	"github.com/tonimelisma/docwatch/internal/feed"
	"github.com/tonimelisma/docwatch/internal/server"
)

const defaultTimeout = 30 * time.Second

// Sentinel errors matched by APIError.Is.
var (
	ErrNotFound = errors.New("client: not found")
	ErrConflict = errors.New("client: conflict")
	ErrInvalid  = errors.New("client: invalid request")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: server returned %d: %s", e.Status, e.Message)
}

// Is maps HTTP statuses onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrConflict:
		return e.Status == http.StatusConflict
	case ErrInvalid:
		return e.Status == http.StatusBadRequest
	}

	return false
}

// Client is a REST client for one server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client. baseURL is the server root, e.g.
// "http://127.0.0.1:7878". A nil httpClient gets a default with a timeout.
func New(baseURL string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	u, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{baseURL: u, httpClient: httpClient, logger: logger}, nil
}

// parseBaseURL accepts host:port or a full http(s) URL.
func parseBaseURL(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("client: invalid server URL %q: %w", raw, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q in %q", u.Scheme, raw)
	}

	u.Path = strings.TrimSuffix(u.Path, "/")

	return u, nil
}

// ListTables returns every table.
func (c *Client) ListTables(ctx context.Context) ([]docstore.TableInfo, error) {
	var out []docstore.TableInfo
	err := c.do(ctx, http.MethodGet, []string{"tables"}, nil, nil, &out)

	return out, err
}

// CreateTable creates a table; an empty primaryKey uses the server default.
func (c *Client) CreateTable(ctx context.Context, name, primaryKey string) (*docstore.TableInfo, error) {
	var out docstore.TableInfo
	req := server.CreateTableRequest{Name: name, PrimaryKey: primaryKey}

	if err := c.do(ctx, http.MethodPost, []string{"tables"}, nil, req, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DropTable deletes a table.
func (c *Client) DropTable(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, []string{"tables", name}, nil, nil, nil)
}

// CreateIndex adds a secondary index.
func (c *Client) CreateIndex(ctx context.Context, table string, spec docstore.IndexSpec) (*docstore.TableInfo, error) {
	var out docstore.TableInfo
	if err := c.do(ctx, http.MethodPost, []string{"tables", table, "indexes"}, nil, spec, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// Insert adds a new document.
func (c *Client) Insert(ctx context.Context, table string, doc feed.Value) (feed.Value, error) {
	var out feed.Value
	err := c.do(ctx, http.MethodPost, []string{"tables", table, "docs"}, nil, doc, &out)

	return out, err
}

// Replace writes doc under id.
func (c *Client) Replace(ctx context.Context, table, id string, doc feed.Value) (feed.Value, error) {
	var out feed.Value
	err := c.do(ctx, http.MethodPut, docPath(table, id), nil, doc, &out)

	return out, err
}

// Update merges patch into document id.
func (c *Client) Update(ctx context.Context, table, id string, patch feed.Value) (feed.Value, error) {
	var out feed.Value
	err := c.do(ctx, http.MethodPatch, docPath(table, id), nil, patch, &out)

	return out, err
}

// Delete removes document id and returns its last value.
func (c *Client) Delete(ctx context.Context, table, id string) (feed.Value, error) {
	var out feed.Value
	err := c.do(ctx, http.MethodDelete, docPath(table, id), nil, nil, &out)

	return out, err
}

// Get returns document id.
func (c *Client) Get(ctx context.Context, table, id string) (feed.Value, error) {
	var out feed.Value
	err := c.do(ctx, http.MethodGet, docPath(table, id), nil, nil, &out)

	return out, err
}

// List returns the documents of a table, or of an index query when
// q.Index is set.
func (c *Client) List(ctx context.Context, q feed.Query) ([]feed.Value, error) {
	params := url.Values{}
	if q.Index != "" {
		params.Set("index", q.Index)

		for _, v := range q.Values {
			params.Add("value", v)
		}
	}

	var out []feed.Value
	err := c.do(ctx, http.MethodGet, []string{"tables", q.Table, "docs"}, params, nil, &out)

	return out, err
}

func docPath(table, id string) []string {
	return []string{"tables", table, "docs", id}
}

// endpoint builds the absolute URL for path segments, escaping each one
// so ids may contain slashes.
func (c *Client) endpoint(scheme string, segs []string, params url.Values) string {
	u := *c.baseURL
	u.RawPath = u.EscapedPath()

	for _, s := range segs {
		u.Path += "/" + s
		u.RawPath += "/" + url.PathEscape(s)
	}

	if scheme != "" {
		u.Scheme = scheme
	}

	u.RawQuery = params.Encode()

	return u.String()
}

// do sends one JSON request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method string, segs []string, params url.Values, body, out any) error {
	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encoding request: %w", err)
		}

		reader = bytes.NewReader(data)
	}

	target := c.endpoint("", segs, params)

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("client: building request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("api call",
		slog.String("method", method),
		slog.String("url", target),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decoding %s %s response: %w", method, target, err)
	}

	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	var body server.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Code = body.Code
	}

	return apiErr
}
