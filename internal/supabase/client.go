// Package supabase talks to a Supabase project through its PostgREST API.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	maxResponseBytes  = 8 << 20
	maxErrorBodyBytes = 32 << 10

	// PostgREST / Postgres error codes
	codeNoRows          = "PGRST116"
	codeUniqueViolation = "23505"
)

// Config holds the project URL and the service key
type Config struct {
	URL        string
	ServiceKey string
	Timeout    time.Duration
}

// Client wraps the Supabase REST API
type Client struct {
	url        string
	serviceKey string
	httpClient *http.Client
}

// APIError is an error response from PostgREST
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details"`
	Hint       string `json:"hint"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("supabase API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("supabase API error %d: %s", e.StatusCode, e.Message)
}

// IsUniqueViolation reports whether err is a Postgres unique constraint failure
func IsUniqueViolation(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.Code == codeUniqueViolation || apiErr.StatusCode == http.StatusConflict)
}

// IsNoRows reports whether err is PostgREST's "no rows" error for single-object requests
func IsNoRows(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeNoRows
}

// NewClient creates a client. The URL must be absolute.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("SUPABASE_URL is required")
	}
	if cfg.ServiceKey == "" {
		return nil, fmt.Errorf("SUPABASE_KEY is required")
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("SUPABASE_URL must be an absolute URL")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		url:        strings.TrimRight(cfg.URL, "/"),
		serviceKey: cfg.ServiceKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Query is a PostgREST filter/order/range query string
type Query struct {
	values url.Values
}

// NewQuery starts an empty query
func NewQuery() *Query {
	return &Query{values: url.Values{}}
}

// Select sets the returned columns
func (q *Query) Select(columns string) *Query {
	q.values.Set("select", columns)
	return q
}

// Eq filters column = value
func (q *Query) Eq(column, value string) *Query {
	q.values.Add(column, "eq."+value)
	return q
}

// ILike filters column ILIKE pattern
func (q *Query) ILike(column, pattern string) *Query {
	q.values.Add(column, "ilike."+pattern)
	return q
}

func (q *Query) Gte(column string, value int) *Query {
	q.values.Add(column, fmt.Sprintf("gte.%d", value))
	return q
}

func (q *Query) Lte(column string, value int) *Query {
	q.values.Add(column, fmt.Sprintf("lte.%d", value))
	return q
}

// Lt filters column < value
func (q *Query) Lt(column string, value int) *Query {
	q.values.Add(column, fmt.Sprintf("lt.%d", value))
	return q
}

// IsNull filters column IS NULL
func (q *Query) IsNull(column string) *Query {
	q.values.Add(column, "is.null")
	return q
}

// Order appends an ordering term, e.g. Order("rank", true)
func (q *Query) Order(column string, ascending bool) *Query {
	dir := "desc"
	if ascending {
		dir = "asc"
	}
	term := column + "." + dir
	if existing := q.values.Get("order"); existing != "" {
		term = existing + "," + term
	}
	q.values.Set("order", term)
	return q
}

func (q *Query) Limit(n int) *Query {
	q.values.Set("limit", fmt.Sprintf("%d", n))
	return q
}

func (q *Query) Offset(n int) *Query {
	q.values.Set("offset", fmt.Sprintf("%d", n))
	return q
}

// Encode returns the URL-encoded query string
func (q *Query) Encode() string {
	if q == nil {
		return ""
	}
	return q.values.Encode()
}

// Select runs GET /rest/v1/<table> and decodes the JSON array into out
func (c *Client) Select(ctx context.Context, table string, q *Query, out interface{}) error {
	data, err := c.request(ctx, http.MethodGet, table, nil, q.Encode(), "")
	if err != nil {
		return err
	}
	return decode(data, out)
}

// Insert runs POST /rest/v1/<table> and decodes the inserted rows into out
func (c *Client) Insert(ctx context.Context, table string, row interface{}, out interface{}) error {
	data, err := c.request(ctx, http.MethodPost, table, row, "", "return=representation")
	if err != nil {
		return err
	}
	return decode(data, out)
}

// Update runs PATCH /rest/v1/<table> on the rows matched by q
func (c *Client) Update(ctx context.Context, table string, q *Query, patch interface{}) error {
	_, err := c.request(ctx, http.MethodPatch, table, patch, q.Encode(), "return=minimal")
	return err
}

// RPC calls a Postgres function through /rest/v1/rpc/<fn>
func (c *Client) RPC(ctx context.Context, fn string, params interface{}, out interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}
	data, err := c.request(ctx, http.MethodPost, "rpc/"+fn, params, "", "")
	if err != nil {
		return err
	}
	return decode(data, out)
}

func decode(data []byte, out interface{}) error {
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, body interface{}, query, prefer string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/rest/v1/%s", c.url, path)
	if query != "" {
		endpoint += "?" + query
	}

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return nil, apiErr
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return respBody, nil
}
