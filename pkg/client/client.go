package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Entry is one committed ledger record.
type Entry struct {
	ChainID    string          `json:"chain_id"`
	Seq        uint64          `json:"seq"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
	Payload    json.RawMessage `json:"payload"`
	Actor      string          `json:"actor,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Head describes the tail of a chain. Empty is true when the chain has no
// entries yet, in which case the other fields are zero.
type Head struct {
	ChainID   string    `json:"chain_id"`
	LastSeq   uint64    `json:"last_seq"`
	LastHash  string    `json:"last_hash"`
	UpdatedAt time.Time `json:"updated_at"`
	Empty     bool      `json:"empty,omitempty"`
}

// Report is the result of verifying a chain range.
type Report struct {
	ChainID      string  `json:"chain_id"`
	Valid        bool    `json:"valid"`
	CheckedCount int     `json:"checked_count"`
	FirstBreakAt *uint64 `json:"first_break_at"`
	BreakKind    *string `json:"break_kind"`
	Detail       string  `json:"detail,omitempty"`
	FromSeq      uint64  `json:"from_seq"`
	ToSeq        *uint64 `json:"to_seq"`
	HeadHash     string  `json:"head_hash,omitempty"`
}

// Range bounds a Read or Verify. To is inclusive; nil means the head.
// Limit applies to Read only; zero selects the server default.
type Range struct {
	From  uint64
	To    *uint64
	Limit int
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	Seq        *uint64 // set for chain gap responses
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger API error %d: %s", e.StatusCode, e.Message)
}

// IsConflict reports whether err is a 409 from the server: either the append
// lost the head race too many times or a read hit a gap.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// IsUnavailable reports whether err is a 503 from the server.
func IsUnavailable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable
}

// Client talks to a ledgerd instance.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.httpClient.Timeout = d
		return nil
	}
}

// WithBearerToken attaches a bearer token to every request, for deployments
// that put ledgerd behind an authenticating proxy.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// New creates a Client for the ledgerd instance at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}
	c := &Client{
		base:       strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Append adds payload to chainID. payload must encode to a JSON object.
func (c *Client) Append(ctx context.Context, chainID string, payload any, actor string) (*Entry, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	body := struct {
		Payload json.RawMessage `json:"payload"`
		Actor   string          `json:"actor,omitempty"`
	}{raw, actor}

	var entry Entry
	if err := c.call(ctx, http.MethodPost, chainPath(chainID, "entries"), nil, body, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// Head returns the head of chainID. An empty chain yields Head.Empty.
func (c *Client) Head(ctx context.Context, chainID string) (*Head, error) {
	var h Head
	if err := c.call(ctx, http.MethodGet, chainPath(chainID, "head"), nil, nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Read returns one page of entries of chainID.
func (c *Client) Read(ctx context.Context, chainID string, r Range) ([]Entry, error) {
	q := r.query()
	if r.Limit > 0 {
		q.Set("limit", strconv.Itoa(r.Limit))
	}
	var resp struct {
		Entries []Entry `json:"entries"`
	}
	if err := c.call(ctx, http.MethodGet, chainPath(chainID, "entries"), q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// ReadAll pages through chainID from r.From to r.To (or the head), ignoring
// r.Limit except as the page size.
func (c *Client) ReadAll(ctx context.Context, chainID string, r Range) ([]Entry, error) {
	var out []Entry
	for {
		page, err := c.Read(ctx, chainID, r)
		if err != nil {
			return out, err
		}
		out = append(out, page...)
		if len(page) == 0 {
			return out, nil
		}
		last := page[len(page)-1].Seq
		if r.To != nil && last >= *r.To {
			return out, nil
		}
		r.From = last + 1
	}
}

// Verify verifies chainID over r. A broken chain is a valid response, not an
// error: inspect Report.Valid.
func (c *Client) Verify(ctx context.Context, chainID string, r Range) (*Report, error) {
	var rep Report
	if err := c.call(ctx, http.MethodGet, chainPath(chainID, "verify"), r.query(), nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// EventResult is the outcome of RecordEvent.
type EventResult struct {
	CorrelationID string            `json:"correlation_id"`
	Entries       map[string]*Entry `json:"entries"`
	Pending       []string          `json:"pending"`
}

// RecordEvent appends one payload to several chains, tagged with a shared
// correlation_id. payload takes the same forms as in Append and must not
// contain a correlation_id key. Legs listed in Pending were queued by the
// server and will be committed by its reconciler.
func (c *Client) RecordEvent(ctx context.Context, chains []string, payload any, actor string) (*EventResult, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	body := struct {
		Chains  []string        `json:"chains"`
		Payload json.RawMessage `json:"payload"`
		Actor   string          `json:"actor,omitempty"`
	}{chains, raw, actor}

	var res EventResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/events", nil, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Chains lists the heads of all non-empty chains.
func (c *Client) Chains(ctx context.Context) ([]Head, error) {
	var resp struct {
		Chains []Head `json:"chains"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/chains", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chains, nil
}

func (r Range) query() url.Values {
	q := url.Values{}
	if r.From > 0 {
		q.Set("from", strconv.FormatUint(r.From, 10))
	}
	if r.To != nil {
		q.Set("to", strconv.FormatUint(*r.To, 10))
	}
	return q
}

func chainPath(chainID, suffix string) string {
	return "/api/v1/chains/" + url.PathEscape(chainID) + "/" + suffix
}

func (c *Client) call(ctx context.Context, method, path string, q url.Values, reqBody, respBody any) error {
	target := c.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var e struct {
			Error string  `json:"error"`
			Seq   *uint64 `json:"seq"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
			apiErr.Seq = e.Seq
		}
		return apiErr
	}

	if respBody != nil {
		if err := json.Unmarshal(data, respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
