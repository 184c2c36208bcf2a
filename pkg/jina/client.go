// Package jina is a client for the Jina reader (r.jina.ai) and search
// (s.jina.ai) endpoints, used as a search and extraction backend.
package jina

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Reader output formats.
const (
	FormatMarkdown = "markdown"
	FormatText     = "text"
)

// Client defines the Jina operations.
type Client interface {
	Read(ctx context.Context, req ReadRequest) (*Document, error)
	Search(ctx context.Context, req SearchRequest) ([]Document, error)
}

// ReadRequest asks the reader to render one page.
type ReadRequest struct {
	URL string
	// Format defaults to FormatMarkdown.
	Format string
	// Timeout bounds the reader's own page load, in whole seconds.
	Timeout time.Duration
}

// SearchRequest is a web search. Count <= 0 keeps every hit.
type SearchRequest struct {
	Query string
	Count int
	// Site restricts hits to one domain.
	Site string
}

// Document is a page as the reader or search endpoint returns it. Search
// hits carry a description and may carry content.
type Document struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content"`
	Usage       Usage  `json:"usage"`
}

// Usage is the token count Jina bills for a document.
type Usage struct {
	Tokens int `json:"tokens"`
}

// Text is the best body for d: its content, else its description.
func (d Document) Text() string {
	if d.Content != "" {
		return d.Content
	}
	return d.Description
}

type envelope[T any] struct {
	Code   int    `json:"code"`
	Status int    `json:"status"`
	Data   T      `json:"data"`
	Detail string `json:"detail,omitempty"`
}

// APIError is a non-2xx reply.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jina: status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the reader endpoint.
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.readerURL = u }
}

// WithSearchBaseURL overrides the search endpoint.
func WithSearchBaseURL(u string) Option {
	return func(c *httpClient) { c.searchURL = u }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRateLimit caps requests per second across both endpoints. Zero
// disables the cap.
func WithRateLimit(perSec float64) Option {
	return func(c *httpClient) {
		if perSec > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSec), max(1, int(perSec)))
		}
	}
}

type httpClient struct {
	apiKey    string
	readerURL string
	searchURL string
	http      *http.Client
	limiter   *rate.Limiter
}

// NewClient creates a Jina client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:    apiKey,
		readerURL: "https://r.jina.ai",
		searchURL: "https://s.jina.ai",
		http:      &http.Client{Timeout: 45 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Read(ctx context.Context, req ReadRequest) (*Document, error) {
	if req.URL == "" {
		return nil, eris.New("jina: read: empty url")
	}
	h := http.Header{}
	format := req.Format
	if format == "" {
		format = FormatMarkdown
	}
	h.Set("X-Return-Format", format)
	if req.Timeout > 0 {
		h.Set("X-Timeout", strconv.Itoa(int(req.Timeout/time.Second)))
	}

	var env envelope[Document]
	if _, err := c.get(ctx, c.readerURL+"/"+req.URL, h, &env); err != nil {
		return nil, eris.Wrapf(err, "jina: read %s", req.URL)
	}
	if env.Data.URL == "" {
		env.Data.URL = req.URL
	}
	return &env.Data, nil
}

func (c *httpClient) Search(ctx context.Context, req SearchRequest) ([]Document, error) {
	h := http.Header{}
	if req.Site != "" {
		h.Set("X-Site", req.Site)
	}

	var env envelope[[]Document]
	status, err := c.get(ctx, c.searchURL+"/"+url.PathEscape(req.Query), h, &env)
	if status == http.StatusUnprocessableEntity {
		// No results for the query.
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "jina: search")
	}
	if req.Count > 0 && len(env.Data) > req.Count {
		env.Data = env.Data[:req.Count]
	}
	return env.Data, nil
}

// get sends one authenticated GET and decodes a 200 body into out. It
// returns the HTTP status whenever a reply arrived. No retries.
func (c *httpClient) get(ctx context.Context, target string, h http.Header, out any) (int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, eris.Wrap(err, "rate limit wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, eris.Wrap(err, "create request")
	}
	for k, v := range h {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, eris.Wrap(err, "read response body")
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, eris.Wrap(err, "unmarshal response")
	}
	return resp.StatusCode, nil
}
