package jina

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, FormatMarkdown, r.Header.Get("X-Return-Format"))
		assert.Empty(t, r.Header.Get("X-Timeout"))
		assert.Equal(t, "/https://espresso.example/market", r.URL.Path)

		w.Write([]byte(`{"code":200,"status":20000,"data":{"title":"Office espresso 2026","url":"https://espresso.example/market","content":"# Market\n\nGrowing 8% a year.","usage":{"tokens":2150}}}`))
	}))
	defer srv.Close()

	doc, err := NewClient("test-key", WithBaseURL(srv.URL)).Read(context.Background(), ReadRequest{URL: "https://espresso.example/market"})
	require.NoError(t, err)
	assert.Equal(t, "Office espresso 2026", doc.Title)
	assert.Contains(t, doc.Text(), "Growing 8%")
	assert.Equal(t, 2150, doc.Usage.Tokens)
}

func TestRead_Options(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, FormatText, r.Header.Get("X-Return-Format"))
		assert.Equal(t, "20", r.Header.Get("X-Timeout"))
		w.Write([]byte(`{"code":200,"data":{"content":"plain"}}`))
	}))
	defer srv.Close()

	doc, err := NewClient("k", WithBaseURL(srv.URL)).Read(context.Background(), ReadRequest{
		URL:     "https://a.example",
		Format:  FormatText,
		Timeout: 20 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://a.example", doc.URL, "missing url is filled from the request")
	assert.Equal(t, "plain", doc.Content)
}

func TestRead_Errors(t *testing.T) {
	_, err := NewClient("k").Read(context.Background(), ReadRequest{})
	assert.ErrorContains(t, err, "empty url")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/https://garbled.example" {
			w.Write([]byte(`not json`))
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"detail":"slow down"}`))
	}))
	defer srv.Close()
	c := NewClient("k", WithBaseURL(srv.URL))

	_, err = c.Read(context.Background(), ReadRequest{URL: "https://busy.example"})
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.True(t, apiErr.Retryable())
	assert.Contains(t, err.Error(), "jina: read https://busy.example")

	_, err = c.Read(context.Background(), ReadRequest{URL: "https://garbled.example"})
	assert.ErrorContains(t, err, "unmarshal response")
}

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/office espresso subscription", r.URL.Path)
		assert.Equal(t, "statista.com", r.Header.Get("X-Site"))
		w.Write([]byte(`{"code":200,"data":[
			{"title":"A","url":"https://a.example","content":"full"},
			{"title":"B","url":"https://b.example","description":"short"},
			{"title":"C","url":"https://c.example","content":"more"}
		]}`))
	}))
	defer srv.Close()

	docs, err := NewClient("k", WithSearchBaseURL(srv.URL)).Search(context.Background(), SearchRequest{
		Query: "office espresso subscription",
		Count: 2,
		Site:  "statista.com",
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "full", docs[0].Text())
	assert.Equal(t, "short", docs[1].Text())
}

func TestSearch_NoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	docs, err := NewClient("k", WithSearchBaseURL(srv.URL)).Search(context.Background(), SearchRequest{Query: "zzzz"})
	require.NoError(t, err)
	assert.Nil(t, docs)
}

func TestSearch_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient("k", WithSearchBaseURL(srv.URL)).Search(context.Background(), SearchRequest{Query: "q"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Retryable())
}

func TestAPIErrorRetryable(t *testing.T) {
	assert.False(t, (&APIError{StatusCode: 400}).Retryable())
	assert.False(t, (&APIError{StatusCode: 402}).Retryable())
	assert.True(t, (&APIError{StatusCode: 429}).Retryable())
	assert.True(t, (&APIError{StatusCode: 503}).Retryable())
}

func TestRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"code":200,"data":[]}`))
	}))
	defer srv.Close()

	c := NewClient("k", WithSearchBaseURL(srv.URL), WithRateLimit(1))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := c.Search(ctx, SearchRequest{Query: "one"})
	require.NoError(t, err)
	_, err = c.Search(ctx, SearchRequest{Query: "two"})
	require.Error(t, err, "second call waits past the deadline")
	assert.ErrorContains(t, err, "rate limit wait")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClientOption(t *testing.T) {
	hc := &http.Client{Timeout: time.Second}
	c := NewClient("k", WithHTTPClient(hc)).(*httpClient)
	assert.Same(t, hc, c.http)
	assert.Nil(t, c.limiter)
}
