// Package search defines the search/extraction provider the analysis
// workers call, with adapters for Tavily and Jina.
package search

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-research/internal/config"
	"github.com/sells-group/market-research/internal/model"
	"github.com/sells-group/market-research/internal/resilience"
	"github.com/sells-group/market-research/pkg/jina"
	"github.com/sells-group/market-research/pkg/tavily"
)

// Provider depths.
const (
	DepthBasic    = "basic"
	DepthAdvanced = "advanced"
)

// Result is one search hit.
type Result struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// Extracted is the full text of one URL.
type Extracted struct {
	URL        string `json:"url"`
	RawContent string `json:"raw_content"`
}

// Provider runs web searches and extracts page content. Each call is a
// single attempt.
type Provider interface {
	Search(ctx context.Context, query, depth string, maxResults int) ([]Result, error)
	Extract(ctx context.Context, urls []string, depth string) ([]Extracted, error)
}

// Params are the provider settings a worker uses at one research depth.
type Params struct {
	SearchDepth  string
	MaxResults   int
	ExtractURLs  int
	ExtractDepth string
}

// ParamsFor maps a research depth onto provider settings.
func ParamsFor(d model.Depth) Params {
	p := Params{
		SearchDepth:  DepthBasic,
		MaxResults:   model.MaxSources,
		ExtractURLs:  5,
		ExtractDepth: DepthBasic,
	}
	switch d {
	case model.DepthStandard:
		p.SearchDepth = DepthAdvanced
		p.ExtractDepth = DepthAdvanced
	case model.DepthComprehensive:
		p.SearchDepth = DepthAdvanced
		p.ExtractDepth = DepthAdvanced
		p.ExtractURLs = 10
	}
	return p
}

// URLs returns the first n non-empty result URLs.
func URLs(results []Result, n int) []string {
	urls := make([]string, 0, min(n, len(results)))
	for _, r := range results {
		if len(urls) == n {
			break
		}
		if r.URL != "" {
			urls = append(urls, r.URL)
		}
	}
	return urls
}

// New builds the configured provider behind a circuit breaker. Mock mode
// returns the offline provider unguarded.
func New(cfg *config.Config) (Provider, error) {
	if cfg.Pipeline.Mock {
		return NewMock(), nil
	}
	var p Provider
	switch cfg.Search.Provider {
	case "", "tavily":
		opts := []tavily.Option{tavily.WithRateLimit(cfg.Tavily.RatePerSec)}
		if cfg.Tavily.BaseURL != "" {
			opts = append(opts, tavily.WithBaseURL(cfg.Tavily.BaseURL))
		}
		p = NewTavily(tavily.NewClient(cfg.Tavily.Key, opts...))
	case "jina":
		opts := []jina.Option{jina.WithRateLimit(cfg.Jina.RatePerSec)}
		if cfg.Jina.BaseURL != "" {
			opts = append(opts, jina.WithBaseURL(cfg.Jina.BaseURL))
		}
		if cfg.Jina.SearchBaseURL != "" {
			opts = append(opts, jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
		}
		p = NewJina(jina.NewClient(cfg.Jina.Key, opts...), cfg.Search.ExtractMaxConcurrency)
	default:
		return nil, eris.Errorf("search: unknown provider %q", cfg.Search.Provider)
	}
	return Guard(p, resilience.NewBreaker(GuardConfig(resilience.SearchBreakerConfig(cfg.Search)))), nil
}

// classify tags an upstream status code as transient or permanent.
func classify(err error, status int) error {
	if resilience.TransientStatus(status) {
		return resilience.Transient(err, status)
	}
	return resilience.Permanent(err)
}
