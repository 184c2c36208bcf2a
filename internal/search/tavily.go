package search

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-research/pkg/tavily"
)

// Tavily adapts the Tavily API to Provider.
type Tavily struct {
	client tavily.Client
}

// NewTavily wraps a Tavily client.
func NewTavily(c tavily.Client) *Tavily {
	return &Tavily{client: c}
}

func (t *Tavily) Search(ctx context.Context, query, depth string, maxResults int) ([]Result, error) {
	resp, err := t.client.Search(ctx, tavily.SearchRequest{
		Query:       query,
		SearchDepth: depth,
		MaxResults:  maxResults,
	})
	if err != nil {
		return nil, tavilyError(err, "search: tavily search")
	}

	results := make([]Result, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, Result{URL: r.URL, Title: r.Title, Content: r.Content, Score: r.Score})
	}
	return results, nil
}

func (t *Tavily) Extract(ctx context.Context, urls []string, depth string) ([]Extracted, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	resp, err := t.client.Extract(ctx, tavily.ExtractRequest{URLs: urls, ExtractDepth: depth})
	if err != nil {
		return nil, tavilyError(err, "search: tavily extract")
	}

	out := make([]Extracted, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, Extracted{URL: r.URL, RawContent: r.RawContent})
	}
	return out, nil
}

func tavilyError(err error, msg string) error {
	var apiErr *tavily.APIError
	if errors.As(err, &apiErr) {
		return classify(eris.Wrap(err, msg), apiErr.StatusCode)
	}
	return eris.Wrap(err, msg)
}
