package search

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/market-research/pkg/jina"
)

// Jina adapts the Jina reader and search endpoints to Provider. Extraction
// reads each URL separately, at most maxConcurrency at a time.
type Jina struct {
	client         jina.Client
	maxConcurrency int
}

// NewJina wraps a Jina client.
func NewJina(c jina.Client, maxConcurrency int) *Jina {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	return &Jina{client: c, maxConcurrency: maxConcurrency}
}

// Search ignores depth; Jina has a single search tier.
func (j *Jina) Search(ctx context.Context, query, _ string, maxResults int) ([]Result, error) {
	hits, err := j.client.Search(ctx, jina.SearchRequest{Query: query, Count: maxResults})
	if err != nil {
		return nil, jinaError(err, "search: jina search")
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{URL: h.URL, Title: h.Title, Content: h.Text()})
	}
	return results, nil
}

// Extract reads every URL. A URL that cannot be read is skipped; the call
// fails only when no URL could be read.
func (j *Jina) Extract(ctx context.Context, urls []string, _ string) ([]Extracted, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	var (
		mu       sync.Mutex
		firstErr error
	)
	pages := make([]*Extracted, len(urls))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(j.maxConcurrency)

	for i, u := range urls {
		g.Go(func() error {
			page, err := j.client.Read(gCtx, jina.ReadRequest{URL: u})
			if err != nil {
				zap.L().Debug("search: jina read failed", zap.String("url", u), zap.Error(err))
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return nil
			}
			pages[i] = &Extracted{URL: page.URL, RawContent: page.Content}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Extracted, 0, len(urls))
	for _, p := range pages {
		if p != nil {
			out = append(out, *p)
		}
	}
	if len(out) == 0 && firstErr != nil {
		return nil, jinaError(firstErr, "search: jina extract")
	}
	return out, nil
}

func jinaError(err error, msg string) error {
	var apiErr *jina.APIError
	if errors.As(err, &apiErr) {
		return classify(eris.Wrap(err, msg), apiErr.StatusCode)
	}
	return eris.Wrap(err, msg)
}
