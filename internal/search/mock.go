package search

import (
	"context"
	"fmt"
	"strings"
)

// Mock is an offline Provider with deterministic results. The topic of a
// query picks the result set, so each worker sees its own sources.
type Mock struct {
	// Results is how many hits each search returns, capped by maxResults.
	Results int
}

// NewMock returns a Mock that answers five hits per search.
func NewMock() *Mock { return &Mock{Results: 5} }

var mockTopics = []struct {
	keywords []string
	topic    string
	domain   string
}{
	{[]string{"market", "industry", "size", "growth", "trends"}, "market", "marketwatch.example"},
	{[]string{"competitor", "competitors", "competition", "rival", "comparison"}, "competitor", "crunchbase.example"},
	{[]string{"customer", "user", "persona", "needs", "reviews"}, "customer", "reviews.example"},
}

func mockTopic(query string) (topic, domain string) {
	words := strings.Fields(strings.ToLower(query))
	for _, t := range mockTopics {
		for _, w := range words {
			for _, kw := range t.keywords {
				if w == kw {
					return t.topic, t.domain
				}
			}
		}
	}
	return "general", "news.example"
}

func (m *Mock) Search(ctx context.Context, query, depth string, maxResults int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	topic, domain := mockTopic(query)
	n := m.Results
	if maxResults > 0 {
		n = min(n, maxResults)
	}
	out := make([]Result, n)
	for i := range out {
		out[i] = Result{
			URL:     fmt.Sprintf("https://%s/%s/%d", domain, topic, i+1),
			Title:   fmt.Sprintf("%s report %d: %s", strings.ToUpper(topic[:1])+topic[1:], i+1, query),
			Content: fmt.Sprintf("Mock %s coverage of %q (%s search).", topic, query, depth),
			Score:   0.9 - float64(i)*0.05,
		}
	}
	return out, nil
}

func (m *Mock) Extract(ctx context.Context, urls []string, depth string) ([]Extracted, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Extracted, len(urls))
	for i, u := range urls {
		out[i] = Extracted{URL: u, RawContent: fmt.Sprintf("Mock %s extraction of %s.", depth, u)}
	}
	return out, nil
}
