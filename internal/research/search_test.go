package research

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-research/internal/model"
	"github.com/sells-group/market-research/internal/store"
)

func TestMatchPreview(t *testing.T) {
	long := strings.Repeat("a", 40) + " Espresso " + strings.Repeat("b", 40)
	tests := []struct {
		name  string
		text  string
		query string
		want  string
	}{
		{"short text with match", "Refurbished espresso machines", "espresso", "Refurbished espresso machines"},
		{"match in the middle", long, "espresso", "..." + strings.Repeat("a", 29) + " Espresso " + strings.Repeat("b", 29) + "..."},
		{"no match, short", "Smart leash", "cat", "Smart leash"},
		{"no match, long", strings.Repeat("x", 120), "cat", strings.Repeat("x", 100) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchPreview(tt.text, tt.query))
		})
	}
}

func TestMatchType(t *testing.T) {
	assert.Equal(t, model.MatchWordStart, matchType("Refurbished espresso machines", "esp"))
	assert.Equal(t, model.MatchWordStart, matchType("Espresso-based desserts", "bas"))
	assert.Equal(t, model.MatchContains, matchType("Refurbished espresso machines", "presso"))
	assert.Empty(t, matchType("Refurbished espresso machines", "tea"))
}

func TestSearchRanksByRelevance(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, text := range []string{
		"Espresso grinder rental for cafes",
		"Refurbished espresso machines for offices",
		"Office plants on subscription",
	} {
		_, err := e.svc.Submit(ctx, Request{ProductIdea: text, Depth: model.DepthBasic, UserID: "u1"})
		require.NoError(t, err)
	}

	hits, err := e.svc.Search(ctx, "u1", "espresso offices", 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "Refurbished espresso machines for offices", hits[0].ProductIdea)
	assert.InDelta(t, 1.0, hits[0].Relevance, 1e-9)
	assert.Equal(t, "Espresso grinder rental for cafes", hits[1].ProductIdea)
	assert.InDelta(t, 0.5, hits[1].Relevance, 1e-9)
	assert.Equal(t, "Refurbished espresso machines for offices", hits[0].MatchPreview)
	assert.Equal(t, model.StatusPending, hits[0].Status)

	hits, err = e.svc.Search(ctx, "someone-else", "espresso", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = e.svc.Search(ctx, "u1", "   ", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSuggestionsPreferWordStarts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, text := range []string{
		"Compressor repair marketplace",
		"Espresso machines for offices",
		"Pressure cooker recipes app",
	} {
		_, err := e.svc.Submit(ctx, Request{ProductIdea: text, Depth: model.DepthBasic, UserID: "u1"})
		require.NoError(t, err)
	}

	sugs, err := e.svc.Suggestions(ctx, "", "press", 0)
	require.NoError(t, err)
	require.Len(t, sugs, 3)
	assert.Equal(t, "Pressure cooker recipes app", sugs[0].ProductIdea)
	assert.Equal(t, model.MatchWordStart, sugs[0].MatchType)
	assert.Equal(t, model.MatchContains, sugs[1].MatchType)
	assert.Equal(t, model.MatchContains, sugs[2].MatchType)

	sugs, err = e.svc.Suggestions(ctx, "", "press", 1)
	require.NoError(t, err)
	assert.Len(t, sugs, 1)
}

func TestReportNeedsCompletedTask(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	task := e.submit(t, model.DepthBasic)

	_, err := e.svc.Report(ctx, task.RequestID)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = e.svc.Execute(ctx, e.dispatcher.dispatched()[0])
	require.NoError(t, err)
	report, err := e.svc.Report(ctx, task.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "viable", report["executive_summary"])

	_, err = e.svc.Report(ctx, "research_missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
