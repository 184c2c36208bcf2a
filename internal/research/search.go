package research

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-research/internal/model"
	"github.com/sells-group/market-research/internal/store"
)

const (
	defaultSearchLimit     = 10
	defaultSuggestionLimit = 5
	// suggestionWindow is how many recent tasks suggestions are drawn from.
	suggestionWindow = 50
	previewContext   = 30
	previewMax       = 100
)

// Search finds tasks whose product idea shares words with q, most
// relevant first. Relevance is the share of q's words the idea contains;
// ties keep the newest first.
func (s *Service) Search(ctx context.Context, userID, q string, limit int) ([]model.SearchHit, error) {
	words := store.QueryWords(q)
	if len(words) == 0 {
		return []model.SearchHit{}, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	tasks, err := s.tasks.ListTasks(ctx, model.TaskFilter{UserID: userID, Query: q, Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "research: search")
	}

	hits := make([]model.SearchHit, 0, len(tasks))
	for _, t := range tasks {
		idea := strings.ToLower(t.ProductIdea)
		matched, first := 0, ""
		for _, w := range words {
			if strings.Contains(idea, w) {
				if matched == 0 {
					first = w
				}
				matched++
			}
		}
		hits = append(hits, model.SearchHit{
			RequestID:    t.RequestID,
			ProductIdea:  t.ProductIdea,
			Status:       t.Status,
			StartedAt:    t.StartedAt,
			CompletedAt:  t.CompletedAt,
			Relevance:    float64(matched) / float64(len(words)),
			MatchPreview: matchPreview(t.ProductIdea, first),
		})
	}
	slices.SortStableFunc(hits, func(a, b model.SearchHit) int {
		switch {
		case a.Relevance > b.Relevance:
			return -1
		case a.Relevance < b.Relevance:
			return 1
		}
		return 0
	})
	return hits, nil
}

// Suggestions completes a partial query from the most recent tasks. Ideas
// with a word starting with partial come before ideas that merely contain
// it.
func (s *Service) Suggestions(ctx context.Context, userID, partial string, limit int) ([]model.Suggestion, error) {
	partial = strings.ToLower(strings.TrimSpace(partial))
	if partial == "" {
		return []model.Suggestion{}, nil
	}
	if limit <= 0 {
		limit = defaultSuggestionLimit
	}
	tasks, err := s.tasks.ListTasks(ctx, model.TaskFilter{UserID: userID, Limit: suggestionWindow})
	if err != nil {
		return nil, eris.Wrap(err, "research: suggestions")
	}

	out := []model.Suggestion{}
	for _, t := range tasks {
		mt := matchType(t.ProductIdea, partial)
		if mt == "" {
			continue
		}
		out = append(out, model.Suggestion{
			ProductIdea: t.ProductIdea,
			RequestID:   t.RequestID,
			Status:      t.Status,
			StartedAt:   t.StartedAt,
			MatchType:   mt,
		})
	}
	slices.SortStableFunc(out, func(a, b model.Suggestion) int {
		if a.MatchType == b.MatchType {
			return 0
		}
		if a.MatchType == model.MatchWordStart {
			return -1
		}
		return 1
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchType(idea, partial string) string {
	lower := strings.ToLower(idea)
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsNumber(r) }) {
		if strings.HasPrefix(w, partial) {
			return model.MatchWordStart
		}
	}
	if strings.Contains(lower, partial) {
		return model.MatchContains
	}
	return ""
}

// matchPreview returns the text around the first match of query, or the
// start of text when query does not occur in it.
func matchPreview(text, query string) string {
	rt := []rune(text)
	q := []rune(query)
	at := indexFold(rt, q)
	if at < 0 {
		if len(rt) > previewMax {
			return string(rt[:previewMax]) + "..."
		}
		return text
	}
	start := max(0, at-previewContext)
	end := min(len(rt), at+len(q)+previewContext)
	preview := string(rt[start:end])
	if start > 0 {
		preview = "..." + preview
	}
	if end < len(rt) {
		preview += "..."
	}
	return preview
}

func indexFold(text, sub []rune) int {
	if len(sub) == 0 {
		return -1
	}
outer:
	for i := 0; i+len(sub) <= len(text); i++ {
		for j, r := range sub {
			if unicode.ToLower(text[i+j]) != unicode.ToLower(r) {
				continue outer
			}
		}
		return i
	}
	return -1
}

// Report returns the final report of a completed request.
func (s *Service) Report(ctx context.Context, requestID string) (map[string]any, error) {
	task, err := s.tasks.GetTask(ctx, requestID)
	if err != nil {
		return nil, eris.Wrap(err, "research: report")
	}
	if task.Status != model.StatusCompleted {
		return nil, eris.Wrapf(ErrConflict, "research: %s is %s, report needs completed", requestID, task.Status)
	}
	raw, err := s.Result(ctx, requestID)
	if err != nil {
		return nil, err
	}
	var out model.Outcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, eris.Wrapf(err, "research: decode result %s", requestID)
	}
	if len(out.FinalReport) == 0 {
		return nil, eris.Wrapf(store.ErrNotFound, "research: no report for %s", requestID)
	}
	return out.FinalReport, nil
}
