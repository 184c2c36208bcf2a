package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-research/internal/checkpoint"
	"github.com/sells-group/market-research/internal/config"
	"github.com/sells-group/market-research/internal/model"
	"github.com/sells-group/market-research/internal/search"
)

// maxPromptChars caps the source text sent to one analysis call.
const maxPromptChars = 320_000

// Worker is one of the three concurrent analysis units.
//
// Upstream failures (search, extraction, completion, malformed output)
// come back as a result with status error. A non-nil error means the
// worker could not record its progress and the run must stop.
type Worker interface {
	Kind() model.WorkerKind
	Analyze(ctx context.Context, query string, rc model.ResearchContext) (*model.AgentResult, error)
}

// Marker records checkpoints. *checkpoint.Tracker implements it.
type Marker interface {
	Complete(ctx context.Context, requestID, name string) (checkpoint.Mark, error)
}

// Timeouts bound each external call a worker makes. Checkpoint bounds a
// checkpoint write, which does not inherit the analysis deadline.
type Timeouts struct {
	Search     time.Duration
	Extract    time.Duration
	LLM        time.Duration
	Checkpoint time.Duration
}

const defaultCheckpointTimeout = 10 * time.Second

// TimeoutsFrom reads call timeouts from the pipeline config.
func TimeoutsFrom(cfg config.PipelineConfig) Timeouts {
	return Timeouts{
		Search:     secs(cfg.SearchTimeoutSecs, 30),
		Extract:    secs(cfg.ExtractTimeoutSecs, 60),
		LLM:        secs(cfg.LLMTimeoutSecs, 120),
		Checkpoint: defaultCheckpointTimeout,
	}
}

func secs(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

// Analyst runs search, extraction and analysis for one worker kind.
type Analyst struct {
	kind     model.WorkerKind
	provider search.Provider
	llm      Completer
	marks    Marker
	timeouts Timeouts
	now      func() time.Time
}

// NewAnalyst builds the worker for kind.
func NewAnalyst(kind model.WorkerKind, p search.Provider, llm Completer, marks Marker, t Timeouts) *Analyst {
	return &Analyst{kind: kind, provider: p, llm: llm, marks: marks, timeouts: t, now: time.Now}
}

// NewWorkers builds all three analysts over the same collaborators.
func NewWorkers(p search.Provider, llm Completer, marks Marker, t Timeouts) []Worker {
	workers := make([]Worker, 0, 3)
	for _, k := range model.Workers() {
		workers = append(workers, NewAnalyst(k, p, llm, marks, t))
	}
	return workers
}

func (a *Analyst) Kind() model.WorkerKind { return a.kind }

// sourceDoc is what the analysis call sees of one search result.
type sourceDoc struct {
	Title            string `json:"title"`
	Content          string `json:"content"`
	ExtractedContent string `json:"extracted_content,omitempty"`
	URL              string `json:"url"`
}

func (a *Analyst) Analyze(ctx context.Context, query string, rc model.ResearchContext) (*model.AgentResult, error) {
	log := zap.L().With(
		zap.String("request_id", rc.RequestID),
		zap.String("worker", string(a.kind)),
	)
	params := search.ParamsFor(rc.Depth)

	if res := a.expired(ctx, "search"); res != nil {
		return res, nil
	}
	if err := a.mark(ctx, rc.RequestID, checkpoint.SearchStarted); err != nil {
		return nil, err
	}

	results, err := withTimeout(ctx, a.timeouts.Search, func(ctx context.Context) ([]search.Result, error) {
		return a.provider.Search(ctx, query, params.SearchDepth, params.MaxResults)
	})
	if err != nil {
		log.Warn("agent: search failed", zap.Error(err))
		return a.failed("search failed: " + err.Error()), nil
	}
	if res := a.expired(ctx, "search"); res != nil {
		return res, nil
	}
	if len(results) > 0 {
		if err := a.mark(ctx, rc.RequestID, checkpoint.SearchCompleted); err != nil {
			return nil, err
		}
	}

	var extracted []search.Extracted
	if urls := search.URLs(results, params.ExtractURLs); len(urls) > 0 {
		extracted, err = withTimeout(ctx, a.timeouts.Extract, func(ctx context.Context) ([]search.Extracted, error) {
			return a.provider.Extract(ctx, urls, params.ExtractDepth)
		})
		if err != nil {
			log.Warn("agent: extraction failed", zap.Error(err))
			return a.failed("extraction failed: " + err.Error()), nil
		}
	}
	if res := a.expired(ctx, "extraction"); res != nil {
		return res, nil
	}
	if len(extracted) > 0 {
		if err := a.mark(ctx, rc.RequestID, checkpoint.ExtractionCompleted); err != nil {
			return nil, err
		}
	}

	data, err := json.MarshalIndent(truncateDocs(mergeSources(results, extracted), maxPromptChars), "", "  ")
	if err != nil {
		return a.failed("encode sources: " + err.Error()), nil
	}

	system, user := analysisPrompts(a.kind, rc.ProductIdea, rc.Sector, string(data))
	text, err := withTimeout(ctx, a.timeouts.LLM, func(ctx context.Context) (string, error) {
		return a.llm.Complete(ctx, system, user)
	})
	if err != nil {
		log.Warn("agent: analysis call failed", zap.Error(err))
		return a.failed("analysis failed: " + err.Error()), nil
	}

	analysis, err := ParseObject(text)
	if err != nil {
		log.Warn("agent: malformed analysis", zap.Error(err))
		return a.failed("analysis failed: " + err.Error()), nil
	}
	if len(analysis) == 0 {
		return a.failed("analysis failed: empty result"), nil
	}
	if msg, ok := analysis["error"]; ok {
		return a.failed("analysis failed: " + stringify(msg)), nil
	}
	if res := a.expired(ctx, "analysis"); res != nil {
		return res, nil
	}

	if err := a.mark(ctx, rc.RequestID, checkpoint.AnalysisCompleted); err != nil {
		return nil, err
	}

	sources := make([]model.Source, 0, len(results))
	for _, r := range results {
		sources = append(sources, model.Source{URL: r.URL, Title: r.Title})
	}

	log.Info("agent: analysis complete", zap.Int("sources", len(results)), zap.Int("extracted", len(extracted)))
	return &model.AgentResult{
		AgentName:       a.kind.AgentName(),
		Worker:          a.kind,
		Status:          model.AgentSuccess,
		Analysis:        analysis,
		SourcesAnalyzed: len(results),
		Sources:         sources,
		Timestamp:       a.now().UTC(),
	}, nil
}

// mark records a checkpoint on a context detached from the analysis
// deadline, so only a storage failure can make it fail.
func (a *Analyst) mark(ctx context.Context, requestID string, s checkpoint.Stage) error {
	name := checkpoint.For(a.kind, s)
	d := a.timeouts.Checkpoint
	if d <= 0 {
		d = defaultCheckpointTimeout
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d)
	defer cancel()
	if _, err := a.marks.Complete(pctx, requestID, name); err != nil {
		return eris.Wrapf(err, "agent: %s checkpoint %s", a.kind, name)
	}
	return nil
}

// expired reports a worker deadline that ran out between calls as an error
// result. It returns nil while ctx is live.
func (a *Analyst) expired(ctx context.Context, stage string) *model.AgentResult {
	if err := ctx.Err(); err != nil {
		return a.failed(stage + " timed out: " + err.Error())
	}
	return nil
}

func (a *Analyst) failed(reason string) *model.AgentResult {
	return model.ErrorResult(a.kind, reason, a.now().UTC())
}

// mergeSources attaches extracted page text to the search result with the
// same URL.
func mergeSources(results []search.Result, extracted []search.Extracted) []sourceDoc {
	byURL := make(map[string]string, len(extracted))
	for _, e := range extracted {
		if e.RawContent != "" {
			byURL[e.URL] = e.RawContent
		}
	}
	docs := make([]sourceDoc, 0, len(results))
	for _, r := range results {
		docs = append(docs, sourceDoc{
			Title:            r.Title,
			Content:          r.Content,
			ExtractedContent: byURL[r.URL],
			URL:              r.URL,
		})
	}
	return docs
}

const truncationNotice = "\n[Content truncated due to length limits]"

// truncateDocs keeps the total text under maxChars, cutting the first doc
// that crosses the limit and dropping the rest.
func truncateDocs(docs []sourceDoc, maxChars int) []sourceDoc {
	used := 0
	for i, d := range docs {
		size := len(d.Content) + len(d.ExtractedContent) + 2
		if used+size <= maxChars {
			used += size
			continue
		}

		remaining := maxChars - used - len(truncationNotice)
		out := docs[:i:i]
		if remaining > 0 {
			d.ExtractedContent = clip(d.Content+"\n"+d.ExtractedContent, remaining) + truncationNotice
			d.Content = ""
			out = append(out, d)
		}
		return out
	}
	return docs
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back off to a rune boundary.
	for n > 0 && n < len(s) && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// withTimeout runs fn under a child deadline. A zero timeout uses ctx as is.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}
