package agent

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/market-research/internal/model"
)

// Reporter merges the three worker analyses into the final report.
type Reporter struct {
	llm     Completer
	timeout time.Duration
	now     func() time.Time
}

// NewReporter creates a Reporter. A zero timeout means no extra deadline.
func NewReporter(llm Completer, timeout time.Duration) *Reporter {
	return &Reporter{llm: llm, timeout: timeout, now: time.Now}
}

// Synthesize writes the report for a state whose three workers all
// succeeded. Failures come back as a result with status error.
func (r *Reporter) Synthesize(ctx context.Context, s model.ResearchState) *model.SynthesisResult {
	sector := s.Context.Sector
	if sector == "" && s.Plan != nil {
		sector = s.Plan.Sector
	}

	var payloads [3]string
	var counts [3]int
	for i, k := range model.Workers() {
		res := s.Result(k)
		if !res.Succeeded() {
			return r.failed("missing " + string(k) + " analysis")
		}
		b, err := json.MarshalIndent(res.Analysis, "", "  ")
		if err != nil {
			return r.failed("encode " + string(k) + " analysis: " + err.Error())
		}
		payloads[i] = string(b)
		counts[i] = res.SourcesAnalyzed
	}

	system, user := reportPrompts(s.Context.ProductIdea, sector, payloads[0], payloads[1], payloads[2], counts)
	text, err := withTimeout(ctx, r.timeout, func(ctx context.Context) (string, error) {
		return r.llm.Complete(ctx, system, user)
	})
	if err != nil {
		zap.L().Warn("agent: report call failed", zap.String("request_id", s.Context.RequestID), zap.Error(err))
		return r.failed(err.Error())
	}

	report, err := ParseObject(text)
	if err != nil {
		return r.failed(err.Error())
	}
	if len(report) == 0 {
		return r.failed("empty report")
	}

	citations := Citations(s)
	report["citations"] = citations
	return &model.SynthesisResult{
		Status:          model.AgentSuccess,
		Report:          report,
		Citations:       citations,
		SourcesAnalyzed: s.SourcesAnalyzed(),
		Timestamp:       r.now().UTC(),
	}
}

func (r *Reporter) failed(reason string) *model.SynthesisResult {
	return &model.SynthesisResult{Status: model.AgentError, Error: reason, Timestamp: r.now().UTC()}
}

// Citations collects the sources of every worker result and the citations
// embedded in each analysis, deduplicated by URL. Each citation lists the
// workers that referenced it, in worker order.
func Citations(s model.ResearchState) []model.Citation {
	var out []model.Citation
	index := make(map[string]int)

	add := func(url, title string, k model.WorkerKind) {
		url = strings.TrimSpace(url)
		if url == "" {
			return
		}
		i, ok := index[url]
		if !ok {
			index[url] = len(out)
			out = append(out, model.Citation{URL: url, Title: title, Workers: []model.WorkerKind{k}})
			return
		}
		c := &out[i]
		if c.Title == "" {
			c.Title = title
		}
		if !slices.Contains(c.Workers, k) {
			c.Workers = append(c.Workers, k)
		}
	}

	for _, k := range model.Workers() {
		res := s.Result(k)
		if res == nil {
			continue
		}
		for _, src := range res.Sources {
			add(src.URL, src.Title, k)
		}
		for _, c := range embeddedCitations(res.Analysis) {
			add(c.URL, c.Title, k)
		}
	}
	return out
}

func embeddedCitations(analysis map[string]any) []model.Source {
	raw, ok := analysis["citations"].([]any)
	if !ok {
		return nil
	}
	var out []model.Source
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		url, _ := m["url"].(string)
		title, _ := m["title"].(string)
		out = append(out, model.Source{URL: url, Title: title})
	}
	return out
}
