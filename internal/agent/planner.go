package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-research/internal/model"
)

// ErrInvalidInput is returned when the planner rejects a product idea.
var ErrInvalidInput = eris.New("agent: invalid product idea")

// Planner validates the raw product idea and derives one query per worker.
type Planner struct {
	llm     Completer
	timeout time.Duration
}

// NewPlanner creates a Planner. A zero timeout means no extra deadline.
func NewPlanner(llm Completer, timeout time.Duration) *Planner {
	return &Planner{llm: llm, timeout: timeout}
}

type planReply struct {
	Valid           *bool  `json:"valid"`
	Reason          string `json:"reason"`
	Sector          string `json:"sector"`
	MarketQuery     string `json:"market_query"`
	CompetitorQuery string `json:"competitor_query"`
	CustomerQuery   string `json:"customer_query"`
}

// Plan returns the research plan for productIdea. A rejected or incomplete
// plan is reported as ErrInvalidInput; it is never patched up.
func (p *Planner) Plan(ctx context.Context, productIdea string) (*model.ResearchPlan, error) {
	text, err := withTimeout(ctx, p.timeout, func(ctx context.Context) (string, error) {
		return p.llm.Complete(ctx, plannerSystem, plannerPrompt(productIdea))
	})
	if err != nil {
		return nil, eris.Wrap(err, "agent: planning call")
	}

	var reply planReply
	if err := json.Unmarshal([]byte(ExtractJSON(text)), &reply); err != nil {
		return nil, eris.Wrap(err, "agent: parse plan")
	}

	if reply.Valid != nil && !*reply.Valid {
		reason := strings.TrimSpace(reply.Reason)
		if reason == "" {
			reason = "rejected by validation"
		}
		return nil, eris.Wrap(ErrInvalidInput, reason)
	}

	plan := &model.ResearchPlan{
		Sector:          strings.TrimSpace(reply.Sector),
		MarketQuery:     strings.TrimSpace(reply.MarketQuery),
		CompetitorQuery: strings.TrimSpace(reply.CompetitorQuery),
		CustomerQuery:   strings.TrimSpace(reply.CustomerQuery),
	}
	for _, k := range model.Workers() {
		if plan.Query(k) == "" {
			return nil, eris.Wrapf(ErrInvalidInput, "missing %s query", k)
		}
	}
	return plan, nil
}
