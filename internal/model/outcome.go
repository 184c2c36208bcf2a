package model

import "time"

// Outcome is the result payload persisted when a request ends.
type Outcome struct {
	RequestID      string           `json:"request_id"`
	Status         Status           `json:"status"`
	Plan           *ResearchPlan    `json:"research_plan,omitempty"`
	Market         *AgentResult     `json:"market_analysis,omitempty"`
	Competitor     *AgentResult     `json:"competitor_analysis,omitempty"`
	Customer       *AgentResult     `json:"customer_analysis,omitempty"`
	Synthesis      *SynthesisResult `json:"synthesis,omitempty"`
	FinalReport    map[string]any   `json:"final_report,omitempty"`
	Errors         []string         `json:"errors,omitempty"`
	PartialResults *PartialResults  `json:"partial_results,omitempty"`
	Metadata       OutcomeMetadata  `json:"metadata"`
}

// PartialResults preserves whatever a failed run produced, for diagnostics.
type PartialResults struct {
	Plan       *ResearchPlan `json:"research_plan,omitempty"`
	Market     *AgentResult  `json:"market_analysis,omitempty"`
	Competitor *AgentResult  `json:"competitor_analysis,omitempty"`
	Customer   *AgentResult  `json:"customer_analysis,omitempty"`
}

// OutcomeMetadata describes the run that produced an Outcome.
type OutcomeMetadata struct {
	RequestID       string    `json:"request_id"`
	Sector          string    `json:"sector,omitempty"`
	MaxSources      int       `json:"max_sources"`
	Depth           Depth     `json:"research_depth"`
	SourcesAnalyzed int       `json:"sources_analyzed"`
	CompletedAt     time.Time `json:"completed_at"`
}

// NewOutcome builds the persisted payload from a terminal state. Successful
// runs carry every result at the top level; failed or aborted runs carry
// their errors and partial results instead.
func NewOutcome(s ResearchState, now time.Time) Outcome {
	o := Outcome{
		RequestID: s.Context.RequestID,
		Status:    s.Status,
		Metadata: OutcomeMetadata{
			RequestID:       s.Context.RequestID,
			Sector:          s.Context.Sector,
			MaxSources:      s.Context.MaxSources,
			Depth:           s.Context.Depth,
			SourcesAnalyzed: s.SourcesAnalyzed(),
			CompletedAt:     now,
		},
	}
	if s.Plan != nil && o.Metadata.Sector == "" {
		o.Metadata.Sector = s.Plan.Sector
	}

	if s.Status == StatusCompleted {
		o.Plan = s.Plan
		o.Market = s.Market
		o.Competitor = s.Competitor
		o.Customer = s.Customer
		o.Synthesis = s.Synthesis
		if s.Synthesis != nil {
			o.FinalReport = s.Synthesis.Report
			o.Metadata.SourcesAnalyzed = s.Synthesis.SourcesAnalyzed
		}
		return o
	}

	o.Errors = s.Errors
	o.PartialResults = &PartialResults{
		Plan:       s.Plan,
		Market:     s.Market,
		Competitor: s.Competitor,
		Customer:   s.Customer,
	}
	return o
}
