package model

import (
	"maps"
	"slices"
	"time"

	"github.com/rotisserie/eris"
)

// MaxSources is the fixed number of search results requested per worker.
const MaxSources = 20

// Depth is the requested thoroughness tier of a research request.
type Depth string

const (
	DepthBasic         Depth = "basic"
	DepthStandard      Depth = "standard"
	DepthComprehensive Depth = "comprehensive"
)

// Depths lists every supported depth, cheapest first.
func Depths() []Depth {
	return []Depth{DepthBasic, DepthStandard, DepthComprehensive}
}

// Valid reports whether d is a supported depth.
func (d Depth) Valid() bool {
	return slices.Contains(Depths(), d)
}

// ParseDepth converts a raw string into a Depth.
func ParseDepth(s string) (Depth, error) {
	d := Depth(s)
	if !d.Valid() {
		return "", eris.Errorf("model: unknown research depth %q", s)
	}
	return d, nil
}

// Status is the overall status of a research request.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInitializing Status = "initializing"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusAborted      Status = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Step is a node of the workflow state machine.
type Step string

const (
	StepInitializing     Step = "initializing"
	StepPlanning         Step = "planning"
	StepParallelAnalysis Step = "parallel_analysis"
	StepReportGeneration Step = "report_generation"
	StepFinalization     Step = "finalization"
	StepCompleted        Step = "completed"
	StepFailed           Step = "failed"
	StepAborted          Step = "aborted"
)

// WorkerKind identifies one of the three concurrent analysis workers.
type WorkerKind string

const (
	WorkerMarket     WorkerKind = "market"
	WorkerCompetitor WorkerKind = "competitor"
	WorkerCustomer   WorkerKind = "customer"
)

// Workers returns the analysis workers in reporting order.
func Workers() []WorkerKind {
	return []WorkerKind{WorkerMarket, WorkerCompetitor, WorkerCustomer}
}

// AgentName is the name a worker reports in its results.
func (k WorkerKind) AgentName() string {
	return string(k) + "_analyst"
}

// ResearchContext holds the immutable parameters of one request.
type ResearchContext struct {
	RequestID   string    `json:"request_id"`
	UserID      string    `json:"user_id"`
	ProductIdea string    `json:"product_idea"`
	Sector      string    `json:"sector,omitempty"`
	Depth       Depth     `json:"research_depth"`
	MaxSources  int       `json:"max_sources"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewResearchContext builds the context for a freshly submitted request.
func NewResearchContext(requestID, userID, productIdea string, depth Depth, now time.Time) ResearchContext {
	return ResearchContext{
		RequestID:   requestID,
		UserID:      userID,
		ProductIdea: productIdea,
		Depth:       depth,
		MaxSources:  MaxSources,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// AgentStatus is the outcome of a single worker or synthesis call.
type AgentStatus string

const (
	AgentSuccess AgentStatus = "success"
	AgentError   AgentStatus = "error"
)

// Source attributes a piece of analysed content to where it came from.
type Source struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// AgentResult is the output of one analysis worker.
type AgentResult struct {
	AgentName       string         `json:"agent_name"`
	Worker          WorkerKind     `json:"worker"`
	Status          AgentStatus    `json:"status"`
	Analysis        map[string]any `json:"analysis,omitempty"`
	SourcesAnalyzed int            `json:"sources_analyzed"`
	Sources         []Source       `json:"sources,omitempty"`
	Error           string         `json:"error,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Succeeded reports whether r is present and successful.
func (r *AgentResult) Succeeded() bool {
	return r != nil && r.Status == AgentSuccess
}

// ErrorResult builds a failed result for worker k.
func ErrorResult(k WorkerKind, reason string, now time.Time) *AgentResult {
	return &AgentResult{
		AgentName: k.AgentName(),
		Worker:    k,
		Status:    AgentError,
		Error:     reason,
		Timestamp: now,
	}
}

// ResearchPlan is produced by the planning node.
type ResearchPlan struct {
	Sector          string `json:"sector"`
	MarketQuery     string `json:"market_query"`
	CompetitorQuery string `json:"competitor_query"`
	CustomerQuery   string `json:"customer_query"`
}

// Query returns the query planned for worker k.
func (p ResearchPlan) Query(k WorkerKind) string {
	switch k {
	case WorkerMarket:
		return p.MarketQuery
	case WorkerCompetitor:
		return p.CompetitorQuery
	case WorkerCustomer:
		return p.CustomerQuery
	default:
		return ""
	}
}

// Citation is a deduplicated source referenced by the final report.
type Citation struct {
	URL     string       `json:"url"`
	Title   string       `json:"title,omitempty"`
	Workers []WorkerKind `json:"workers"`
}

// SynthesisResult is the output of the report generation step.
type SynthesisResult struct {
	Status          AgentStatus    `json:"status"`
	Report          map[string]any `json:"final_report,omitempty"`
	Citations       []Citation     `json:"citations,omitempty"`
	SourcesAnalyzed int            `json:"sources_analyzed"`
	Error           string         `json:"error,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// ResearchState is the workflow's unit of truth. Node functions take a
// state by value and return the next one.
type ResearchState struct {
	Context        ResearchContext   `json:"context"`
	Plan           *ResearchPlan     `json:"research_plan,omitempty"`
	Market         *AgentResult      `json:"market_analysis,omitempty"`
	Competitor     *AgentResult      `json:"competitor_analysis,omitempty"`
	Customer       *AgentResult      `json:"customer_analysis,omitempty"`
	Synthesis      *SynthesisResult  `json:"synthesis,omitempty"`
	CurrentStep    Step              `json:"current_step"`
	Progress       int               `json:"progress"`
	Status         Status            `json:"status"`
	Errors         []string          `json:"errors,omitempty"`
	AbortRequested bool              `json:"abort_requested"`
	StreamMetadata map[string]string `json:"stream_metadata,omitempty"`
}

// NewResearchState creates the initial state for rc.
func NewResearchState(rc ResearchContext) ResearchState {
	return ResearchState{
		Context:     rc,
		CurrentStep: StepInitializing,
		Status:      StatusInitializing,
	}
}

// Result returns the stored result for worker k, or nil.
func (s ResearchState) Result(k WorkerKind) *AgentResult {
	switch k {
	case WorkerMarket:
		return s.Market
	case WorkerCompetitor:
		return s.Competitor
	case WorkerCustomer:
		return s.Customer
	default:
		return nil
	}
}

// WithResult returns a copy of s holding r as worker k's result.
func (s ResearchState) WithResult(k WorkerKind, r *AgentResult) ResearchState {
	switch k {
	case WorkerMarket:
		s.Market = r
	case WorkerCompetitor:
		s.Competitor = r
	case WorkerCustomer:
		s.Customer = r
	}
	return s
}

// WithError returns a copy of s with msg appended to the error list and the
// status set to failed.
func (s ResearchState) WithError(msg string, now time.Time) ResearchState {
	errs := slices.Clone(s.Errors)
	s.Errors = append(errs, now.UTC().Format(time.RFC3339)+": "+msg)
	s.Status = StatusFailed
	return s
}

// WithMeta returns a copy of s with key set in its stream metadata.
func (s ResearchState) WithMeta(key, value string) ResearchState {
	m := make(map[string]string, len(s.StreamMetadata)+1)
	maps.Copy(m, s.StreamMetadata)
	m[key] = value
	s.StreamMetadata = m
	return s
}

// WithProgress returns a copy of s whose progress is at least p.
func (s ResearchState) WithProgress(p int) ResearchState {
	if p > s.Progress {
		s.Progress = min(p, 100)
	}
	return s
}

// AnyWorkerDone reports whether at least one worker result is present.
func (s ResearchState) AnyWorkerDone() bool {
	for _, k := range Workers() {
		if s.Result(k) != nil {
			return true
		}
	}
	return false
}

// AllWorkersDone reports whether all three worker results are present.
func (s ResearchState) AllWorkersDone() bool {
	for _, k := range Workers() {
		if s.Result(k) == nil {
			return false
		}
	}
	return true
}

// FailedWorkers lists the workers whose result is missing or failed.
func (s ResearchState) FailedWorkers() []WorkerKind {
	var failed []WorkerKind
	for _, k := range Workers() {
		if !s.Result(k).Succeeded() {
			failed = append(failed, k)
		}
	}
	return failed
}

// SourcesAnalyzed sums the sources analysed across all worker results.
func (s ResearchState) SourcesAnalyzed() int {
	total := 0
	for _, k := range Workers() {
		if r := s.Result(k); r != nil {
			total += r.SourcesAnalyzed
		}
	}
	return total
}
