// Package checkpoint owns the fixed set of pipeline milestones and the
// tracker that records which ones a request has completed.
package checkpoint

import (
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-research/internal/model"
)

// Pipeline milestones, in the order a successful run reaches them.
const (
	PlanCreated               = "research_plan_created"
	QueriesGenerated          = "queries_generated"
	ReportGenerationStarted   = "report_generation_started"
	ReportGenerationCompleted = "report_generation_completed"
	FinalReportDelivered      = "final_report_delivered"
)

// Stage is a per-worker milestone.
type Stage string

const (
	SearchStarted       Stage = "search_started"
	SearchCompleted     Stage = "search_completed"
	ExtractionCompleted Stage = "extraction_completed"
	AnalysisCompleted   Stage = "analysis_completed"
)

var stages = []Stage{SearchStarted, SearchCompleted, ExtractionCompleted, AnalysisCompleted}

// ErrUnknownCheckpoint is returned for names outside the fixed set.
var ErrUnknownCheckpoint = eris.New("checkpoint: unknown checkpoint")

// For returns the checkpoint name of stage s for worker k.
func For(k model.WorkerKind, s Stage) string {
	return string(k) + "_" + string(s)
}

var all = func() []string {
	names := []string{PlanCreated, QueriesGenerated}
	for _, k := range model.Workers() {
		for _, s := range stages {
			names = append(names, For(k, s))
		}
	}
	return append(names, ReportGenerationStarted, ReportGenerationCompleted, FinalReportDelivered)
}()

// Total is the number of checkpoints in a complete run.
var Total = len(all)

// All returns every checkpoint name in pipeline order.
func All() []string {
	return slices.Clone(all)
}

// Known reports whether name belongs to the fixed set.
func Known(name string) bool {
	return slices.Contains(all, name)
}

// Progress is the integer percentage for count completed checkpoints.
func Progress(count int) int {
	count = max(0, min(count, Total))
	return 100 * count / Total
}

// Phase groups checkpoints for billing.
type Phase string

const (
	PhaseSearch     Phase = "search"
	PhaseExtraction Phase = "extraction"
	PhaseNone       Phase = ""
)

// PhaseOf classifies a checkpoint name by the billable work it records.
func PhaseOf(name string) Phase {
	switch {
	case strings.Contains(name, "search"):
		return PhaseSearch
	case strings.Contains(name, "extraction"):
		return PhaseExtraction
	default:
		return PhaseNone
	}
}

// Phases reports which billable phases appear among names. Unknown names
// are ignored.
func Phases(names []string) map[Phase]bool {
	seen := make(map[Phase]bool, 2)
	for _, n := range names {
		if !Known(n) {
			continue
		}
		if p := PhaseOf(n); p != PhaseNone {
			seen[p] = true
		}
	}
	return seen
}
