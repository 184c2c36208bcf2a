// Package supervisor drives a research request through planning, parallel
// analysis, report generation and finalization.
package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/market-research/internal/agent"
	"github.com/sells-group/market-research/internal/checkpoint"
	"github.com/sells-group/market-research/internal/config"
	"github.com/sells-group/market-research/internal/execctx"
	"github.com/sells-group/market-research/internal/model"
)

const defaultMaxSteps = 50

// Planner derives the research plan from the raw product idea.
type Planner interface {
	Plan(ctx context.Context, productIdea string) (*model.ResearchPlan, error)
}

// Reporter merges the worker analyses into the final report.
type Reporter interface {
	Synthesize(ctx context.Context, s model.ResearchState) *model.SynthesisResult
}

// Tracker records checkpoints and exposes the abort flag.
// *checkpoint.Tracker implements it.
type Tracker interface {
	Complete(ctx context.Context, requestID, name string) (checkpoint.Mark, error)
	AbortRequested(ctx context.Context, requestID string) (bool, error)
}

// ProgressFunc observes the state after every node.
type ProgressFunc func(ctx context.Context, s model.ResearchState)

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithProgress registers a callback invoked after every node.
func WithProgress(fn ProgressFunc) Option {
	return func(sv *Supervisor) { sv.onProgress = fn }
}

// WithClock overrides the time source used for error timestamps.
func WithClock(now func() time.Time) Option {
	return func(sv *Supervisor) { sv.now = now }
}

// Supervisor owns the workflow state machine. Nodes run one at a time; only
// parallel analysis fans out.
type Supervisor struct {
	planner         Planner
	workers         []agent.Worker
	reporter        Reporter
	tracker         Tracker
	analysisTimeout time.Duration
	maxSteps        int
	now             func() time.Time
	onProgress      ProgressFunc
}

// New creates a Supervisor.
func New(p Planner, workers []agent.Worker, r Reporter, t Tracker, cfg config.PipelineConfig, opts ...Option) *Supervisor {
	sv := &Supervisor{
		planner:         p,
		workers:         workers,
		reporter:        r,
		tracker:         t,
		analysisTimeout: time.Duration(cfg.AnalysisTimeoutSecs) * time.Second,
		maxSteps:        cfg.MaxSteps,
		now:             time.Now,
	}
	if sv.maxSteps <= 0 {
		sv.maxSteps = defaultMaxSteps
	}
	for _, o := range opts {
		o(sv)
	}
	return sv
}

// NextStep is the routing function of the state machine.
func NextStep(s model.ResearchState) model.Step {
	switch {
	case s.AbortRequested:
		return model.StepAborted
	case len(s.Errors) > 0:
		return model.StepFinalization
	case s.Plan == nil:
		return model.StepPlanning
	case !s.AnyWorkerDone():
		return model.StepParallelAnalysis
	case s.AllWorkersDone() && s.Synthesis == nil:
		return model.StepReportGeneration
	default:
		return model.StepFinalization
	}
}

type node func(ctx context.Context, s model.ResearchState) (model.ResearchState, error)

func (sv *Supervisor) node(step model.Step) node {
	switch step {
	case model.StepPlanning:
		return sv.planning
	case model.StepParallelAnalysis:
		return sv.parallelAnalysis
	case model.StepReportGeneration:
		return sv.reportGeneration
	case model.StepFinalization:
		return sv.finalization
	default:
		return nil
	}
}

func terminal(step model.Step) bool {
	return step == model.StepCompleted || step == model.StepFailed || step == model.StepAborted
}

// Run drives rc to a terminal state. Upstream failures end the run as
// failed and are reported in the state. A non-nil error means a checkpoint
// could not be persisted; the returned state is still usable.
func (sv *Supervisor) Run(ctx context.Context, rc model.ResearchContext) (model.ResearchState, error) {
	log := zap.L().With(zap.String("request_id", rc.RequestID))
	log.Info("supervisor: starting workflow", zap.String("depth", string(rc.Depth)))

	s := model.NewResearchState(rc)
	s.Status = model.StatusProcessing

	for steps := 0; !terminal(s.CurrentStep); steps++ {
		if steps >= sv.maxSteps {
			log.Error("supervisor: step limit reached", zap.Int("max_steps", sv.maxSteps))
			s = s.WithError(fmt.Sprintf("workflow exceeded %d steps", sv.maxSteps), sv.now())
			s.CurrentStep = model.StepFailed
			break
		}

		if sv.abortRequested(ctx, s) {
			s.AbortRequested = true
		}
		step := NextStep(s)
		if step == model.StepAborted {
			log.Info("supervisor: workflow aborted", zap.String("at_step", string(s.CurrentStep)))
			s.Status = model.StatusAborted
			s.CurrentStep = model.StepAborted
			break
		}

		s.CurrentStep = step
		start := time.Now()
		next, err := sv.node(step)(ctx, s)
		if err != nil {
			log.Error("supervisor: node failed",
				zap.String("step", string(step)),
				zap.Bool("fatal", true),
				zap.String("failure_class", "persistence"),
				zap.Error(err),
			)
			s = next.WithError(err.Error(), sv.now()).WithMeta("last_step", string(step))
			s.CurrentStep = model.StepFailed
			sv.notify(ctx, s)
			return s, eris.Wrapf(err, "supervisor: %s", step)
		}
		s = next.
			WithMeta("last_step", string(step)).
			WithMeta(string(step)+"_ms", strconv.FormatInt(time.Since(start).Milliseconds(), 10))
		log.Info("supervisor: step complete",
			zap.String("step", string(step)),
			zap.Int("progress", s.Progress),
			zap.Int("errors", len(s.Errors)),
			zap.Duration("duration", time.Since(start)),
		)
		sv.notify(ctx, s)
	}

	log.Info("supervisor: workflow finished",
		zap.String("status", string(s.Status)),
		zap.Int("progress", s.Progress),
	)
	return s, nil
}

func (sv *Supervisor) notify(ctx context.Context, s model.ResearchState) {
	if sv.onProgress != nil {
		sv.onProgress(ctx, s)
	}
}

func (sv *Supervisor) abortRequested(ctx context.Context, s model.ResearchState) bool {
	if s.AbortRequested {
		return true
	}
	ok, err := sv.tracker.AbortRequested(ctx, s.Context.RequestID)
	if err != nil {
		zap.L().Warn("supervisor: abort check failed", zap.String("request_id", s.Context.RequestID), zap.Error(err))
		return false
	}
	return ok
}

func (sv *Supervisor) mark(ctx context.Context, s model.ResearchState, name string) (model.ResearchState, error) {
	m, err := sv.tracker.Complete(ctx, s.Context.RequestID, name)
	if err != nil {
		return s, err
	}
	return s.WithProgress(m.Progress), nil
}

// ===== Nodes =====

func (sv *Supervisor) planning(ctx context.Context, s model.ResearchState) (model.ResearchState, error) {
	plan, err := sv.planner.Plan(ctx, s.Context.ProductIdea)
	if err != nil {
		zap.L().Warn("supervisor: planning failed", zap.String("request_id", s.Context.RequestID), zap.Error(err))
		return s.WithError("Planning failed: "+err.Error(), sv.now()), nil
	}
	s.Plan = plan
	if s.Context.Sector == "" {
		s.Context.Sector = plan.Sector
	}
	return sv.mark(ctx, s, checkpoint.PlanCreated)
}

func (sv *Supervisor) parallelAnalysis(ctx context.Context, s model.ResearchState) (model.ResearchState, error) {
	s, err := sv.mark(ctx, s, checkpoint.QueriesGenerated)
	if err != nil {
		return s, err
	}

	actx := ctx
	if sv.analysisTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, sv.analysisTimeout)
		defer cancel()
	}

	results := make([]*model.AgentResult, len(sv.workers))
	g, gctx := errgroup.WithContext(actx)
	for i, w := range sv.workers {
		g.Go(func() error {
			res, err := sv.analyze(gctx, w, s)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		for i, res := range results {
			if res != nil {
				s = s.WithResult(sv.workers[i].Kind(), res)
			}
		}
		return s, err
	}

	if sv.abortRequested(ctx, s) {
		zap.L().Info("supervisor: discarding worker results after abort", zap.String("request_id", s.Context.RequestID))
		s.AbortRequested = true
		return s, nil
	}

	var failures []string
	for i, res := range results {
		k := sv.workers[i].Kind()
		s = s.WithResult(k, res)
		if !res.Succeeded() {
			failures = append(failures, fmt.Sprintf("%s analysis failed: %s", label(k), res.Error))
		}
	}
	if len(failures) > 0 {
		return s.WithError(strings.Join(failures, "; "), sv.now()), nil
	}
	return s, nil
}

// analyze runs one worker. Panics and missing results become error results;
// only checkpoint failures are returned.
func (sv *Supervisor) analyze(ctx context.Context, w agent.Worker, s model.ResearchState) (res *model.AgentResult, err error) {
	k := w.Kind()
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("supervisor: worker panicked",
				zap.String("request_id", s.Context.RequestID),
				zap.String("worker", string(k)),
				zap.Any("panic", r),
			)
			res, err = model.ErrorResult(k, fmt.Sprintf("panic: %v", r), sv.now().UTC()), nil
		}
	}()

	res, err = w.Analyze(ctx, s.Plan.Query(k), s.Context)
	if err != nil {
		return model.ErrorResult(k, err.Error(), sv.now().UTC()), err
	}
	if res == nil {
		return model.ErrorResult(k, "no result", sv.now().UTC()), nil
	}
	return res, nil
}

func (sv *Supervisor) reportGeneration(ctx context.Context, s model.ResearchState) (model.ResearchState, error) {
	if failed := s.FailedWorkers(); len(failed) > 0 {
		names := make([]string, len(failed))
		for i, k := range failed {
			names[i] = string(k) + " analysis"
		}
		return s.WithError("cannot generate report: "+strings.Join(names, ", ")+" failed", sv.now()), nil
	}

	s, err := sv.mark(ctx, s, checkpoint.ReportGenerationStarted)
	if err != nil {
		return s, err
	}

	syn := sv.reporter.Synthesize(ctx, s)
	if syn == nil {
		syn = &model.SynthesisResult{Status: model.AgentError, Error: "no report", Timestamp: sv.now().UTC()}
	}
	s.Synthesis = syn
	if syn.Status != model.AgentSuccess {
		return s.WithError("Report generation failed: "+syn.Error, sv.now()), nil
	}
	return sv.mark(ctx, s, checkpoint.ReportGenerationCompleted)
}

func (sv *Supervisor) finalization(ctx context.Context, s model.ResearchState) (model.ResearchState, error) {
	s, err := sv.mark(ctx, s, checkpoint.FinalReportDelivered)
	if err != nil {
		return s, err
	}
	if len(s.Errors) > 0 {
		s.Status = model.StatusFailed
		s.CurrentStep = model.StepFailed
		return s, nil
	}
	s.Status = model.StatusCompleted
	s.CurrentStep = model.StepCompleted
	s.Progress = 100
	return s, nil
}

// label is the worker name as it appears at the start of an error message.
func label(k model.WorkerKind) string {
	return cases.Title(language.English).String(string(k))
}

// AsyncSupervisor runs workflows as futures on a scheduler.
type AsyncSupervisor struct {
	sv *Supervisor
	s  *execctx.Scheduler
}

// Async returns the non-blocking view of sv on s.
func Async(sv *Supervisor, s *execctx.Scheduler) *AsyncSupervisor {
	return &AsyncSupervisor{sv: sv, s: s}
}

// Run is Supervisor.Run.
func (a *AsyncSupervisor) Run(ctx context.Context, rc model.ResearchContext) *execctx.Future[model.ResearchState] {
	return execctx.Go(ctx, a.s, func(ctx context.Context) (model.ResearchState, error) {
		return a.sv.Run(ctx, rc)
	})
}
