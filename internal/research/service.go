// Package research owns the request lifecycle: submission, background
// execution, status and result reads, abort, rerun and task listing.
package research

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/market-research/internal/checkpoint"
	"github.com/sells-group/market-research/internal/ledger"
	"github.com/sells-group/market-research/internal/model"
	"github.com/sells-group/market-research/internal/store"
)

var (
	// ErrValidation is returned for a malformed or unsafe request.
	ErrValidation = eris.New("research: invalid request")
	// ErrConflict is returned when the task is in the wrong state for the
	// operation.
	ErrConflict = eris.New("research: conflicting task state")
)

// Request is a research submission.
type Request struct {
	ProductIdea string      `json:"product_idea" validate:"required,min=10,max=2000"`
	Depth       model.Depth `json:"research_depth" validate:"required,oneof=basic standard comprehensive"`
	UserID      string      `json:"user_id" validate:"required,max=128"`
}

// Runner drives one request through the workflow. *supervisor.Supervisor
// implements it.
type Runner interface {
	Run(ctx context.Context, rc model.ResearchContext) (model.ResearchState, error)
}

// Dispatcher hands a submitted job to the background execution context.
type Dispatcher interface {
	Dispatch(ctx context.Context, job model.Job) error
}

// Service is the request lifecycle over the task store, the tracker and
// the ledger.
type Service struct {
	tasks      store.TaskStore
	tracker    *checkpoint.Tracker
	ledger     *ledger.Ledger
	runner     Runner
	dispatcher Dispatcher
	validate   *validator.Validate
	now        func() time.Time
}

// New creates a Service. A dispatcher must be set with SetDispatcher
// before Submit is used.
func New(tasks store.TaskStore, t *checkpoint.Tracker, l *ledger.Ledger, r Runner) *Service {
	return &Service{
		tasks:    tasks,
		tracker:  t,
		ledger:   l,
		runner:   r,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// SetDispatcher sets where submitted jobs go. Dispatchers usually need the
// Service to execute jobs, so they are attached after construction.
func (s *Service) SetDispatcher(d Dispatcher) { s.dispatcher = d }

// NewRequestID returns an id of the form research_YYYYMMDD_HHMMSS_<8 hex>.
func NewRequestID(now time.Time) string {
	return "research_" + now.UTC().Format("20060102_150405") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Normalize canonicalises a request and validates it. The returned error
// wraps ErrValidation.
func (s *Service) Normalize(req Request) (Request, error) {
	req.ProductIdea = strings.TrimSpace(norm.NFKC.String(req.ProductIdea))
	req.UserID = strings.TrimSpace(req.UserID)
	if req.Depth == "" {
		req.Depth = model.DepthStandard
	}

	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return req, eris.Wrapf(ErrValidation, "%s failed %q", jsonField(fe.Field()), fe.Tag())
		}
		return req, eris.Wrap(ErrValidation, err.Error())
	}
	if strings.IndexFunc(req.ProductIdea, disallowed) >= 0 {
		return req, eris.Wrap(ErrValidation, "product_idea contains control characters")
	}
	return req, nil
}

func disallowed(r rune) bool {
	return unicode.IsControl(r) && r != '\n' && r != '\t'
}

func jsonField(name string) string {
	switch name {
	case "ProductIdea":
		return "product_idea"
	case "Depth":
		return "research_depth"
	case "UserID":
		return "user_id"
	default:
		return name
	}
}

// Submit validates req, records a pending task and dispatches it. The
// credit check here is advisory; billing happens after the run.
func (s *Service) Submit(ctx context.Context, req Request) (*model.Task, error) {
	req, err := s.Normalize(req)
	if err != nil {
		return nil, err
	}
	if s.dispatcher == nil {
		return nil, eris.New("research: no dispatcher configured")
	}

	ok, balance, required, err := s.ledger.Check(ctx, req.UserID, req.Depth)
	if err != nil {
		return nil, eris.Wrap(err, "research: credit check")
	}
	if !ok {
		return nil, eris.Wrapf(ledger.ErrInsufficientCredits, "research: balance %d, %s research needs %d", balance, req.Depth, required)
	}

	now := s.now().UTC()
	rc := model.NewResearchContext(NewRequestID(now), req.UserID, req.ProductIdea, req.Depth, now)
	task := &model.Task{
		RequestID:       rc.RequestID,
		UserID:          rc.UserID,
		ProductIdea:     rc.ProductIdea,
		Depth:           rc.Depth,
		MaxSources:      rc.MaxSources,
		Status:          model.StatusPending,
		CreditsRequired: required,
		CreatedAt:       now,
	}
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return nil, eris.Wrap(err, "research: create task")
	}

	log := zap.L().With(zap.String("request_id", rc.RequestID), zap.String("user_id", rc.UserID))
	if err := s.dispatcher.Dispatch(ctx, model.Job{Context: rc}); err != nil {
		log.Error("research: dispatch failed", zap.Error(err))
		if cerr := s.tasks.CompleteTask(ctx, rc.RequestID, model.StatusFailed, nil, "dispatch failed: "+err.Error(), s.now()); cerr != nil {
			log.Error("research: mark undispatched task failed", zap.Error(cerr))
		}
		return nil, eris.Wrap(err, "research: dispatch")
	}

	log.Info("research: submitted", zap.String("depth", string(rc.Depth)), zap.Int("credits_required", required))
	return task, nil
}

// Execute runs a dispatched job to completion and bills it. Tasks that
// already ended, for example aborted while pending, are skipped and return
// a nil outcome. Errors are persistence failures and are fatal.
func (s *Service) Execute(ctx context.Context, job model.Job) (*model.Outcome, error) {
	rc := job.Context
	log := zap.L().With(zap.String("request_id", rc.RequestID))

	task, err := s.tasks.GetTask(ctx, rc.RequestID)
	if err != nil {
		return nil, eris.Wrap(err, "research: load task")
	}
	if task.Status.Terminal() {
		log.Info("research: task already finished, skipping", zap.String("status", string(task.Status)))
		return nil, nil
	}

	if err := s.tracker.Initialize(ctx, rc.RequestID); err != nil {
		s.fatal(log, "initialize tracking", err)
		return nil, eris.Wrap(err, "research: initialize")
	}
	if err := s.tasks.UpdateTaskStatus(ctx, rc.RequestID, model.StatusProcessing); err != nil {
		s.fatal(log, "mark processing", err)
		return nil, eris.Wrap(err, "research: mark processing")
	}

	state, runErr := s.runner.Run(ctx, rc)
	if runErr != nil {
		s.fatal(log, "workflow", runErr)
	}

	outcome := model.NewOutcome(state, s.now().UTC())
	if err := s.tracker.CompleteTaskAtomic(ctx, rc.RequestID, state.Status, outcome, lastError(state.Errors)); err != nil {
		return &outcome, eris.Wrap(err, "research: complete task")
	}

	completed, err := s.tasks.ListCheckpoints(ctx, rc.RequestID)
	if err != nil {
		s.fatal(log, "read checkpoints for billing", err)
		return &outcome, eris.Wrap(err, "research: billing checkpoints")
	}
	res, breakdown, err := s.ledger.Charge(ctx, rc, completed)
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		log.Warn("research: run not billed, balance too low", zap.Int("owed", breakdown.Total))
	case err != nil:
		s.fatal(log, "charge", err)
		return &outcome, eris.Wrap(err, "research: charge")
	default:
		log.Info("research: run billed",
			zap.Int("credits", breakdown.Total),
			zap.Int("balance_after", res.BalanceAfter),
			zap.String("status", string(state.Status)),
		)
	}

	if runErr != nil {
		return &outcome, eris.Wrap(runErr, "research: run")
	}
	return &outcome, nil
}

func (s *Service) fatal(log *zap.Logger, op string, err error) {
	log.Error("research: "+op+" failed",
		zap.Bool("fatal", true),
		zap.String("failure_class", "persistence"),
		zap.Error(err),
	)
}

func lastError(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	return errs[len(errs)-1]
}

// Status returns the cached status projection, rebuilding it from the task
// store when the cache has none.
func (s *Service) Status(ctx context.Context, requestID string) (*model.StatusProjection, error) {
	p, err := s.tracker.Status(ctx, requestID)
	if err != nil {
		zap.L().Warn("research: cached status unavailable", zap.String("request_id", requestID), zap.Error(err))
	} else if p != nil {
		return p, nil
	}

	task, err := s.tasks.GetTask(ctx, requestID)
	if err != nil {
		return nil, eris.Wrap(err, "research: status")
	}
	p = Projection(task)
	if err := s.tracker.Prime(ctx, *p); err != nil {
		zap.L().Warn("research: status cache prime failed", zap.String("request_id", requestID), zap.Error(err))
	}
	return p, nil
}

// Projection derives the status view of a task from its durable record.
func Projection(t *model.Task) *model.StatusProjection {
	n := len(t.CompletedCheckpoints)
	p := &model.StatusProjection{
		RequestID:            t.RequestID,
		Status:               t.Status,
		Progress:             checkpoint.Progress(n),
		CompletedCheckpoints: n,
		Error:                t.Error,
		LastUpdated:          t.UpdatedAt,
	}
	switch {
	case t.Status.Terminal():
		p.CurrentStep = model.ProjectionFinalized
	case n > 0:
		p.CurrentStep = model.ProjectionProcessing
	default:
		p.CurrentStep = model.ProjectionInitializing
	}
	if t.Status == model.StatusCompleted {
		p.Progress = 100
	}
	return p
}

// Result returns the outcome payload of a finished request.
func (s *Service) Result(ctx context.Context, requestID string) (json.RawMessage, error) {
	raw, found, err := s.tracker.Result(ctx, requestID)
	if err != nil {
		zap.L().Warn("research: cached result unavailable", zap.String("request_id", requestID), zap.Error(err))
	} else if found {
		return raw, nil
	}

	task, err := s.tasks.GetTask(ctx, requestID)
	if err != nil {
		return nil, eris.Wrap(err, "research: result")
	}
	if !task.Status.Terminal() {
		return nil, eris.Wrapf(ErrConflict, "research: %s is still %s", requestID, task.Status)
	}
	if len(task.Result) == 0 {
		return nil, eris.Wrapf(store.ErrNotFound, "research: no result for %s", requestID)
	}
	return task.Result, nil
}

// Abort asks a running request to stop. A request that has not started
// is ended immediately.
func (s *Service) Abort(ctx context.Context, requestID string) error {
	task, err := s.tasks.GetTask(ctx, requestID)
	if err != nil {
		return eris.Wrap(err, "research: abort")
	}
	if task.Status.Terminal() {
		return eris.Wrapf(ErrConflict, "research: %s already %s", requestID, task.Status)
	}

	if err := s.tracker.RequestAbort(ctx, requestID); err != nil {
		return eris.Wrap(err, "research: abort")
	}
	if task.Status == model.StatusPending {
		if err := s.tracker.CompleteTaskAtomic(ctx, requestID, model.StatusAborted, nil, "aborted before start"); err != nil {
			return eris.Wrap(err, "research: abort pending task")
		}
	}
	zap.L().Info("research: abort requested", zap.String("request_id", requestID), zap.String("status", string(task.Status)))
	return nil
}

// Rerun submits a new request with the parameters of requestID.
func (s *Service) Rerun(ctx context.Context, requestID string) (*model.Task, error) {
	task, err := s.tasks.GetTask(ctx, requestID)
	if err != nil {
		return nil, eris.Wrap(err, "research: rerun")
	}
	return s.Submit(ctx, Request{ProductIdea: task.ProductIdea, Depth: task.Depth, UserID: task.UserID})
}

// Get returns the task record for requestID.
func (s *Service) Get(ctx context.Context, requestID string) (*model.Task, error) {
	task, err := s.tasks.GetTask(ctx, requestID)
	return task, eris.Wrap(err, "research: get")
}

// List returns task records matching filter, newest first.
func (s *Service) List(ctx context.Context, filter model.TaskFilter) ([]model.Task, error) {
	tasks, err := s.tasks.ListTasks(ctx, filter)
	return tasks, eris.Wrap(err, "research: list")
}

// Delete hides a task from reads. A request still in flight is asked to
// abort first.
func (s *Service) Delete(ctx context.Context, requestID string) error {
	task, err := s.tasks.GetTask(ctx, requestID)
	if err != nil {
		return eris.Wrap(err, "research: delete")
	}
	if !task.Status.Terminal() {
		if err := s.tracker.RequestAbort(ctx, requestID); err != nil {
			zap.L().Warn("research: abort before delete failed", zap.String("request_id", requestID), zap.Error(err))
		}
	}
	return eris.Wrap(s.tasks.DeleteTask(ctx, requestID), "research: delete")
}
