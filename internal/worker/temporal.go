// Package worker runs research jobs in the background, either in-process on
// the worker scheduler or as Temporal workflows.
package worker

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	sdkworker "go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/market-research/internal/config"
	"github.com/sells-group/market-research/internal/execctx"
	"github.com/sells-group/market-research/internal/model"
)

const (
	// WorkflowName is the registered name of the research workflow.
	WorkflowName = "ResearchWorkflow"

	defaultTaskQueue       = "market-research"
	defaultActivityTimeout = 30 * time.Minute
)

// Executor runs one job to completion. *research.Service implements it.
type Executor interface {
	Execute(ctx context.Context, job model.Job) (*model.Outcome, error)
}

// WorkflowInput is the argument of ResearchWorkflow.
type WorkflowInput struct {
	Job             model.Job     `json:"job"`
	ActivityTimeout time.Duration `json:"activity_timeout"`
}

// Summary is what the workflow reports back.
type Summary struct {
	RequestID string       `json:"request_id"`
	Status    model.Status `json:"status,omitempty"`
	Skipped   bool         `json:"skipped,omitempty"`
}

// Activities holds the activity implementations registered on a worker.
// Jobs run on a worker scheduler, one at a time.
type Activities struct {
	exec  Executor
	sched *execctx.Scheduler
}

// NewActivities wraps exec for registration.
func NewActivities(exec Executor) *Activities {
	return &Activities{exec: exec, sched: execctx.NewWorker()}
}

// ExecuteResearch runs the whole pipeline for one job. Failures are
// persistence failures and are never retried.
func (a *Activities) ExecuteResearch(ctx context.Context, job model.Job) (*Summary, error) {
	out, err := execctx.Do(ctx, a.sched, func(ctx context.Context) (*model.Outcome, error) {
		return a.exec.Execute(ctx, job)
	})
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), "persistence", err)
	}
	if out == nil {
		return &Summary{RequestID: job.Context.RequestID, Skipped: true}, nil
	}
	return &Summary{RequestID: job.Context.RequestID, Status: out.Status}, nil
}

// ResearchWorkflow runs the research activity exactly once.
func ResearchWorkflow(ctx workflow.Context, in WorkflowInput) (*Summary, error) {
	timeout := in.ActivityTimeout
	if timeout <= 0 {
		timeout = defaultActivityTimeout
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	logger := workflow.GetLogger(ctx)
	logger.Info("research workflow started", "request_id", in.Job.Context.RequestID)

	var a *Activities
	var out Summary
	if err := workflow.ExecuteActivity(ctx, a.ExecuteResearch, in.Job).Get(ctx, &out); err != nil {
		logger.Error("research activity failed", "request_id", in.Job.Context.RequestID, "error", err)
		return nil, err
	}

	logger.Info("research workflow finished", "request_id", out.RequestID, "status", string(out.Status))
	return &out, nil
}

// Dial connects to the Temporal frontend with logging bridged onto zap.
func Dial(cfg config.WorkerConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalHost,
		Namespace: cfg.TemporalNamespace,
		Logger:    NewLogger(zap.L()),
	})
	if err != nil {
		return nil, eris.Wrap(err, "worker: dial temporal")
	}
	return c, nil
}

func taskQueue(cfg config.WorkerConfig) string {
	if cfg.TaskQueue == "" {
		return defaultTaskQueue
	}
	return cfg.TaskQueue
}

func activityTimeout(cfg config.WorkerConfig) time.Duration {
	if cfg.ActivityTimeoutMins <= 0 {
		return defaultActivityTimeout
	}
	return time.Duration(cfg.ActivityTimeoutMins) * time.Minute
}

// NewTemporalWorker builds a worker that executes one research activity
// at a time.
func NewTemporalWorker(c client.Client, cfg config.WorkerConfig, exec Executor) sdkworker.Worker {
	w := sdkworker.New(c, taskQueue(cfg), sdkworker.Options{
		MaxConcurrentActivityExecutionSize: 1,
	})
	w.RegisterWorkflowWithOptions(ResearchWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivity(NewActivities(exec))
	return w
}

// TemporalDispatcher starts one workflow per submitted job.
type TemporalDispatcher struct {
	client    client.Client
	taskQueue string
	timeout   time.Duration
}

// NewTemporalDispatcher creates a dispatcher on c.
func NewTemporalDispatcher(c client.Client, cfg config.WorkerConfig) *TemporalDispatcher {
	return &TemporalDispatcher{client: c, taskQueue: taskQueue(cfg), timeout: activityTimeout(cfg)}
}

// Dispatch starts the workflow for job. The request id is the workflow id,
// so a duplicate dispatch is rejected by Temporal.
func (d *TemporalDispatcher) Dispatch(ctx context.Context, job model.Job) error {
	_, err := d.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        job.Context.RequestID,
		TaskQueue: d.taskQueue,
	}, WorkflowName, WorkflowInput{Job: job, ActivityTimeout: d.timeout})
	if err != nil {
		return eris.Wrapf(err, "worker: start workflow %s", job.Context.RequestID)
	}
	zap.L().Info("worker: workflow started",
		zap.String("request_id", job.Context.RequestID),
		zap.String("task_queue", d.taskQueue),
	)
	return nil
}
