package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/market-research/internal/execctx"
	"github.com/sells-group/market-research/internal/model"
)

// LocalDispatcher runs jobs in-process on a worker scheduler, one at a
// time.
type LocalDispatcher struct {
	base  context.Context
	exec  Executor
	sched *execctx.Scheduler
}

// NewLocal creates a dispatcher whose jobs run under base rather than the
// submitting request's context, which ends as soon as the request returns.
func NewLocal(base context.Context, exec Executor, sched *execctx.Scheduler) *LocalDispatcher {
	return &LocalDispatcher{base: base, exec: exec, sched: sched}
}

// Dispatch queues job and returns immediately.
func (d *LocalDispatcher) Dispatch(_ context.Context, job model.Job) error {
	execctx.Go(d.base, d.sched, func(ctx context.Context) (struct{}, error) {
		log := zap.L().With(zap.String("request_id", job.Context.RequestID))
		out, err := d.exec.Execute(ctx, job)
		if err != nil {
			log.Error("worker: job failed", zap.Error(err))
			return struct{}{}, err
		}
		if out != nil {
			log.Info("worker: job finished", zap.String("status", string(out.Status)))
		}
		return struct{}{}, nil
	})
	return nil
}

// Wait blocks until every queued job has finished or ctx ends.
func (d *LocalDispatcher) Wait(ctx context.Context) error {
	return d.sched.Wait(ctx)
}
