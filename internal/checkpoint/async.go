package checkpoint

import (
	"context"

	"github.com/sells-group/market-research/internal/execctx"
	"github.com/sells-group/market-research/internal/model"
)

// AsyncTracker exposes the Tracker's operations as futures on a scheduler.
type AsyncTracker struct {
	t *Tracker
	s *execctx.Scheduler
}

// Async returns the non-blocking view of t on s.
func Async(t *Tracker, s *execctx.Scheduler) *AsyncTracker {
	return &AsyncTracker{t: t, s: s}
}

// Complete is Tracker.Complete.
func (a *AsyncTracker) Complete(ctx context.Context, requestID, name string) *execctx.Future[Mark] {
	return execctx.Go(ctx, a.s, func(ctx context.Context) (Mark, error) {
		return a.t.Complete(ctx, requestID, name)
	})
}

// Status is Tracker.Status.
func (a *AsyncTracker) Status(ctx context.Context, requestID string) *execctx.Future[*model.StatusProjection] {
	return execctx.Go(ctx, a.s, func(ctx context.Context) (*model.StatusProjection, error) {
		return a.t.Status(ctx, requestID)
	})
}

// CompleteTaskAtomic is Tracker.CompleteTaskAtomic.
func (a *AsyncTracker) CompleteTaskAtomic(ctx context.Context, requestID string, status model.Status, result any, errMsg string) *execctx.Future[struct{}] {
	return execctx.Go(ctx, a.s, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.t.CompleteTaskAtomic(ctx, requestID, status, result, errMsg)
	})
}
