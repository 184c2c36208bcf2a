package research

import (
	"context"
	"encoding/json"

	"github.com/sells-group/market-research/internal/execctx"
	"github.com/sells-group/market-research/internal/model"
)

// AsyncService exposes the Service's operations as futures on a scheduler.
type AsyncService struct {
	svc *Service
	s   *execctx.Scheduler
}

// Async returns the non-blocking view of svc on s.
func Async(svc *Service, s *execctx.Scheduler) *AsyncService {
	return &AsyncService{svc: svc, s: s}
}

// Submit is Service.Submit.
func (a *AsyncService) Submit(ctx context.Context, req Request) *execctx.Future[*model.Task] {
	return execctx.Go(ctx, a.s, func(ctx context.Context) (*model.Task, error) {
		return a.svc.Submit(ctx, req)
	})
}

// Execute is Service.Execute.
func (a *AsyncService) Execute(ctx context.Context, job model.Job) *execctx.Future[*model.Outcome] {
	return execctx.Go(ctx, a.s, func(ctx context.Context) (*model.Outcome, error) {
		return a.svc.Execute(ctx, job)
	})
}

// Status is Service.Status.
func (a *AsyncService) Status(ctx context.Context, requestID string) *execctx.Future[*model.StatusProjection] {
	return execctx.Go(ctx, a.s, func(ctx context.Context) (*model.StatusProjection, error) {
		return a.svc.Status(ctx, requestID)
	})
}

// Result is Service.Result.
func (a *AsyncService) Result(ctx context.Context, requestID string) *execctx.Future[json.RawMessage] {
	return execctx.Go(ctx, a.s, func(ctx context.Context) (json.RawMessage, error) {
		return a.svc.Result(ctx, requestID)
	})
}

// Abort is Service.Abort.
func (a *AsyncService) Abort(ctx context.Context, requestID string) *execctx.Future[struct{}] {
	return execctx.Go(ctx, a.s, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.svc.Abort(ctx, requestID)
	})
}

// Rerun is Service.Rerun.
func (a *AsyncService) Rerun(ctx context.Context, requestID string) *execctx.Future[*model.Task] {
	return execctx.Go(ctx, a.s, func(ctx context.Context) (*model.Task, error) {
		return a.svc.Rerun(ctx, requestID)
	})
}

// Get is Service.Get.
func (a *AsyncService) Get(ctx context.Context, requestID string) *execctx.Future[*model.Task] {
	return execctx.Go(ctx, a.s, func(ctx context.Context) (*model.Task, error) {
		return a.svc.Get(ctx, requestID)
	})
}

// List is Service.List.
func (a *AsyncService) List(ctx context.Context, filter model.TaskFilter) *execctx.Future[[]model.Task] {
	return execctx.Go(ctx, a.s, func(ctx context.Context) ([]model.Task, error) {
		return a.svc.List(ctx, filter)
	})
}

// Delete is Service.Delete.
func (a *AsyncService) Delete(ctx context.Context, requestID string) *execctx.Future[struct{}] {
	return execctx.Go(ctx, a.s, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.svc.Delete(ctx, requestID)
	})
}

// Search is Service.Search.
func (a *AsyncService) Search(ctx context.Context, userID, q string, limit int) *execctx.Future[[]model.SearchHit] {
	return execctx.Go(ctx, a.s, func(ctx context.Context) ([]model.SearchHit, error) {
		return a.svc.Search(ctx, userID, q, limit)
	})
}

// Suggestions is Service.Suggestions.
func (a *AsyncService) Suggestions(ctx context.Context, userID, partial string, limit int) *execctx.Future[[]model.Suggestion] {
	return execctx.Go(ctx, a.s, func(ctx context.Context) ([]model.Suggestion, error) {
		return a.svc.Suggestions(ctx, userID, partial, limit)
	})
}

// Report is Service.Report.
func (a *AsyncService) Report(ctx context.Context, requestID string) *execctx.Future[map[string]any] {
	return execctx.Go(ctx, a.s, func(ctx context.Context) (map[string]any, error) {
		return a.svc.Report(ctx, requestID)
	})
}
