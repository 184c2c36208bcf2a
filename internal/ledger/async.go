package ledger

import (
	"context"

	"github.com/sells-group/market-research/internal/execctx"
	"github.com/sells-group/market-research/internal/model"
)

// AsyncLedger exposes the Ledger's operations as futures on a scheduler.
type AsyncLedger struct {
	l *Ledger
	s *execctx.Scheduler
}

// Async returns the non-blocking view of l on s.
func Async(l *Ledger, s *execctx.Scheduler) *AsyncLedger {
	return &AsyncLedger{l: l, s: s}
}

// Deduct is Ledger.Deduct.
func (a *AsyncLedger) Deduct(ctx context.Context, userID string, amount int, requestID string, depth model.Depth) *execctx.Future[*model.LedgerResult] {
	return execctx.Go(ctx, a.s, func(ctx context.Context) (*model.LedgerResult, error) {
		return a.l.Deduct(ctx, userID, amount, requestID, depth)
	})
}

// Add is Ledger.Add.
func (a *AsyncLedger) Add(ctx context.Context, userID string, amount int, description string) *execctx.Future[*model.LedgerResult] {
	return execctx.Go(ctx, a.s, func(ctx context.Context) (*model.LedgerResult, error) {
		return a.l.Add(ctx, userID, amount, description)
	})
}

// Account is Ledger.Account.
func (a *AsyncLedger) Account(ctx context.Context, userID string) *execctx.Future[*model.CreditBalance] {
	return execctx.Go(ctx, a.s, func(ctx context.Context) (*model.CreditBalance, error) {
		return a.l.Account(ctx, userID)
	})
}

// Quota is Ledger.Quota.
func (a *AsyncLedger) Quota(ctx context.Context, userID string) *execctx.Future[*model.Quota] {
	return execctx.Go(ctx, a.s, func(ctx context.Context) (*model.Quota, error) {
		return a.l.Quota(ctx, userID)
	})
}

// History is Ledger.History.
func (a *AsyncLedger) History(ctx context.Context, userID string, limit int) *execctx.Future[[]model.CreditTransaction] {
	return execctx.Go(ctx, a.s, func(ctx context.Context) ([]model.CreditTransaction, error) {
		return a.l.History(ctx, userID, limit)
	})
}
