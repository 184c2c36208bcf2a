// Package ledger is the billing ledger: monthly balances per user, atomic
// deductions tied to completed work, and a cached balance for quota reads.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-research/internal/cache"
	"github.com/sells-group/market-research/internal/config"
	"github.com/sells-group/market-research/internal/cost"
	"github.com/sells-group/market-research/internal/model"
	"github.com/sells-group/market-research/internal/store"
)

// ErrInsufficientCredits is returned when a deduction exceeds the balance.
var ErrInsufficientCredits = eris.New("ledger: insufficient credits")

// Ledger deducts and adds credits against the durable ledger store. The
// cache only accelerates balance reads; deductions always go to the store.
type Ledger struct {
	store store.LedgerStore
	cache *cache.Cache
	calc  *cost.Calculator

	initial    int
	limit      int
	balanceTTL time.Duration

	now func() time.Time
}

// New builds a Ledger.
func New(s store.LedgerStore, c *cache.Cache, calc *cost.Calculator, cfg config.BillingConfig) *Ledger {
	ttl := time.Duration(cfg.BalanceCacheTTLSecs) * time.Second
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Ledger{
		store:      s,
		cache:      c,
		calc:       calc,
		initial:    cfg.InitialCredits,
		limit:      cfg.MonthlyLimit,
		balanceTTL: ttl,
		now:        time.Now,
	}
}

// Calculator returns the cost model the ledger charges with.
func (l *Ledger) Calculator() *cost.Calculator { return l.calc }

func (l *Ledger) entry(userID string, amount int, requestID string, depth model.Depth, desc string) model.LedgerEntry {
	return model.LedgerEntry{
		UserID:         userID,
		Amount:         amount,
		RequestID:      requestID,
		Depth:          depth,
		Description:    desc,
		InitialBalance: l.initial,
		MonthlyLimit:   l.limit,
		At:             l.now().UTC(),
	}
}

// Deduct removes amount credits from the user's current balance. A
// deduction larger than the balance changes nothing and returns the
// rejected result together with ErrInsufficientCredits. A zero amount is
// a no-op.
func (l *Ledger) Deduct(ctx context.Context, userID string, amount int, requestID string, depth model.Depth) (*model.LedgerResult, error) {
	log := zap.L().With(
		zap.String("user_id", userID),
		zap.String("request_id", requestID),
		zap.Int("amount", amount),
	)
	if amount == 0 {
		log.Debug("ledger: nothing to deduct")
		return &model.LedgerResult{Success: true}, nil
	}

	res, err := l.store.ApplyDeduction(ctx, l.entry(userID, amount, requestID, depth, "research "+string(depth)))
	if err != nil {
		return nil, eris.Wrap(err, "ledger: deduct")
	}
	if !res.Success {
		log.Warn("ledger: deduction rejected", zap.Int("balance", res.BalanceAfter))
		return res, eris.Wrapf(ErrInsufficientCredits, "ledger: balance %d, need %d", res.BalanceAfter, amount)
	}

	l.invalidate(ctx, userID)
	log.Info("ledger: credits deducted",
		zap.String("transaction_id", res.TransactionID),
		zap.Int("balance_after", res.BalanceAfter),
	)
	return res, nil
}

// Add credits the user's current balance.
func (l *Ledger) Add(ctx context.Context, userID string, amount int, description string) (*model.LedgerResult, error) {
	res, err := l.store.ApplyCredit(ctx, l.entry(userID, amount, "", "", description))
	if err != nil {
		return nil, eris.Wrap(err, "ledger: add")
	}
	l.invalidate(ctx, userID)
	zap.L().Info("ledger: credits added",
		zap.String("user_id", userID),
		zap.Int("amount", amount),
		zap.Int("balance_after", res.BalanceAfter),
	)
	return res, nil
}

// Charge bills a finished run from the checkpoints it completed.
func (l *Ledger) Charge(ctx context.Context, rc model.ResearchContext, completed []string) (*model.LedgerResult, cost.Breakdown, error) {
	b := l.calc.ForCheckpoints(rc.Depth, completed)
	res, err := l.Deduct(ctx, rc.UserID, b.Total, rc.RequestID, rc.Depth)
	return res, b, err
}

// Account returns the user's balance record for the current period,
// opening a default-funded one if needed.
func (l *Ledger) Account(ctx context.Context, userID string) (*model.CreditBalance, error) {
	b, err := l.store.EnsureBalance(ctx, userID, model.MonthYear(l.now()), l.initial, l.limit)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: account %s", userID)
	}
	return b, nil
}

// Balance returns the current balance, served from the cache when
// possible. A user without an account this period sees the opening
// balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	key := cache.BalanceKey(userID)
	if n, ok, err := l.cache.GetInt(ctx, key); err != nil {
		zap.L().Warn("ledger: balance cache read failed", zap.String("user_id", userID), zap.Error(err))
	} else if ok {
		return n, nil
	}

	// The version is read before the store so a change that lands in
	// between keeps this read out of the cache.
	version, verr := l.cache.Version(ctx, cache.BalanceVersionKey(userID))

	balance := l.initial
	b, err := l.store.GetBalance(ctx, userID, model.MonthYear(l.now()))
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return 0, eris.Wrapf(err, "ledger: balance %s", userID)
	default:
		balance = b.CurrentBalance
	}

	if verr != nil {
		return balance, nil
	}
	stored, err := l.cache.SetIntIfVersion(ctx, key, cache.BalanceVersionKey(userID), version, balance, l.balanceTTL)
	if err != nil {
		zap.L().Warn("ledger: balance cache write failed", zap.String("user_id", userID), zap.Error(err))
	} else if !stored {
		zap.L().Debug("ledger: balance changed during read, not cached", zap.String("user_id", userID))
	}
	return balance, nil
}

// Check reports whether the cached balance covers a full run at depth.
// It is advisory; the deduction after the run is authoritative.
func (l *Ledger) Check(ctx context.Context, userID string, depth model.Depth) (ok bool, balance, required int, err error) {
	balance, err = l.Balance(ctx, userID)
	if err != nil {
		return false, 0, 0, err
	}
	required = l.calc.Estimate(depth)
	return balance >= required, balance, required, nil
}

// Quota reports how many full runs the balance still covers per depth.
func (l *Ledger) Quota(ctx context.Context, userID string) (*model.Quota, error) {
	balance, err := l.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	q := &model.Quota{
		UserID:            userID,
		Balance:           balance,
		CostPerSearch:     make(map[model.Depth]int, 3),
		SearchesRemaining: make(map[model.Depth]int, 3),
	}
	for _, d := range model.Depths() {
		c := l.calc.Estimate(d)
		q.CostPerSearch[d] = c
		if c > 0 {
			q.SearchesRemaining[d] = balance / c
		}
	}
	return q, nil
}

// History lists the user's most recent transactions.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]model.CreditTransaction, error) {
	txns, err := l.store.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: history %s", userID)
	}
	return txns, nil
}

func (l *Ledger) invalidate(ctx context.Context, userID string) {
	if err := l.cache.Bump(ctx, cache.BalanceVersionKey(userID), 24*time.Hour); err != nil {
		zap.L().Warn("ledger: balance version bump failed", zap.String("user_id", userID), zap.Error(err))
	}
	if err := l.cache.Delete(ctx, cache.BalanceKey(userID)); err != nil {
		zap.L().Warn("ledger: balance cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
	}
}
