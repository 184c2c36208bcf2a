package search

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/market-research/internal/resilience"
)

// Guarded short-circuits calls to a failing provider. Permanent errors and
// cancellations do not count against the breaker.
type Guarded struct {
	next    Provider
	breaker *resilience.Breaker
}

// Guard wraps p with b.
func Guard(p Provider, b *resilience.Breaker) *Guarded {
	return &Guarded{next: p, breaker: b}
}

// GuardConfig fills in provider defaults on a breaker configuration.
func GuardConfig(cfg resilience.BreakerConfig) resilience.BreakerConfig {
	if cfg.Counts == nil {
		cfg.Counts = resilience.NotPermanent
	}
	if cfg.OnTransition == nil {
		cfg.OnTransition = func(from, to resilience.BreakerState) {
			zap.L().Warn("search: circuit breaker transition",
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}
	}
	return cfg
}

func (g *Guarded) Search(ctx context.Context, query, depth string, maxResults int) ([]Result, error) {
	return resilience.CallValue(ctx, g.breaker, func(ctx context.Context) ([]Result, error) {
		return g.next.Search(ctx, query, depth, maxResults)
	})
}

func (g *Guarded) Extract(ctx context.Context, urls []string, depth string) ([]Extracted, error) {
	return resilience.CallValue(ctx, g.breaker, func(ctx context.Context) ([]Extracted, error) {
		return g.next.Extract(ctx, urls, depth)
	})
}

// State reports the breaker position.
func (g *Guarded) State() resilience.BreakerState {
	return g.breaker.State()
}
