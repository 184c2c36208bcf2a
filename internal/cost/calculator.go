// Package cost prices a research run in credits from the checkpoints it
// actually completed.
package cost

import (
	"github.com/sells-group/market-research/internal/checkpoint"
	"github.com/sells-group/market-research/internal/config"
	"github.com/sells-group/market-research/internal/model"
)

// PhasePrice is the credit price of each billable phase at one depth.
type PhasePrice struct {
	Search  int `json:"search"`
	Extract int `json:"extract"`
}

// Total is the price of a run that reaches both phases.
func (p PhasePrice) Total() int {
	return p.Search + p.Extract
}

// Breakdown itemises a charge.
type Breakdown struct {
	Depth   model.Depth `json:"research_depth"`
	Search  int         `json:"search"`
	Extract int         `json:"extract"`
	Total   int         `json:"total"`
}

// Calculator computes credit charges.
type Calculator struct {
	prices map[model.Depth]PhasePrice
}

// NewCalculator creates a Calculator with the given per-depth prices.
func NewCalculator(prices map[model.Depth]PhasePrice) *Calculator {
	return &Calculator{prices: prices}
}

// FromConfig builds a Calculator from billing settings, falling back to the
// default price for any depth the config leaves out.
func FromConfig(cfg config.BillingConfig) *Calculator {
	prices := DefaultPrices()
	for depth, pc := range cfg.Credits {
		d := model.Depth(depth)
		if d.Valid() {
			prices[d] = PhasePrice{Search: pc.Search, Extract: pc.Extract}
		}
	}
	return NewCalculator(prices)
}

// Price returns the phase prices for depth.
func (c *Calculator) Price(depth model.Depth) PhasePrice {
	return c.prices[depth]
}

// Estimate is the cost of a full run at depth.
func (c *Calculator) Estimate(depth model.Depth) int {
	return c.prices[depth].Total()
}

// ForCheckpoints charges each phase once if any of its checkpoints
// completed, however many workers reached it.
func (c *Calculator) ForCheckpoints(depth model.Depth, completed []string) Breakdown {
	price := c.prices[depth]
	phases := checkpoint.Phases(completed)

	b := Breakdown{Depth: depth}
	if phases[checkpoint.PhaseSearch] {
		b.Search = price.Search
	}
	if phases[checkpoint.PhaseExtraction] {
		b.Extract = price.Extract
	}
	b.Total = b.Search + b.Extract
	return b
}

// DefaultPrices returns the standard credit prices.
func DefaultPrices() map[model.Depth]PhasePrice {
	return map[model.Depth]PhasePrice{
		model.DepthBasic:         {Search: 3, Extract: 3},
		model.DepthStandard:      {Search: 6, Extract: 6},
		model.DepthComprehensive: {Search: 6, Extract: 12},
	}
}
