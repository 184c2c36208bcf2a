package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/market-research/internal/checkpoint"
	"github.com/sells-group/market-research/internal/config"
	"github.com/sells-group/market-research/internal/model"
)

func TestEstimate(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(DefaultPrices())

	assert.Equal(t, 6, calc.Estimate(model.DepthBasic))
	assert.Equal(t, 12, calc.Estimate(model.DepthStandard))
	assert.Equal(t, 18, calc.Estimate(model.DepthComprehensive))
	assert.Equal(t, 0, calc.Estimate(model.Depth("deep")))
}

func TestForCheckpoints(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(DefaultPrices())

	market := func(s checkpoint.Stage) string { return checkpoint.For(model.WorkerMarket, s) }

	tests := []struct {
		name      string
		depth     model.Depth
		completed []string
		want      Breakdown
	}{
		{
			name:      "fails before any search",
			depth:     model.DepthStandard,
			completed: []string{checkpoint.PlanCreated, checkpoint.QueriesGenerated},
			want:      Breakdown{Depth: model.DepthStandard},
		},
		{
			name:      "search started only",
			depth:     model.DepthBasic,
			completed: []string{checkpoint.PlanCreated, market(checkpoint.SearchStarted)},
			want:      Breakdown{Depth: model.DepthBasic, Search: 3, Total: 3},
		},
		{
			name:  "through extraction at standard",
			depth: model.DepthStandard,
			completed: []string{
				checkpoint.PlanCreated, checkpoint.QueriesGenerated,
				market(checkpoint.SearchStarted), market(checkpoint.SearchCompleted),
				market(checkpoint.ExtractionCompleted),
			},
			want: Breakdown{Depth: model.DepthStandard, Search: 6, Extract: 6, Total: 12},
		},
		{
			name:      "full run comprehensive",
			depth:     model.DepthComprehensive,
			completed: checkpoint.All(),
			want:      Breakdown{Depth: model.DepthComprehensive, Search: 6, Extract: 12, Total: 18},
		},
		{
			name:      "unknown names are not billed",
			depth:     model.DepthBasic,
			completed: []string{"rogue_search_completed"},
			want:      Breakdown{Depth: model.DepthBasic},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, calc.ForCheckpoints(tt.depth, tt.completed))
		})
	}
}

// Three workers reaching the search phase still pay for it once.
func TestForCheckpoints_ChargesOncePerPhase(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(DefaultPrices())

	var completed []string
	for _, k := range model.Workers() {
		completed = append(completed,
			checkpoint.For(k, checkpoint.SearchStarted),
			checkpoint.For(k, checkpoint.SearchCompleted),
			checkpoint.For(k, checkpoint.ExtractionCompleted),
		)
	}
	b := calc.ForCheckpoints(model.DepthBasic, completed)
	assert.Equal(t, 6, b.Total)
	assert.Equal(t, calc.Estimate(model.DepthBasic), b.Total)
}

func TestFromConfig(t *testing.T) {
	t.Parallel()
	calc := FromConfig(config.BillingConfig{Credits: map[string]config.PhaseCredits{
		"basic": {Search: 1, Extract: 2},
		"turbo": {Search: 50, Extract: 50},
	}})

	assert.Equal(t, PhasePrice{Search: 1, Extract: 2}, calc.Price(model.DepthBasic))
	assert.Equal(t, 12, calc.Estimate(model.DepthStandard))
	assert.Equal(t, 0, calc.Estimate(model.Depth("turbo")))
}
