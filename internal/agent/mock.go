package agent

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sells-group/market-research/internal/model"
)

// MockCompleter answers every prompt this package sends with a canned,
// well-formed reply. It lets the whole pipeline run offline.
type MockCompleter struct {
	calls atomic.Int64
}

// NewMockCompleter creates a MockCompleter.
func NewMockCompleter() *MockCompleter { return &MockCompleter{} }

// Calls reports how many completions were served.
func (m *MockCompleter) Calls() int64 { return m.calls.Load() }

// Complete routes on the system prompt.
func (m *MockCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n := m.calls.Add(1)

	var reply any
	kind := "unknown"
	switch {
	case system == plannerSystem:
		kind = "plan"
		reply = mockPlan(ideaFrom(user))
	case strings.Contains(system, "product-market fit report"):
		kind = "report"
		reply = mockReport
	default:
		for k, f := range workerFocus {
			if strings.HasPrefix(system, "You are a "+f.role+".") {
				kind = string(k)
				reply = mockAnalyses[k]
				break
			}
		}
	}
	if reply == nil {
		reply = map[string]any{"error": "no canned reply for this prompt"}
	}
	zap.L().Debug("agent: mock completion", zap.String("kind", kind), zap.Int64("call", n))

	b, err := json.Marshal(reply)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ideaFrom recovers the quoted idea from the planner prompt.
func ideaFrom(user string) string {
	_, quoted, ok := strings.Cut(user, ": ")
	if !ok {
		return user
	}
	idea, err := strconv.Unquote(quoted)
	if err != nil {
		return quoted
	}
	return idea
}

var mockSectors = []struct {
	keywords []string
	sector   string
}{
	{[]string{"ai", "software", "app", "saas", "platform"}, "technology"},
	{[]string{"coffee", "espresso", "food", "meal", "drink"}, "food and beverage"},
	{[]string{"health", "fitness", "medical", "wellness"}, "healthcare"},
	{[]string{"bank", "payment", "finance", "invest"}, "financial services"},
}

func mockSector(idea string) string {
	words := strings.Fields(strings.ToLower(idea))
	for _, s := range mockSectors {
		for _, w := range words {
			for _, kw := range s.keywords {
				if strings.Trim(w, ".,!?") == kw {
					return s.sector
				}
			}
		}
	}
	return "consumer products"
}

func mockPlan(idea string) planReply {
	valid := true
	return planReply{
		Valid:           &valid,
		Sector:          mockSector(idea),
		MarketQuery:     idea + " market size growth trends",
		CompetitorQuery: idea + " competitors comparison",
		CustomerQuery:   idea + " customer needs reviews",
	}
}

var mockAnalyses = map[model.WorkerKind]map[string]any{
	model.WorkerMarket: {
		"market_size":          map[string]any{"current": "$4.2B", "projected": "$6.8B by 2030"},
		"growth_rate":          "8.4% CAGR",
		"key_trends":           []string{"subscription models", "refurbished hardware", "remote work"},
		"drivers":              []string{"cost pressure", "sustainability"},
		"challenges":           []string{"logistics cost", "maintenance"},
		"opportunities":        []string{"small offices", "co-working spaces"},
		"regulatory_landscape": "Light; consumer protection for subscriptions applies.",
		"technology_impact":    "Connected devices enable usage-based billing.",
		"future_outlook":       "Steady growth with consolidation among providers.",
		"key_insights":         []string{"mock market analysis"},
		"citations":            []any{},
	},
	model.WorkerCompetitor: {
		"top_competitors":       []string{"Acme Brew Club", "CafeFleet"},
		"market_leaders":        []string{"Acme Brew Club"},
		"emerging_players":      []string{"ReBean"},
		"competitive_landscape": "Fragmented, regional players.",
		"key_differentiators":   []string{"service response time", "machine quality"},
		"pricing_trends":        "Monthly plans between $29 and $99.",
		"funding_trends":        "Seed rounds under $5M.",
		"market_gaps":           []string{"certified refurbishment"},
		"citations":             []any{},
	},
	model.WorkerCustomer: {
		"customer_segments":    []string{"home baristas", "small offices"},
		"pain_points":          []string{"upfront cost", "repairs"},
		"unmet_needs":          []string{"predictable maintenance"},
		"buying_criteria":      []string{"price", "reliability"},
		"satisfaction_drivers": []string{"fast swaps"},
		"feature_priorities":   []string{"free servicing", "flexible cancellation"},
		"sentiment_summary":    "Positive when maintenance is included.",
		"citations":            []any{},
	},
}

var mockReport = map[string]any{
	"mock":                  true,
	"executive_summary":     "Mock report: a viable niche with steady demand and fragmented competition.",
	"market_insights":       map[string]any{"growth_rate": "8.4% CAGR"},
	"competitive_landscape": map[string]any{"leader": "Acme Brew Club"},
	"customer_insights":     map[string]any{"top_pain_point": "repairs"},
	"pmf_assessment": map[string]any{
		"product_fit_score":    "7/10",
		"key_risks":            []string{"logistics cost"},
		"market_opportunities": []string{"small offices"},
	},
	"strategic_recommendations": map[string]any{
		"immediate_actions": []string{"pilot with ten offices"},
		"market_entry":      []string{"start regional"},
		"success_metrics":   []string{"churn under 3%"},
	},
	"key_insights": []string{"maintenance is the wedge"},
	"next_steps":   []string{"validate pricing"},
}
