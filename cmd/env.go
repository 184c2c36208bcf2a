package main

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-research/internal/agent"
	"github.com/sells-group/market-research/internal/cache"
	"github.com/sells-group/market-research/internal/checkpoint"
	"github.com/sells-group/market-research/internal/cost"
	"github.com/sells-group/market-research/internal/ledger"
	"github.com/sells-group/market-research/internal/model"
	"github.com/sells-group/market-research/internal/research"
	"github.com/sells-group/market-research/internal/search"
	"github.com/sells-group/market-research/internal/store"
	"github.com/sells-group/market-research/internal/supervisor"
	anthropicpkg "github.com/sells-group/market-research/pkg/anthropic"
)

func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// appEnv holds the collaborators a command wires together.
type appEnv struct {
	Store   store.Store
	Cache   *cache.Cache
	Tracker *checkpoint.Tracker
	Ledger  *ledger.Ledger
	Service *research.Service
}

// initEnv opens the store and cache and builds the ledger and tracker.
// When withPipeline is set it also builds the search provider, Claude
// completer, agents and supervisor behind the research service; otherwise
// the service can read and submit but not execute.
func initEnv(ctx context.Context, withPipeline bool) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	c, err := cache.New(ctx, cfg.Redis)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	env := &appEnv{
		Store:   st,
		Cache:   c,
		Tracker: checkpoint.NewTracker(c, st, cfg.Tracker),
		Ledger:  ledger.New(st, c, cost.FromConfig(cfg.Billing), cfg.Billing),
	}

	var runner research.Runner = unavailableRunner{}
	if withPipeline {
		sv, err := env.supervisor()
		if err != nil {
			env.Close()
			return nil, err
		}
		runner = sv
	}
	env.Service = research.New(st, env.Tracker, env.Ledger, runner)
	return env, nil
}

func (e *appEnv) supervisor() (*supervisor.Supervisor, error) {
	provider, err := search.New(cfg)
	if err != nil {
		return nil, err
	}

	var planning, analysis, report agent.Completer
	if cfg.Pipeline.Mock {
		zap.L().Warn("pipeline: mock mode, no model or search calls are made")
		m := agent.NewMockCompleter()
		planning, analysis, report = m, m, m
	} else {
		// Retries happen in agent.Claude so they are logged and bounded once.
		client := anthropicpkg.NewClient(cfg.Anthropic.Key, option.WithMaxRetries(0))
		claude := agent.NewClaude(client, cfg.Anthropic)
		planning, analysis, report = claude.WithPhase("planning"), claude, claude.WithPhase("report")
	}
	timeouts := agent.TimeoutsFrom(cfg.Pipeline)

	return supervisor.New(
		agent.NewPlanner(planning, timeouts.LLM),
		agent.NewWorkers(provider, analysis, e.Tracker, timeouts),
		agent.NewReporter(report, timeouts.LLM),
		e.Tracker,
		cfg.Pipeline,
		supervisor.WithProgress(func(_ context.Context, s model.ResearchState) {
			zap.L().Debug("supervisor: step finished",
				zap.String("request_id", s.Context.RequestID),
				zap.String("step", string(s.CurrentStep)),
				zap.Int("progress", s.Progress),
				zap.Any("stream_metadata", s.StreamMetadata),
			)
		}),
	), nil
}

// Close releases the cache and store.
func (e *appEnv) Close() {
	if err := e.Cache.Close(); err != nil {
		zap.L().Warn("close cache", zap.Error(err))
	}
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

// unavailableRunner backs services that hand execution to a remote
// worker.
type unavailableRunner struct{}

func (unavailableRunner) Run(_ context.Context, rc model.ResearchContext) (model.ResearchState, error) {
	return model.NewResearchState(rc), eris.New("research pipeline is not configured in this process")
}
