package research

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-research/internal/agent"
	"github.com/sells-group/market-research/internal/checkpoint"
	"github.com/sells-group/market-research/internal/config"
	"github.com/sells-group/market-research/internal/model"
	"github.com/sells-group/market-research/internal/search"
	"github.com/sells-group/market-research/internal/supervisor"
)

// usePipeline swaps the canned runner for the real supervisor, agents and
// offline search provider over the env's tracker.
func (e *env) usePipeline(llm agent.Completer) {
	timeouts := agent.Timeouts{Search: 5 * time.Second, Extract: 5 * time.Second, LLM: 5 * time.Second}
	sv := supervisor.New(
		agent.NewPlanner(llm, timeouts.LLM),
		agent.NewWorkers(search.NewMock(), llm, e.tracker, timeouts),
		agent.NewReporter(llm, timeouts.LLM),
		e.tracker,
		config.PipelineConfig{AnalysisTimeoutSecs: 30, MaxSteps: 50},
	)
	e.run = sv.Run
}

func TestExecuteFullPipeline(t *testing.T) {
	e := newEnv(t)
	llm := agent.NewMockCompleter()
	e.usePipeline(llm)
	ctx := context.Background()

	task := e.submit(t, model.DepthBasic)
	out, err := e.svc.Execute(ctx, e.dispatcher.dispatched()[0])
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, model.StatusCompleted, out.Status)
	assert.Empty(t, out.Errors)
	assert.Equal(t, 15, out.Metadata.SourcesAnalyzed)
	assert.NotEmpty(t, out.FinalReport["executive_summary"])
	// plan, three analyses, report
	assert.Equal(t, int64(5), llm.Calls())

	completed, err := e.store.ListCheckpoints(ctx, task.RequestID)
	require.NoError(t, err)
	assert.ElementsMatch(t, checkpoint.All(), completed)

	stored, err := e.store.GetTask(ctx, task.RequestID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, stored.Status)

	balance, err := e.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 94, balance)
}

func TestExecutePipelineWorkerFailure(t *testing.T) {
	e := newEnv(t)
	mock := agent.NewMockCompleter()
	e.usePipeline(agent.CompleterFunc(func(ctx context.Context, system, user string) (string, error) {
		if strings.HasPrefix(system, "You are a market research analyst.") {
			return `{"error": "no usable market data"}`, nil
		}
		return mock.Complete(ctx, system, user)
	}))
	ctx := context.Background()

	task := e.submit(t, model.DepthBasic)
	out, err := e.svc.Execute(ctx, e.dispatcher.dispatched()[0])
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, model.StatusFailed, out.Status)
	require.NotEmpty(t, out.Errors)
	assert.Contains(t, strings.Join(out.Errors, "\n"), "Market analysis failed")
	assert.Nil(t, out.FinalReport)

	completed, err := e.store.ListCheckpoints(ctx, task.RequestID)
	require.NoError(t, err)
	assert.NotContains(t, completed, checkpoint.ReportGenerationStarted)
	assert.NotContains(t, completed, checkpoint.ReportGenerationCompleted)
	assert.NotContains(t, completed, checkpoint.For(model.WorkerMarket, checkpoint.AnalysisCompleted))
	assert.Contains(t, completed, checkpoint.For(model.WorkerCompetitor, checkpoint.AnalysisCompleted))
	assert.Contains(t, completed, checkpoint.FinalReportDelivered)

	stored, err := e.store.GetTask(ctx, task.RequestID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "analysis failed")

	// search and extraction finished, analysis and report did not
	balance, err := e.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 94, balance)
}
