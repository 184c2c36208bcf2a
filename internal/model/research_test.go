package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDepth(t *testing.T) {
	for _, d := range Depths() {
		got, err := ParseDepth(string(d))
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}

	_, err := ParseDepth("exhaustive")
	assert.Error(t, err)
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusAborted.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
}

func TestResearchState_WithErrorDoesNotAlias(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := NewResearchState(NewResearchContext("r1", "u1", "idea", DepthBasic, now))
	base.Errors = make([]string, 0, 4)

	a := base.WithError("first", now)
	b := base.WithError("second", now)

	require.Len(t, a.Errors, 1)
	require.Len(t, b.Errors, 1)
	assert.Contains(t, a.Errors[0], "first")
	assert.Contains(t, b.Errors[0], "second")
	assert.Equal(t, "2026-03-01T12:00:00Z: first", a.Errors[0])
	assert.Equal(t, StatusFailed, a.Status)
	assert.Equal(t, StatusInitializing, base.Status)
}

func TestResearchState_Workers(t *testing.T) {
	now := time.Now()
	s := NewResearchState(NewResearchContext("r1", "u1", "idea", DepthBasic, now))
	assert.False(t, s.AnyWorkerDone())

	ok := &AgentResult{Status: AgentSuccess, SourcesAnalyzed: 5}
	s = s.WithResult(WorkerMarket, ok)
	assert.True(t, s.AnyWorkerDone())
	assert.False(t, s.AllWorkersDone())

	s = s.WithResult(WorkerCompetitor, ok).WithResult(WorkerCustomer, ErrorResult(WorkerCustomer, "boom", now))
	assert.True(t, s.AllWorkersDone())
	assert.Equal(t, []WorkerKind{WorkerCustomer}, s.FailedWorkers())
	assert.Equal(t, 10, s.SourcesAnalyzed())
}

func TestResearchState_WithProgressMonotonic(t *testing.T) {
	s := ResearchState{}
	s = s.WithProgress(40)
	s = s.WithProgress(20)
	assert.Equal(t, 40, s.Progress)
	s = s.WithProgress(150)
	assert.Equal(t, 100, s.Progress)
}

func TestNewOutcome(t *testing.T) {
	now := time.Now().UTC()
	rc := NewResearchContext("r1", "u1", "idea", DepthStandard, now)
	plan := &ResearchPlan{Sector: "fintech"}

	t.Run("completed", func(t *testing.T) {
		s := NewResearchState(rc)
		s.Plan = plan
		s.Status = StatusCompleted
		s.Synthesis = &SynthesisResult{Status: AgentSuccess, Report: map[string]any{"summary": "ok"}, SourcesAnalyzed: 12}

		o := NewOutcome(s, now)
		assert.Equal(t, StatusCompleted, o.Status)
		assert.Equal(t, "fintech", o.Metadata.Sector)
		assert.Equal(t, 12, o.Metadata.SourcesAnalyzed)
		assert.Equal(t, "ok", o.FinalReport["summary"])
		assert.Nil(t, o.PartialResults)
	})

	t.Run("failed", func(t *testing.T) {
		s := NewResearchState(rc)
		s.Plan = plan
		s = s.WithResult(WorkerMarket, ErrorResult(WorkerMarket, "timeout", now))
		s = s.WithError("market analysis failed", now)

		o := NewOutcome(s, now)
		assert.Equal(t, StatusFailed, o.Status)
		require.NotNil(t, o.PartialResults)
		assert.Equal(t, "timeout", o.PartialResults.Market.Error)
		assert.Len(t, o.Errors, 1)
		assert.Nil(t, o.FinalReport)
	})
}

func TestResearchState_WithMetaDoesNotAlias(t *testing.T) {
	base := NewResearchState(NewResearchContext("r1", "u1", "idea", DepthBasic, time.Now())).WithMeta("last_step", "planning")
	next := base.WithMeta("last_step", "parallel_analysis")

	assert.Equal(t, "planning", base.StreamMetadata["last_step"])
	assert.Equal(t, "parallel_analysis", next.StreamMetadata["last_step"])
}
