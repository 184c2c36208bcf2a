package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-research/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func newTask(id, user string) *model.Task {
	return &model.Task{
		RequestID:       id,
		UserID:          user,
		ProductIdea:     "A subscription service for refurbished espresso machines",
		Depth:           model.DepthStandard,
		MaxSources:      model.MaxSources,
		CreditsRequired: 12,
	}
}

func entry(user string, amount int) model.LedgerEntry {
	return model.LedgerEntry{
		UserID:         user,
		Amount:         amount,
		RequestID:      "research_1",
		Depth:          model.DepthBasic,
		InitialBalance: 100,
		MonthlyLimit:   1000,
		At:             time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC),
	}
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetTask", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.CreateTask(ctx, newTask("r1", "u1")))

		got, err := s.GetTask(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.UserID)
		assert.Equal(t, model.StatusPending, got.Status)
		assert.Equal(t, model.DepthStandard, got.Depth)
		assert.Equal(t, 12, got.CreditsRequired)
		assert.Empty(t, got.CompletedCheckpoints)
		assert.Nil(t, got.StartedAt)
	})

	t.Run("GetTaskNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetTask(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("UpdateStatusSetsStartedAt", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateTask(ctx, newTask("r1", "u1")))

		require.NoError(t, s.UpdateTaskStatus(ctx, "r1", model.StatusProcessing))
		got, err := s.GetTask(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusProcessing, got.Status)
		assert.NotNil(t, got.StartedAt)

		err = s.UpdateTaskStatus(ctx, "missing", model.StatusProcessing)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("CompleteTask", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateTask(ctx, newTask("r1", "u1")))

		at := time.Now().UTC()
		require.NoError(t, s.CompleteTask(ctx, "r1", model.StatusFailed, []byte(`{"status":"failed"}`), "market analysis failed", at))

		got, err := s.GetTask(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, got.Status)
		assert.JSONEq(t, `{"status":"failed"}`, string(got.Result))
		assert.Equal(t, "market analysis failed", got.Error)
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("ListAndDeleteTasks", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"r1", "r2", "r3"} {
			task := newTask(id, "u1")
			require.NoError(t, s.CreateTask(ctx, task))
		}
		require.NoError(t, s.CreateTask(ctx, newTask("r4", "u2")))
		require.NoError(t, s.UpdateTaskStatus(ctx, "r2", model.StatusProcessing))

		all, err := s.ListTasks(ctx, model.TaskFilter{UserID: "u1"})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		processing, err := s.ListTasks(ctx, model.TaskFilter{Status: model.StatusProcessing})
		require.NoError(t, err)
		require.Len(t, processing, 1)
		assert.Equal(t, "r2", processing[0].RequestID)

		require.NoError(t, s.DeleteTask(ctx, "r1"))
		_, err = s.GetTask(ctx, "r1")
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.True(t, errors.Is(s.DeleteTask(ctx, "r1"), ErrNotFound))

		remaining, err := s.ListTasks(ctx, model.TaskFilter{UserID: "u1", Limit: 10})
		require.NoError(t, err)
		assert.Len(t, remaining, 2)
	})

	t.Run("ListTasksByQuery", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for id, idea := range map[string]string{
			"r1": "Subscription service for refurbished espresso machines",
			"r2": "AI meal planner for busy parents",
			"r3": "Espresso tamper with 100% recycled steel",
		} {
			task := newTask(id, "u1")
			task.ProductIdea = idea
			require.NoError(t, s.CreateTask(ctx, task))
		}

		hits, err := s.ListTasks(ctx, model.TaskFilter{Query: "ESPRESSO"})
		require.NoError(t, err)
		ids := make([]string, 0, len(hits))
		for _, h := range hits {
			ids = append(ids, h.RequestID)
		}
		assert.ElementsMatch(t, []string{"r1", "r3"}, ids)

		hits, err = s.ListTasks(ctx, model.TaskFilter{Query: "parents tamper"})
		require.NoError(t, err)
		assert.Len(t, hits, 2, "any word matches")

		hits, err = s.ListTasks(ctx, model.TaskFilter{Query: "100%"})
		require.NoError(t, err)
		require.Len(t, hits, 1, "wildcards are literal")
		assert.Equal(t, "r3", hits[0].RequestID)

		hits, err = s.ListTasks(ctx, model.TaskFilter{Query: "_"})
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("CheckpointsAreASet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateTask(ctx, newTask("r1", "u1")))
		now := time.Now().UTC()

		added, err := s.AddCheckpoint(ctx, "r1", "research_plan_created", now)
		require.NoError(t, err)
		assert.True(t, added)

		added, err = s.AddCheckpoint(ctx, "r1", "research_plan_created", now.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, added)

		_, err = s.AddCheckpoint(ctx, "r1", "queries_generated", now.Add(2*time.Second))
		require.NoError(t, err)

		names, err := s.ListCheckpoints(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, []string{"research_plan_created", "queries_generated"}, names)

		got, err := s.GetTask(ctx, "r1")
		require.NoError(t, err)
		assert.Len(t, got.CompletedCheckpoints, 2)

		require.NoError(t, s.ResetCheckpoints(ctx, "r1"))
		names, err = s.ListCheckpoints(ctx, "r1")
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("EnsureBalanceCreatesOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		b, err := s.EnsureBalance(ctx, "u1", "2026-05", 100, 1000)
		require.NoError(t, err)
		assert.Equal(t, 100, b.CurrentBalance)
		assert.Equal(t, 1000, b.MonthlyLimit)

		b, err = s.EnsureBalance(ctx, "u1", "2026-05", 500, 1000)
		require.NoError(t, err)
		assert.Equal(t, 100, b.CurrentBalance, "existing account keeps its balance")

		_, err = s.GetBalance(ctx, "u1", "2026-06")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("DeductCreatesDefaultAccount", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		res, err := s.ApplyDeduction(ctx, entry("u1", 6))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 100, res.BalanceBefore)
		assert.Equal(t, 94, res.BalanceAfter)
		assert.Regexp(t, `^txn_[0-9a-f]{12}$`, res.TransactionID)

		b, err := s.GetBalance(ctx, "u1", "2026-05")
		require.NoError(t, err)
		assert.Equal(t, 94, b.CurrentBalance)
		assert.Equal(t, 6, b.TotalUsed)
		assert.Equal(t, 1, b.TotalResearches)
		assert.Equal(t, 2, b.Version)

		txns, err := s.ListTransactions(ctx, "u1", 10)
		require.NoError(t, err)
		require.Len(t, txns, 1)
		assert.Equal(t, -6, txns[0].Amount)
		assert.Equal(t, 94, txns[0].BalanceAfter)
		assert.Equal(t, model.TransactionDeduct, txns[0].Type)
		assert.Equal(t, "research_1", txns[0].RequestID)
	})

	t.Run("DeductMoreThanBalanceLeavesStateUnchanged", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.EnsureBalance(ctx, "u1", "2026-05", 10, 1000)
		require.NoError(t, err)

		res, err := s.ApplyDeduction(ctx, entry("u1", 11))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "insufficient credits", res.Error)
		assert.Equal(t, 10, res.BalanceAfter)

		b, err := s.GetBalance(ctx, "u1", "2026-05")
		require.NoError(t, err)
		assert.Equal(t, 10, b.CurrentBalance)
		assert.Equal(t, 0, b.TotalUsed)
		assert.Equal(t, 1, b.Version)

		txns, err := s.ListTransactions(ctx, "u1", 10)
		require.NoError(t, err)
		assert.Empty(t, txns)
	})

	t.Run("DeductExactBalanceReachesZero", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.EnsureBalance(ctx, "u1", "2026-05", 18, 1000)
		require.NoError(t, err)

		res, err := s.ApplyDeduction(ctx, entry("u1", 18))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 0, res.BalanceAfter)
	})

	t.Run("RejectedDeductionOnMissingAccountCreatesNothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		res, err := s.ApplyDeduction(ctx, entry("u1", 150))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, 100, res.BalanceAfter)

		_, err = s.GetBalance(ctx, "u1", "2026-05")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("ApplyCredit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		res, err := s.ApplyCredit(ctx, entry("u1", 25))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 100, res.BalanceBefore)
		assert.Equal(t, 125, res.BalanceAfter)

		txns, err := s.ListTransactions(ctx, "u1", 10)
		require.NoError(t, err)
		require.Len(t, txns, 1)
		assert.Equal(t, 25, txns[0].Amount)
		assert.Equal(t, model.TransactionAdd, txns[0].Type)
	})

	t.Run("InvalidEntries", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.ApplyDeduction(ctx, entry("", 5))
		assert.Error(t, err)
		_, err = s.ApplyDeduction(ctx, entry("u1", 0))
		assert.Error(t, err)
		_, err = s.ApplyCredit(ctx, entry("u1", -3))
		assert.Error(t, err)
	})

	t.Run("ConcurrentDeductionsNeverOverdraw", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.EnsureBalance(ctx, "u1", "2026-05", 30, 1000)
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.ApplyDeduction(ctx, entry("u1", 6))
				if !assert.NoError(t, err) {
					return
				}
				if res.Success {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 5, succeeded)
		b, err := s.GetBalance(ctx, "u1", "2026-05")
		require.NoError(t, err)
		assert.Equal(t, 0, b.CurrentBalance)
		assert.Equal(t, 30, b.TotalUsed)
	})
}
