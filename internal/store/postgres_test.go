package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-research/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var taskColumns = []string{
	"request_id", "user_id", "product_idea", "research_depth", "max_sources", "status",
	"credits_required", "result", "error", "started_at", "completed_at", "created_at", "updated_at",
}

func TestPostgresStore_GetTask_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT request_id, .* FROM research_tasks WHERE request_id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetTask(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTask(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT request_id, .* FROM research_tasks WHERE request_id = \$1`).
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows(taskColumns).AddRow(
			"r1", "u1", "idea", "comprehensive", 20, "processing", 18, nil, "", nil, nil, created, created,
		))
	mock.ExpectQuery(`SELECT name FROM task_checkpoints WHERE request_id = \$1`).
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows([]string{"name"}).
			AddRow("research_plan_created").
			AddRow("queries_generated"))

	task, err := s.GetTask(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, model.DepthComprehensive, task.Depth)
	assert.Equal(t, model.StatusProcessing, task.Status)
	assert.Equal(t, 18, task.CreditsRequired)
	assert.Equal(t, []string{"research_plan_created", "queries_generated"}, task.CompletedCheckpoints)
	assert.Nil(t, task.Result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListTasks_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM research_tasks WHERE NOT deleted AND user_id = \$1 AND status = \$2 ORDER BY created_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("u1", "failed", 50, 0).
		WillReturnRows(pgxmock.NewRows(taskColumns))

	tasks, err := s.ListTasks(context.Background(), model.TaskFilter{UserID: "u1", Status: model.StatusFailed})
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListTasks_Query(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM research_tasks WHERE NOT deleted AND \(product_idea ILIKE \$1 ESCAPE '\\' OR product_idea ILIKE \$2 ESCAPE '\\'\) ORDER BY created_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("%espresso%", `%50\%%`, 50, 0).
		WillReturnRows(pgxmock.NewRows(taskColumns))

	_, err := s.ListTasks(context.Background(), model.TaskFilter{Query: "  Espresso 50% "})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateTaskStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE research_tasks SET status = \$1`).
		WithArgs("processing", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateTaskStatus(context.Background(), "missing", model.StatusProcessing)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteTask(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	payload := []byte(`{"status":"completed"}`)

	mock.ExpectExec(`UPDATE research_tasks SET status = \$1, result = \$2`).
		WithArgs("completed", payload, "", at, "r1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.CompleteTask(context.Background(), "r1", model.StatusCompleted, payload, "", at)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddCheckpoint_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO task_checkpoints .* ON CONFLICT \(request_id, name\) DO NOTHING`).
		WithArgs("r1", "market_search_started", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO task_checkpoints`).
		WithArgs("r1", "market_search_started", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	added, err := s.AddCheckpoint(context.Background(), "r1", "market_search_started", at)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.AddCheckpoint(context.Background(), "r1", "market_search_started", at)
	require.NoError(t, err)
	assert.False(t, added)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyDeduction(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	e := entry("u1", 6)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO credit_balances .* ON CONFLICT \(user_id, month_year\) DO NOTHING`).
		WithArgs(pgxmock.AnyArg(), "u1", "2026-05", 100, 1000, e.At).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`UPDATE credit_balances SET current_balance = current_balance - \$1 .* AND current_balance >= \$1 RETURNING current_balance`).
		WithArgs(6, e.At, "u1", "2026-05").
		WillReturnRows(pgxmock.NewRows([]string{"current_balance"}).AddRow(94))
	mock.ExpectExec(`INSERT INTO credit_transactions`).
		WithArgs(pgxmock.AnyArg(), "u1", "2026-05", "deduct", -6, 94, "research_1", "basic", "", e.At).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := s.ApplyDeduction(context.Background(), e)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 100, res.BalanceBefore)
	assert.Equal(t, 94, res.BalanceAfter)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyDeduction_Insufficient(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	e := entry("u1", 12)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO credit_balances`).
		WithArgs(pgxmock.AnyArg(), "u1", "2026-05", 100, 1000, e.At).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`UPDATE credit_balances SET current_balance = current_balance - \$1`).
		WithArgs(12, e.At, "u1", "2026-05").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT current_balance FROM credit_balances`).
		WithArgs("u1", "2026-05").
		WillReturnRows(pgxmock.NewRows([]string{"current_balance"}).AddRow(7))
	mock.ExpectRollback()

	res, err := s.ApplyDeduction(context.Background(), e)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 7, res.BalanceBefore)
	assert.Equal(t, 7, res.BalanceAfter)
	assert.Empty(t, res.TransactionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyCredit_RollsBackOnInsertFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	e := entry("u1", 20)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO credit_balances`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`UPDATE credit_balances SET current_balance = current_balance \+ \$1`).
		WithArgs(20, e.At, "u1", "2026-05").
		WillReturnRows(pgxmock.NewRows([]string{"current_balance"}).AddRow(120))
	mock.ExpectExec(`INSERT INTO credit_transactions`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := s.ApplyCredit(context.Background(), e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "add credits")
	assert.NoError(t, mock.ExpectationsWereMet())
}
