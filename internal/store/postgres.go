package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/market-research/internal/db"
	"github.com/sells-group/market-research/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	sqlAddCheckpoint = `INSERT INTO task_checkpoints (request_id, name, completed_at) VALUES ($1, $2, $3) ON CONFLICT (request_id, name) DO NOTHING`
	sqlGetTask       = `SELECT request_id, user_id, product_idea, research_depth, max_sources, status, credits_required, result, error, started_at, completed_at, created_at, updated_at FROM research_tasks WHERE request_id = $1 AND NOT deleted`
	sqlListCheckpts  = `SELECT name FROM task_checkpoints WHERE request_id = $1 ORDER BY completed_at, name`
	sqlEnsureBalance = `INSERT INTO credit_balances (id, user_id, month_year, current_balance, monthly_limit, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $6) ON CONFLICT (user_id, month_year) DO NOTHING`
	sqlGetBalance    = `SELECT id, user_id, month_year, current_balance, monthly_limit, total_used_this_month, total_researches_this_month, version, created_at, updated_at FROM credit_balances WHERE user_id = $1 AND month_year = $2`
)

// preparedStatements lists queries prepared on each new connection. They
// sit on the polling and checkpoint paths.
var preparedStatements = map[string]string{
	"add_checkpoint":   sqlAddCheckpoint,
	"get_task":         sqlGetTask,
	"list_checkpoints": sqlListCheckpts,
	"get_balance":      sqlGetBalance,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS research_tasks (
	request_id       TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	product_idea     TEXT NOT NULL,
	research_depth   TEXT NOT NULL,
	max_sources      INTEGER NOT NULL DEFAULT 20,
	status           TEXT NOT NULL DEFAULT 'pending',
	credits_required INTEGER NOT NULL DEFAULT 0,
	result           JSONB,
	error            TEXT NOT NULL DEFAULT '',
	deleted          BOOLEAN NOT NULL DEFAULT false,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS task_checkpoints (
	request_id   TEXT NOT NULL REFERENCES research_tasks(request_id),
	name         TEXT NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (request_id, name)
);

CREATE TABLE IF NOT EXISTS credit_balances (
	id                          TEXT PRIMARY KEY,
	user_id                     TEXT NOT NULL,
	month_year                  TEXT NOT NULL,
	current_balance             INTEGER NOT NULL CHECK (current_balance >= 0),
	monthly_limit               INTEGER NOT NULL,
	total_used_this_month       INTEGER NOT NULL DEFAULT 0,
	total_researches_this_month INTEGER NOT NULL DEFAULT 0,
	version                     INTEGER NOT NULL DEFAULT 1,
	created_at                  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, month_year)
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	month_year     TEXT NOT NULL,
	type           TEXT NOT NULL,
	amount         INTEGER NOT NULL,
	balance_after  INTEGER NOT NULL,
	request_id     TEXT NOT NULL DEFAULT '',
	research_depth TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_research_tasks_user ON research_tasks(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_research_tasks_status ON research_tasks(status);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_request ON credit_transactions(request_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Tasks ---

func (s *PostgresStore) CreateTask(ctx context.Context, t *model.Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	if t.Status == "" {
		t.Status = model.StatusPending
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO research_tasks (request_id, user_id, product_idea, research_depth, max_sources, status, credits_required, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.RequestID, t.UserID, t.ProductIdea, string(t.Depth), t.MaxSources, string(t.Status), t.CreditsRequired, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert task %s", t.RequestID)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, requestID string) (*model.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, sqlGetTask, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get task %s", requestID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get task %s", requestID)
	}

	names, err := s.ListCheckpoints(ctx, requestID)
	if err != nil {
		return nil, err
	}
	t.CompletedCheckpoints = names
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.Task, error) {
	var (
		where []string
		args  []any
	)
	where = append(where, "NOT deleted")
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if words := QueryWords(filter.Query); len(words) > 0 {
		var ors []string
		for _, w := range words {
			args = append(args, likePattern(w))
			ors = append(ors, fmt.Sprintf(`product_idea ILIKE $%d ESCAPE '\'`, len(args)))
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))

	query := fmt.Sprintf(
		`SELECT request_id, user_id, product_idea, research_depth, max_sources, status, credits_required, result, error, started_at, completed_at, created_at, updated_at FROM research_tasks WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		strings.Join(where, " AND "), len(args)-1, len(args),
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tasks")
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: iterate tasks")
}

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, requestID string, status model.Status) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE research_tasks SET status = $1, started_at = CASE WHEN $1 = 'processing' AND started_at IS NULL THEN $2 ELSE started_at END, updated_at = $2 WHERE request_id = $3`,
		string(status), now, requestID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update task status %s", requestID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: update task status %s", requestID)
	}
	return nil
}

func (s *PostgresStore) CompleteTask(ctx context.Context, requestID string, status model.Status, result []byte, errMsg string, at time.Time) error {
	var payload any
	if len(result) > 0 {
		payload = result
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE research_tasks SET status = $1, result = $2, error = $3, completed_at = $4, updated_at = $4 WHERE request_id = $5`,
		string(status), payload, errMsg, at.UTC(), requestID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete task %s", requestID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: complete task %s", requestID)
	}
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, requestID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE research_tasks SET deleted = true, updated_at = $1 WHERE request_id = $2 AND NOT deleted`,
		time.Now().UTC(), requestID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete task %s", requestID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: delete task %s", requestID)
	}
	return nil
}

// --- Checkpoints ---

func (s *PostgresStore) AddCheckpoint(ctx context.Context, requestID, name string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, sqlAddCheckpoint, requestID, name, at.UTC())
	if err != nil {
		return false, eris.Wrapf(err, "postgres: add checkpoint %s/%s", requestID, name)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context, requestID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, sqlListCheckpts, requestID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list checkpoints %s", requestID)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan checkpoint")
		}
		names = append(names, name)
	}
	return names, eris.Wrap(rows.Err(), "postgres: iterate checkpoints")
}

func (s *PostgresStore) ResetCheckpoints(ctx context.Context, requestID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM task_checkpoints WHERE request_id = $1`, requestID)
	return eris.Wrapf(err, "postgres: reset checkpoints %s", requestID)
}

// --- Ledger ---

func (s *PostgresStore) GetBalance(ctx context.Context, userID, monthYear string) (*model.CreditBalance, error) {
	b, err := scanBalance(s.pool.QueryRow(ctx, sqlGetBalance, userID, monthYear))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get balance %s/%s", userID, monthYear)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get balance %s/%s", userID, monthYear)
	}
	return b, nil
}

func (s *PostgresStore) EnsureBalance(ctx context.Context, userID, monthYear string, initial, limit int) (*model.CreditBalance, error) {
	if _, err := s.pool.Exec(ctx, sqlEnsureBalance,
		uuid.NewString(), userID, monthYear, initial, limit, time.Now().UTC(),
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: ensure balance %s/%s", userID, monthYear)
	}
	return s.GetBalance(ctx, userID, monthYear)
}

func (s *PostgresStore) ApplyDeduction(ctx context.Context, entry model.LedgerEntry) (*model.LedgerResult, error) {
	if err := validateEntry(entry); err != nil {
		return nil, err
	}
	at := entryTime(entry)
	month := model.MonthYear(at)
	res := &model.LedgerResult{Amount: entry.Amount}

	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, sqlEnsureBalance,
			uuid.NewString(), entry.UserID, month, entry.InitialBalance, entry.MonthlyLimit, at,
		); err != nil {
			return eris.Wrap(err, "postgres: ensure balance")
		}

		var after int
		err := tx.QueryRow(ctx,
			`UPDATE credit_balances SET current_balance = current_balance - $1, total_used_this_month = total_used_this_month + $1, total_researches_this_month = total_researches_this_month + 1, version = version + 1, updated_at = $2 WHERE user_id = $3 AND month_year = $4 AND current_balance >= $1 RETURNING current_balance`,
			entry.Amount, at, entry.UserID, month,
		).Scan(&after)
		if errors.Is(err, pgx.ErrNoRows) {
			var current int
			if err := tx.QueryRow(ctx,
				`SELECT current_balance FROM credit_balances WHERE user_id = $1 AND month_year = $2`,
				entry.UserID, month,
			).Scan(&current); err != nil {
				return eris.Wrap(err, "postgres: read balance")
			}
			res.BalanceBefore, res.BalanceAfter = current, current
			res.Error = insufficientCredits
			return errRejected
		}
		if err != nil {
			return eris.Wrap(err, "postgres: debit balance")
		}

		res.TransactionID = newTransactionID()
		res.BalanceBefore, res.BalanceAfter = after+entry.Amount, after
		return insertTransaction(ctx, tx, res.TransactionID, entry, month, model.TransactionDeduct, -entry.Amount, after, at)
	})
	if errors.Is(err, errRejected) {
		return res, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: deduct credits for %s", entry.UserID)
	}
	res.Success = true
	return res, nil
}

func (s *PostgresStore) ApplyCredit(ctx context.Context, entry model.LedgerEntry) (*model.LedgerResult, error) {
	if err := validateEntry(entry); err != nil {
		return nil, err
	}
	at := entryTime(entry)
	month := model.MonthYear(at)
	res := &model.LedgerResult{Amount: entry.Amount}

	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, sqlEnsureBalance,
			uuid.NewString(), entry.UserID, month, entry.InitialBalance, entry.MonthlyLimit, at,
		); err != nil {
			return eris.Wrap(err, "postgres: ensure balance")
		}

		var after int
		if err := tx.QueryRow(ctx,
			`UPDATE credit_balances SET current_balance = current_balance + $1, version = version + 1, updated_at = $2 WHERE user_id = $3 AND month_year = $4 RETURNING current_balance`,
			entry.Amount, at, entry.UserID, month,
		).Scan(&after); err != nil {
			return eris.Wrap(err, "postgres: credit balance")
		}

		res.TransactionID = newTransactionID()
		res.BalanceBefore, res.BalanceAfter = after-entry.Amount, after
		return insertTransaction(ctx, tx, res.TransactionID, entry, month, model.TransactionAdd, entry.Amount, after, at)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: add credits for %s", entry.UserID)
	}
	res.Success = true
	return res, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, limit int) ([]model.CreditTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, month_year, type, amount, balance_after, request_id, research_depth, description, created_at FROM credit_transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list transactions %s", userID)
	}
	defer rows.Close()

	var txns []model.CreditTransaction
	for rows.Next() {
		var t model.CreditTransaction
		var typ, depth string
		if err := rows.Scan(&t.ID, &t.UserID, &t.MonthYear, &typ, &t.Amount, &t.BalanceAfter, &t.RequestID, &depth, &t.Description, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan transaction")
		}
		t.Type = model.TransactionType(typ)
		t.Depth = model.Depth(depth)
		txns = append(txns, t)
	}
	return txns, eris.Wrap(rows.Err(), "postgres: iterate transactions")
}

// errRejected rolls back a deduction that would overdraw the balance.
var errRejected = eris.New("store: deduction rejected")

func insertTransaction(ctx context.Context, tx pgx.Tx, id string, entry model.LedgerEntry, month string, typ model.TransactionType, amount, after int, at time.Time) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (id, user_id, month_year, type, amount, balance_after, request_id, research_depth, description, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, entry.UserID, month, string(typ), amount, after, entry.RequestID, string(entry.Depth), entry.Description, at,
	)
	return eris.Wrap(err, "postgres: insert transaction")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*model.Task, error) {
	var (
		t      model.Task
		depth  string
		status string
		result []byte
	)
	if err := row.Scan(&t.RequestID, &t.UserID, &t.ProductIdea, &depth, &t.MaxSources, &status,
		&t.CreditsRequired, &result, &t.Error, &t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Depth = model.Depth(depth)
	t.Status = model.Status(status)
	if len(result) > 0 {
		t.Result = result
	}
	return &t, nil
}

func scanBalance(row scannable) (*model.CreditBalance, error) {
	var b model.CreditBalance
	if err := row.Scan(&b.ID, &b.UserID, &b.MonthYear, &b.CurrentBalance, &b.MonthlyLimit,
		&b.TotalUsed, &b.TotalResearches, &b.Version, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}
