package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/market-research/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection: writers queue behind each other.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS research_tasks (
	request_id       TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	product_idea     TEXT NOT NULL,
	research_depth   TEXT NOT NULL,
	max_sources      INTEGER NOT NULL DEFAULT 20,
	status           TEXT NOT NULL DEFAULT 'pending',
	credits_required INTEGER NOT NULL DEFAULT 0,
	result           TEXT,
	error            TEXT NOT NULL DEFAULT '',
	deleted          INTEGER NOT NULL DEFAULT 0,
	started_at       DATETIME,
	completed_at     DATETIME,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS task_checkpoints (
	request_id   TEXT NOT NULL REFERENCES research_tasks(request_id),
	name         TEXT NOT NULL,
	completed_at DATETIME NOT NULL DEFAULT (datetime('now')),
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
	created_at                  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at                  DATETIME NOT NULL DEFAULT (datetime('now')),
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
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_research_tasks_user ON research_tasks(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_research_tasks_status ON research_tasks(status);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions(user_id, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Tasks ---

func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = t.CreatedAt
	if t.Status == "" {
		t.Status = model.StatusPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO research_tasks (request_id, user_id, product_idea, research_depth, max_sources, status, credits_required, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.RequestID, t.UserID, t.ProductIdea, string(t.Depth), t.MaxSources, string(t.Status), t.CreditsRequired, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert task %s", t.RequestID)
	}
	return nil
}

const sqliteTaskColumns = `request_id, user_id, product_idea, research_depth, max_sources, status, credits_required, result, error, started_at, completed_at, created_at, updated_at`

func (s *SQLiteStore) GetTask(ctx context.Context, requestID string) (*model.Task, error) {
	t, err := scanSQLiteTask(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTaskColumns+` FROM research_tasks WHERE request_id = ? AND deleted = 0`, requestID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get task %s", requestID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get task %s", requestID)
	}

	names, err := s.ListCheckpoints(ctx, requestID)
	if err != nil {
		return nil, err
	}
	t.CompletedCheckpoints = names
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.Task, error) {
	where := []string{"deleted = 0"}
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if words := QueryWords(filter.Query); len(words) > 0 {
		var ors []string
		for _, w := range words {
			ors = append(ors, `LOWER(product_idea) LIKE ? ESCAPE '\'`)
			args = append(args, likePattern(w))
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTaskColumns+` FROM research_tasks WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tasks")
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: iterate tasks")
}

func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, requestID string, status model.Status) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE research_tasks SET status = ?, started_at = CASE WHEN ? = 'processing' AND started_at IS NULL THEN ? ELSE started_at END, updated_at = ? WHERE request_id = ?`,
		string(status), string(status), now, now, requestID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update task status %s", requestID)
	}
	return checkRowsAffected(res, "task", requestID)
}

func (s *SQLiteStore) CompleteTask(ctx context.Context, requestID string, status model.Status, result []byte, errMsg string, at time.Time) error {
	var payload sql.NullString
	if len(result) > 0 {
		payload = sql.NullString{String: string(result), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE research_tasks SET status = ?, result = ?, error = ?, completed_at = ?, updated_at = ? WHERE request_id = ?`,
		string(status), payload, errMsg, at.UTC(), at.UTC(), requestID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete task %s", requestID)
	}
	return checkRowsAffected(res, "task", requestID)
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, requestID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE research_tasks SET deleted = 1, updated_at = ? WHERE request_id = ? AND deleted = 0`,
		time.Now().UTC(), requestID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete task %s", requestID)
	}
	return checkRowsAffected(res, "task", requestID)
}

// --- Checkpoints ---

func (s *SQLiteStore) AddCheckpoint(ctx context.Context, requestID, name string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task_checkpoints (request_id, name, completed_at) VALUES (?, ?, ?) ON CONFLICT (request_id, name) DO NOTHING`,
		requestID, name, at.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: add checkpoint %s/%s", requestID, name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, requestID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM task_checkpoints WHERE request_id = ? ORDER BY completed_at, name`, requestID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list checkpoints %s", requestID)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan checkpoint")
		}
		names = append(names, name)
	}
	return names, eris.Wrap(rows.Err(), "sqlite: iterate checkpoints")
}

func (s *SQLiteStore) ResetCheckpoints(ctx context.Context, requestID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_checkpoints WHERE request_id = ?`, requestID)
	return eris.Wrapf(err, "sqlite: reset checkpoints %s", requestID)
}

// --- Ledger ---

const sqliteBalanceColumns = `id, user_id, month_year, current_balance, monthly_limit, total_used_this_month, total_researches_this_month, version, created_at, updated_at`

func (s *SQLiteStore) GetBalance(ctx context.Context, userID, monthYear string) (*model.CreditBalance, error) {
	b, err := scanBalance(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteBalanceColumns+` FROM credit_balances WHERE user_id = ? AND month_year = ?`, userID, monthYear,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get balance %s/%s", userID, monthYear)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get balance %s/%s", userID, monthYear)
	}
	return b, nil
}

func (s *SQLiteStore) EnsureBalance(ctx context.Context, userID, monthYear string, initial, limit int) (*model.CreditBalance, error) {
	if err := ensureSQLiteBalance(ctx, s.db, userID, monthYear, initial, limit, time.Now().UTC()); err != nil {
		return nil, err
	}
	return s.GetBalance(ctx, userID, monthYear)
}

func (s *SQLiteStore) ApplyDeduction(ctx context.Context, entry model.LedgerEntry) (*model.LedgerResult, error) {
	if err := validateEntry(entry); err != nil {
		return nil, err
	}
	at := entryTime(entry)
	month := model.MonthYear(at)
	res := &model.LedgerResult{Amount: entry.Amount}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := ensureSQLiteBalance(ctx, tx, entry.UserID, month, entry.InitialBalance, entry.MonthlyLimit, at); err != nil {
			return err
		}

		var after int
		err := tx.QueryRowContext(ctx,
			`UPDATE credit_balances SET current_balance = current_balance - ?, total_used_this_month = total_used_this_month + ?, total_researches_this_month = total_researches_this_month + 1, version = version + 1, updated_at = ? WHERE user_id = ? AND month_year = ? AND current_balance >= ? RETURNING current_balance`,
			entry.Amount, entry.Amount, at, entry.UserID, month, entry.Amount,
		).Scan(&after)
		if errors.Is(err, sql.ErrNoRows) {
			var current int
			if err := tx.QueryRowContext(ctx,
				`SELECT current_balance FROM credit_balances WHERE user_id = ? AND month_year = ?`, entry.UserID, month,
			).Scan(&current); err != nil {
				return eris.Wrap(err, "sqlite: read balance")
			}
			res.BalanceBefore, res.BalanceAfter = current, current
			res.Error = insufficientCredits
			return errRejected
		}
		if err != nil {
			return eris.Wrap(err, "sqlite: debit balance")
		}

		res.TransactionID = newTransactionID()
		res.BalanceBefore, res.BalanceAfter = after+entry.Amount, after
		return insertSQLiteTransaction(ctx, tx, res.TransactionID, entry, month, model.TransactionDeduct, -entry.Amount, after, at)
	})
	if errors.Is(err, errRejected) {
		return res, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: deduct credits for %s", entry.UserID)
	}
	res.Success = true
	return res, nil
}

func (s *SQLiteStore) ApplyCredit(ctx context.Context, entry model.LedgerEntry) (*model.LedgerResult, error) {
	if err := validateEntry(entry); err != nil {
		return nil, err
	}
	at := entryTime(entry)
	month := model.MonthYear(at)
	res := &model.LedgerResult{Amount: entry.Amount}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := ensureSQLiteBalance(ctx, tx, entry.UserID, month, entry.InitialBalance, entry.MonthlyLimit, at); err != nil {
			return err
		}

		var after int
		if err := tx.QueryRowContext(ctx,
			`UPDATE credit_balances SET current_balance = current_balance + ?, version = version + 1, updated_at = ? WHERE user_id = ? AND month_year = ? RETURNING current_balance`,
			entry.Amount, at, entry.UserID, month,
		).Scan(&after); err != nil {
			return eris.Wrap(err, "sqlite: credit balance")
		}

		res.TransactionID = newTransactionID()
		res.BalanceBefore, res.BalanceAfter = after-entry.Amount, after
		return insertSQLiteTransaction(ctx, tx, res.TransactionID, entry, month, model.TransactionAdd, entry.Amount, after, at)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: add credits for %s", entry.UserID)
	}
	res.Success = true
	return res, nil
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, userID string, limit int) ([]model.CreditTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, month_year, type, amount, balance_after, request_id, research_depth, description, created_at FROM credit_transactions WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		userID, listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list transactions %s", userID)
	}
	defer rows.Close()

	var txns []model.CreditTransaction
	for rows.Next() {
		var t model.CreditTransaction
		var typ, depth string
		if err := rows.Scan(&t.ID, &t.UserID, &t.MonthYear, &typ, &t.Amount, &t.BalanceAfter, &t.RequestID, &depth, &t.Description, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transaction")
		}
		t.Type = model.TransactionType(typ)
		t.Depth = model.Depth(depth)
		txns = append(txns, t)
	}
	return txns, eris.Wrap(rows.Err(), "sqlite: iterate transactions")
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensureSQLiteBalance(ctx context.Context, ex execer, userID, month string, initial, limit int, at time.Time) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO credit_balances (id, user_id, month_year, current_balance, monthly_limit, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (user_id, month_year) DO NOTHING`,
		uuid.NewString(), userID, month, initial, limit, at, at,
	)
	return eris.Wrapf(err, "sqlite: ensure balance %s/%s", userID, month)
}

func insertSQLiteTransaction(ctx context.Context, tx *sql.Tx, id string, entry model.LedgerEntry, month string, typ model.TransactionType, amount, after int, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, user_id, month_year, type, amount, balance_after, request_id, research_depth, description, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, entry.UserID, month, string(typ), amount, after, entry.RequestID, string(entry.Depth), entry.Description, at,
	)
	return eris.Wrap(err, "sqlite: insert transaction")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", entity, id)
	}
	return nil
}

func scanSQLiteTask(row scannable) (*model.Task, error) {
	var (
		t         model.Task
		depth     string
		status    string
		result    sql.NullString
		started   sql.NullTime
		completed sql.NullTime
	)
	if err := row.Scan(&t.RequestID, &t.UserID, &t.ProductIdea, &depth, &t.MaxSources, &status,
		&t.CreditsRequired, &result, &t.Error, &started, &completed, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Depth = model.Depth(depth)
	t.Status = model.Status(status)
	if result.Valid && result.String != "" {
		t.Result = []byte(result.String)
	}
	if started.Valid {
		ts := started.Time
		t.StartedAt = &ts
	}
	if completed.Valid {
		ts := completed.Time
		t.CompletedAt = &ts
	}
	return &t, nil
}
