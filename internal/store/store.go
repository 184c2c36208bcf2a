package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/market-research/internal/model"
)

// ErrNotFound is returned when a task or balance does not exist.
var ErrNotFound = eris.New("store: not found")

// insufficientCredits is the error message recorded on a rejected deduction.
const insufficientCredits = "insufficient credits"

// TaskStore persists research task documents and their checkpoint projection.
type TaskStore interface {
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, requestID string) (*model.Task, error)
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.Task, error)
	UpdateTaskStatus(ctx context.Context, requestID string, status model.Status) error
	CompleteTask(ctx context.Context, requestID string, status model.Status, result []byte, errMsg string, at time.Time) error
	DeleteTask(ctx context.Context, requestID string) error

	// AddCheckpoint records a completed checkpoint. It reports false when the
	// checkpoint was already recorded.
	AddCheckpoint(ctx context.Context, requestID, name string, at time.Time) (bool, error)
	ListCheckpoints(ctx context.Context, requestID string) ([]string, error)
	ResetCheckpoints(ctx context.Context, requestID string) error
}

// LedgerStore persists monthly credit balances and their transactions.
// Deductions and additions run as a single transaction in the backing
// database.
type LedgerStore interface {
	GetBalance(ctx context.Context, userID, monthYear string) (*model.CreditBalance, error)
	EnsureBalance(ctx context.Context, userID, monthYear string, initial, limit int) (*model.CreditBalance, error)
	ApplyDeduction(ctx context.Context, entry model.LedgerEntry) (*model.LedgerResult, error)
	ApplyCredit(ctx context.Context, entry model.LedgerEntry) (*model.LedgerResult, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]model.CreditTransaction, error)
}

// Store is the durable store used by the research service.
type Store interface {
	TaskStore
	LedgerStore

	Migrate(ctx context.Context) error
	Close() error
}

// newTransactionID returns an id of the form txn_<12 hex>.
func newTransactionID() string {
	return "txn_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func validateEntry(entry model.LedgerEntry) error {
	if entry.UserID == "" {
		return eris.New("store: ledger entry missing user id")
	}
	if entry.Amount <= 0 {
		return eris.Errorf("store: ledger amount must be positive, got %d", entry.Amount)
	}
	return nil
}

func entryTime(entry model.LedgerEntry) time.Time {
	if entry.At.IsZero() {
		return time.Now().UTC()
	}
	return entry.At.UTC()
}

// maxQueryWords caps how many words of a text query reach SQL.
const maxQueryWords = 8

// QueryWords splits a text query into lower-case words.
func QueryWords(q string) []string {
	words := strings.Fields(strings.ToLower(q))
	if len(words) > maxQueryWords {
		words = words[:maxQueryWords]
	}
	return words
}

// likePattern matches word anywhere, with LIKE wildcards escaped by a
// backslash.
func likePattern(word string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return "%" + r.Replace(word) + "%"
}

func listLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}
