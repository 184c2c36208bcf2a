package model

import "time"

// MonthYear returns the billing period key for t.
func MonthYear(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// CreditBalance is a caller's balance for one billing period.
type CreditBalance struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	MonthYear       string    `json:"month_year"`
	CurrentBalance  int       `json:"current_balance"`
	MonthlyLimit    int       `json:"monthly_limit"`
	TotalUsed       int       `json:"total_used_this_month"`
	TotalResearches int       `json:"total_researches_this_month"`
	Version         int       `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TransactionType distinguishes debits from credits.
type TransactionType string

const (
	TransactionDeduct TransactionType = "deduct"
	TransactionAdd    TransactionType = "add"
)

// CreditTransaction is one append-only ledger entry. Deductions carry a
// negative amount.
type CreditTransaction struct {
	ID           string          `json:"transaction_id"`
	UserID       string          `json:"user_id"`
	MonthYear    string          `json:"month_year"`
	Type         TransactionType `json:"type"`
	Amount       int             `json:"amount"`
	BalanceAfter int             `json:"balance_after"`
	RequestID    string          `json:"request_id,omitempty"`
	Depth        Depth           `json:"research_depth,omitempty"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// LedgerEntry describes a requested balance change.
type LedgerEntry struct {
	UserID      string
	Amount      int
	RequestID   string
	Depth       Depth
	Description string
	// Defaults applied when the caller has no account for the period yet.
	InitialBalance int
	MonthlyLimit   int
	At             time.Time
}

// LedgerResult is the outcome of a deduct or add.
type LedgerResult struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id,omitempty"`
	Amount        int    `json:"amount"`
	BalanceBefore int    `json:"balance_before"`
	BalanceAfter  int    `json:"balance_after"`
	Error         string `json:"error,omitempty"`
}

// Quota summarises how many full runs a balance still covers.
type Quota struct {
	UserID            string        `json:"user_id"`
	Balance           int           `json:"balance"`
	CostPerSearch     map[Depth]int `json:"cost_per_search"`
	SearchesRemaining map[Depth]int `json:"searches_remaining"`
}
