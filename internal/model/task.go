package model

import (
	"encoding/json"
	"time"
)

// Task is the durable record of a research request.
type Task struct {
	RequestID            string          `json:"request_id"`
	UserID               string          `json:"user_id"`
	ProductIdea          string          `json:"product_idea"`
	Depth                Depth           `json:"research_depth"`
	MaxSources           int             `json:"max_sources"`
	Status               Status          `json:"status"`
	CreditsRequired      int             `json:"credits_required"`
	CompletedCheckpoints []string        `json:"completed_checkpoints"`
	Result               json.RawMessage `json:"result,omitempty"`
	Error                string          `json:"error,omitempty"`
	StartedAt            *time.Time      `json:"started_at,omitempty"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Context rebuilds the immutable request parameters from the record.
func (t *Task) Context() ResearchContext {
	return ResearchContext{
		RequestID:   t.RequestID,
		UserID:      t.UserID,
		ProductIdea: t.ProductIdea,
		Depth:       t.Depth,
		MaxSources:  t.MaxSources,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// TaskFilter narrows a task listing.
type TaskFilter struct {
	UserID string `json:"user_id,omitempty"`
	Status Status `json:"status,omitempty"`
	// Query keeps tasks whose product idea contains any of its words,
	// ignoring case.
	Query  string `json:"query,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// StatusProjection is the low-latency status view of a request.
type StatusProjection struct {
	RequestID            string    `json:"request_id"`
	Status               Status    `json:"status"`
	CurrentStep          string    `json:"current_step"`
	Progress             int       `json:"progress"`
	CompletedCheckpoints int       `json:"completed_checkpoints"`
	Error                string    `json:"error,omitempty"`
	LastUpdated          time.Time `json:"last_updated"`
}

// Projection steps reported to pollers.
const (
	ProjectionInitializing = "initializing"
	ProjectionProcessing   = "processing"
	ProjectionFinalized    = "finalized"
)

// Job is the unit of background work handed to the worker context.
type Job struct {
	Context ResearchContext `json:"context"`
}

// SearchHit is a task matched by a text query.
type SearchHit struct {
	RequestID    string     `json:"request_id"`
	ProductIdea  string     `json:"query"`
	Status       Status     `json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Relevance    float64    `json:"relevance"`
	MatchPreview string     `json:"match_preview"`
}

// Match types of a Suggestion.
const (
	MatchWordStart = "word_start"
	MatchContains  = "contains"
)

// Suggestion is an earlier product idea that completes a partial query.
type Suggestion struct {
	ProductIdea string     `json:"query"`
	RequestID   string     `json:"request_id"`
	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	MatchType   string     `json:"match_type"`
}
