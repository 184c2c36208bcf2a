// Package agent holds the analysis workers, the planner and the report
// synthesizer. Each one is a search/LLM pipeline that turns a query into a
// structured result.
package agent

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-research/internal/config"
	"github.com/sells-group/market-research/internal/resilience"
	"github.com/sells-group/market-research/pkg/anthropic"
)

// Completer is the structured-analysis provider: one system prompt, one
// user prompt, raw text back.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, system, user string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}

// Claude is a Completer backed by the Anthropic Messages API. Rate limits,
// overload and server errors are retried; other API errors are not.
type Claude struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	phase       string
	retry       resilience.Policy
}

// NewClaude builds a Completer from the anthropic config.
func NewClaude(c anthropic.Client, cfg config.AnthropicConfig) *Claude {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Claude{
		client:      c,
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: 0.1,
		phase:       "analysis",
		retry:       resilience.DefaultPolicy(),
	}
}

// WithPhase returns a copy of c that tags usage logs with phase.
func (c *Claude) WithPhase(phase string) *Claude {
	cp := *c
	cp.phase = phase
	return &cp
}

// WithRetry returns a copy of c using p for retries.
func (c *Claude) WithRetry(p resilience.Policy) *Claude {
	cp := *c
	cp.retry = p
	return &cp
}

func (c *Claude) Complete(ctx context.Context, system, user string) (string, error) {
	temp := c.temperature
	req := anthropic.MessageRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		System:      system,
		CacheTTL:    "5m",
		Prompt:      user,
		Temperature: &temp,
	}

	policy := c.retry
	policy.OnRetry = resilience.LogRetry("agent", c.phase)
	resp, err := resilience.RetryValue(ctx, policy, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := c.client.CreateMessage(ctx, req)
		return resp, classify(err)
	})
	if err != nil {
		return "", eris.Wrap(err, "agent: complete")
	}
	resp.Usage.LogCost(c.model, c.phase)

	switch {
	case resp.Text == "":
		return "", eris.New("agent: empty completion")
	case resp.Truncated():
		return "", eris.Errorf("agent: completion truncated at %d tokens", c.maxTokens)
	}
	return resp.Text, nil
}

func classify(err error) error {
	var apiErr *anthropic.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.Retryable() {
		return resilience.Transient(err, apiErr.StatusCode)
	}
	return resilience.Permanent(err)
}
