package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tmc/langchaingo/llms"
)

// ErrNoChoices is returned when the model answers without any candidate.
var ErrNoChoices = errors.New("llm returned no choices")

// Generator turns a system instruction and a prompt into one complete text.
// Transient model failures are retried with exponential backoff.
type Generator struct {
	llm        llms.Model
	logger     *slog.Logger
	maxRetries uint64
	initial    time.Duration
}

// NewGenerator wraps llm. maxRetries is the number of retries after the
// first attempt.
func NewGenerator(llm llms.Model, maxRetries uint64) *Generator {
	return &Generator{
		llm:        llm,
		logger:     slog.Default(),
		maxRetries: maxRetries,
		initial:    time.Second,
	}
}

// WithLogger returns a copy of g logging to logger.
func (g *Generator) WithLogger(logger *slog.Logger) *Generator {
	c := *g
	c.logger = logger
	return &c
}

func (g *Generator) Generate(ctx context.Context, system, prompt string) (string, error) {
	messages := make([]llms.MessageContent, 0, 2)
	if system != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt))

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = g.initial
	expBackoff.MaxElapsedTime = 2 * time.Minute
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, g.maxRetries), ctx)

	var content string
	attempt := 0
	operation := func() error {
		attempt++
		resp, err := g.llm.GenerateContent(ctx, messages)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			g.logger.Warn("LLM generation failed, will retry", "attempt", attempt, "error", err)
			return fmt.Errorf("llm generation failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			g.logger.Warn("LLM returned no choices, will retry", "attempt", attempt)
			return ErrNoChoices
		}
		content = resp.Choices[0].Content
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return "", fmt.Errorf("generation failed after %d attempts: %w", attempt, err)
	}
	return content, nil
}
