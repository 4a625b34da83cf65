package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// CompletionEvent is the body posted when a research job stored its report.
type CompletionEvent struct {
	Event       string    `json:"event"`
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	CompletedAt time.Time `json:"completed_at"`
}

// WebhookNotifier posts completion events to a URL. Failed deliveries are
// retried with exponential backoff; 4xx answers are not retried.
type WebhookNotifier struct {
	url        string
	client     *http.Client
	logger     *slog.Logger
	maxRetries uint64
	initial    time.Duration
}

func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		maxRetries: 3,
		initial:    500 * time.Millisecond,
	}
}

func (n *WebhookNotifier) ResearchCompleted(ctx context.Context, jobID, title string) error {
	body, err := json.Marshal(CompletionEvent{
		Event:       "research.completed",
		ID:          jobID,
		Title:       title,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode completion event: %w", err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = n.initial
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, n.maxRetries), ctx)

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			n.logger.Warn("Webhook delivery failed", "job_id", jobID, "error", err)
			return err
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("webhook rejected event: %s", resp.Status))
		default:
			n.logger.Warn("Webhook delivery failed", "job_id", jobID, "status", resp.StatusCode)
			return fmt.Errorf("webhook returned %s", resp.Status)
		}
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("failed to notify webhook: %w", err)
	}
	n.logger.Info("Completion webhook delivered", "job_id", jobID)
	return nil
}
