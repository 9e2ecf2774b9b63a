// Package webhook delivers task lifecycle notifications to client callback
// URLs. Delivery is best-effort: failures are retried with backoff and
// logged, but never affect the task's lifecycle.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/task"
)

const (
	// DefaultMaxRetries is the delivery retry budget after the first attempt.
	DefaultMaxRetries = 3

	// DefaultBaseDelay is the initial backoff interval between attempts.
	DefaultBaseDelay = 5 * time.Second
)

// Payload is the JSON body POSTed to the callback URL. The shape is part of
// the client contract: completed events carry Result with a nested metrics
// object, failed events carry the structured Error block.
type Payload struct {
	Event        task.Event     `json:"event"`
	TaskID       string         `json:"taskId"`
	Status       task.Status    `json:"status"`
	Timestamp    time.Time      `json:"timestamp"`
	WorkflowType string         `json:"workflowType"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Result       any            `json:"result,omitempty"`
	Error        *ErrorInfo     `json:"error,omitempty"`
}

// ErrorInfo is the error block of a failed-event payload.
type ErrorInfo struct {
	Message string         `json:"message"`
	Type    string         `json:"type"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorInfoFrom builds the payload error block from a classified error. A
// plain error keeps its full text and classifies through task.KindOf.
func ErrorInfoFrom(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Message: err.Error(), Type: string(task.KindOf(err))}
	var te *task.Error
	if errors.As(err, &te) {
		info.Message = te.Message
		info.Details = te.Details
	}
	return info
}

// Notifier delivers webhook events.
type Notifier struct {
	client     *http.Client
	logger     *slog.Logger
	maxRetries uint64
	baseDelay  time.Duration
}

// Option adjusts a Notifier.
type Option func(*Notifier)

// WithClient overrides the HTTP client.
func WithClient(c *http.Client) Option { return func(n *Notifier) { n.client = c } }

// WithRetries overrides the retry budget.
func WithRetries(max uint64) Option { return func(n *Notifier) { n.maxRetries = max } }

// WithBaseDelay overrides the initial backoff interval. Tests shrink it.
func WithBaseDelay(d time.Duration) Option { return func(n *Notifier) { n.baseDelay = d } }

// NewNotifier creates a Notifier with production defaults.
func NewNotifier(logger *slog.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify delivers the event for the task if its callback configuration
// subscribes to it. The returned error is informational; callers log it but
// never fail the task over it.
func (n *Notifier) Notify(ctx context.Context, t *task.Task, ev task.Event, result any, errInfo *ErrorInfo) error {
	if !t.WantsEvent(ev) {
		return nil
	}

	payload := Payload{
		Event:        ev,
		TaskID:       t.ID,
		Status:       t.Status,
		Timestamp:    time.Now().UTC(),
		WorkflowType: t.WorkflowType,
		Result:       result,
		Error:        errInfo,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	attempt := 0
	deliver := func() error {
		attempt++
		err := n.post(ctx, t, ev, body)
		if err != nil {
			n.logger.Warn("webhook delivery attempt failed",
				"taskId", t.ID, "event", ev, "url", t.CallbackURL,
				"attempt", attempt, "error", err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = n.baseDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, n.maxRetries), ctx)

	if err := backoff.Retry(deliver, policy); err != nil {
		metrics.WebhookDeliveries.WithLabelValues(string(ev), "failure").Inc()
		n.logger.Error("webhook delivery abandoned",
			"taskId", t.ID, "event", ev, "url", t.CallbackURL,
			"attempts", attempt, "error", err)
		return err
	}

	metrics.WebhookDeliveries.WithLabelValues(string(ev), "success").Inc()
	n.logger.Info("webhook delivered",
		"taskId", t.ID, "event", ev, "url", t.CallbackURL, "attempts", attempt)
	return nil
}

func (n *Notifier) post(ctx context.Context, t *task.Task, ev task.Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", string(ev))
	req.Header.Set("X-Task-Id", t.ID)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}
