package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/loomworks/loom/internal/task"
)

const maxErrorBody = 4 << 10

// newBreaker builds the circuit breaker shared by the external adapters.
// Five consecutive failures open the breaker; after 30s one probe request is
// let through.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// classifyCallError maps adapter failures to error kinds. An open breaker
// reports as TransientExternal: the dependency is expected back, and the
// node's backoff doubles as the probe interval.
func classifyCallError(service string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return task.WrapError(task.KindTransientExternal, service+" circuit breaker open", err).
			WithDetail("service", service)
	}

	var se *statusError
	if errors.As(err, &se) {
		if se.status == http.StatusTooManyRequests || se.status >= 500 {
			return task.WrapError(task.KindTransientExternal,
				fmt.Sprintf("%s returned %d", service, se.status), err).
				WithDetail("service", service).
				WithDetail("status", se.status)
		}
		return task.WrapError(task.KindPermanentExternal,
			fmt.Sprintf("%s returned %d", service, se.status), err).
			WithDetail("service", service).
			WithDetail("status", se.status)
	}

	// Transport-level trouble (DNS, refused connection, reset) is transient.
	return task.WrapError(task.KindTransientExternal, service+" request failed", err).
		WithDetail("service", service)
}

// statusError carries a non-2xx response for classification.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("unexpected status %d", e.status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

// postJSON performs one POST round-trip and decodes the 2xx response body
// into out. Non-2xx responses become a statusError with a truncated body.
func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
