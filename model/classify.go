package model

import (
	"context"
	"errors"
	"strings"

	"github.com/loomworks/loom/internal/task"
)

// ClassifyProviderError tags a provider failure with the error kind the node
// runtime branches on. Context errors pass through untouched so the engine
// can tell cancellation from provider trouble.
//
// Classification is by status-code and message inspection because the
// provider SDKs surface most failures as opaque API errors:
//   - 429, 5xx, network trouble, overload ⇒ TransientExternal (retried)
//   - auth, quota, other 4xx             ⇒ PermanentExternal (not retried)
func ClassifyProviderError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "429", "rate limit", "rate_limit", "too many requests",
		"overloaded", "overloaded_error",
		"500", "502", "503", "504", "internal server error", "bad gateway",
		"service unavailable", "gateway timeout",
		"connection", "network", "timeout", "temporary"):
		return task.WrapError(task.KindTransientExternal, provider+" request failed", err).
			WithDetail("provider", provider)

	default:
		return task.WrapError(task.KindPermanentExternal, provider+" rejected the request", err).
			WithDetail("provider", provider)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
