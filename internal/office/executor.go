package office

import (
	"context"
	"time"
)

// Executor is the single contract an office implements: run one action
// with the given context and return its output. Failures are returned as
// errors and recorded by callers; they never propagate uncaught.
type Executor interface {
	Execute(ctx context.Context, action string, input map[string]interface{}) (map[string]interface{}, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, action string, input map[string]interface{}) (map[string]interface{}, error)

func (f ExecutorFunc) Execute(ctx context.Context, action string, input map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, action, input)
}

// StubResult produces the placeholder output used when no executor is
// registered for an office. The "stub" marker keys make it impossible to
// mistake for a real result.
func StubResult(officeID, action string, input map[string]interface{}) map[string]interface{} {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	return map[string]interface{}{
		"stub":           true,
		"message":        "[STUB] " + officeID + " executed " + action,
		"input_received": keys,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
}
