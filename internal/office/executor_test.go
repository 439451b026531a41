package office

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorFunc(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, action string, input map[string]interface{}) (map[string]interface{}, error) {
		if action == "fail" {
			return nil, errors.New("nope")
		}
		return map[string]interface{}{"did": action}, nil
	})

	out, err := exec.Execute(context.Background(), "work", nil)
	require.NoError(t, err)
	assert.Equal(t, "work", out["did"])

	_, err = exec.Execute(context.Background(), "fail", nil)
	assert.Error(t, err)
}

func TestStubResultShape(t *testing.T) {
	out := StubResult("eve", "analyze", map[string]interface{}{"a": 1, "b": 2})

	assert.Equal(t, true, out["stub"])
	assert.Equal(t, "[STUB] eve executed analyze", out["message"])
	assert.ElementsMatch(t, []string{"a", "b"}, out["input_received"])
	assert.NotEmpty(t, out["timestamp"])
}
