package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errUpstream = errors.New("upstream down")

func failing() error { return errUpstream }
func passing() error { return nil }

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, Cooldown: time.Hour}, zap.NewNop())

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(failing), errUpstream)
	}
	assert.Equal(t, Open, b.State())

	// Open breaker fails fast without calling the upstream
	called := false
	err := b.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreakerSuccessResetsFailureRun(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3}, zap.NewNop())

	require.Error(t, b.Do(failing))
	require.Error(t, b.Do(failing))
	require.NoError(t, b.Do(passing))
	require.Error(t, b.Do(failing))
	require.Error(t, b.Do(failing))
	assert.Equal(t, Closed, b.State())
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: 10 * time.Millisecond, MaxProbes: 2}, zap.NewNop())

	require.Error(t, b.Do(failing))
	assert.Equal(t, Open, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, HalfOpen, b.State())

	require.NoError(t, b.Do(passing))
	require.NoError(t, b.Do(passing))
	assert.Equal(t, Closed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond}, zap.NewNop())

	require.Error(t, b.Do(failing))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, HalfOpen, b.State())

	require.Error(t, b.Do(failing))
	assert.Equal(t, Open, b.State())
}
