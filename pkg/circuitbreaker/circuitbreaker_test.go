package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *clock) {
	c := &clock{t: time.Unix(1000, 0)}
	cb := New(cfg)
	cb.now = c.now
	return cb, c
}

func fail() error { return errBoom }
func succeed() error { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 2, Timeout: time.Second})

	assert.ErrorIs(t, cb.Execute(fail, nil), errBoom)
	assert.NoError(t, cb.Execute(succeed, nil))
	assert.ErrorIs(t, cb.Execute(fail, nil), errBoom)
	assert.Equal(t, StateClosed, cb.State())

	assert.ErrorIs(t, cb.Execute(fail, nil), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil }, nil)
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestHalfOpenProbeClosesOrReopens(t *testing.T) {
	cb, c := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second})
	var transitions []State
	cb.OnStateChange(func(_, to State) { transitions = append(transitions, to) })

	require.ErrorIs(t, cb.Execute(fail, nil), errBoom)
	require.Equal(t, StateOpen, cb.State())

	c.advance(time.Second)
	assert.ErrorIs(t, cb.Execute(fail, nil), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	c.advance(time.Second)
	assert.NoError(t, cb.Execute(succeed, nil))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestIgnoredErrorsDoNotTrip(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 1, Timeout: time.Second})
	notCounted := func(err error) bool { return !errors.Is(err, errBoom) }

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(fail, notCounted), errBoom)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestZeroThresholdDisables(t *testing.T) {
	cb, _ := newTestBreaker(Config{})
	for i := 0; i < 10; i++ {
		assert.ErrorIs(t, cb.Execute(fail, nil), errBoom)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestReset(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 1, Timeout: time.Hour})
	require.Error(t, cb.Execute(fail, nil))
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Execute(succeed, nil))
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
