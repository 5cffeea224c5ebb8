package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream unavailable")

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker("openai", Config{
		FailureThreshold: 2,
		Timeout:          time.Minute,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	ctx := context.Background()
	require.ErrorIs(t, cb.Execute(ctx, func() error { return errUpstream }), errUpstream)
	require.ErrorIs(t, cb.Execute(ctx, func() error { return errUpstream }), errUpstream)

	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrCircuitOpen)
	assert.Equal(t, []string{"closed->open"}, transitions)
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	clock := time.Now()
	cb := NewCircuitBreaker("groq", Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second})
	cb.now = func() time.Time { return clock }

	ctx := context.Background()
	_ = cb.Execute(ctx, func() error { return errUpstream })
	require.Equal(t, StateOpen, cb.State())

	clock = clock.Add(2 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerIgnoresFilteredErrors(t *testing.T) {
	errBadRequest := errors.New("invalid model")
	cb := NewCircuitBreaker("openai", Config{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return err != nil && !errors.Is(err, errBadRequest) },
	})

	_ = cb.Execute(context.Background(), func() error { return errBadRequest })
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().TotalSuccesses)
}

func TestRunReturnsValue(t *testing.T) {
	cb := NewCircuitBreaker("embed", Config{})
	v, err := Run(context.Background(), cb, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
