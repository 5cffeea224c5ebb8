package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("status 503: service unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		return errors.New("insufficient_quota")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoWithResultHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DoWithResult(ctx, fastConfig(), func() (string, error) { return "x", nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassify(t *testing.T) {
	cases := map[string]ErrorClass{
		"You exceeded your current quota":        ClassQuota,
		"error, status code: 429, rate limit":     ClassRate,
		"maximum context length is 8192 tokens":   ClassContext,
		"read tcp: connection reset by peer":      ClassTransient,
		"invalid_request_error: unknown model xyz": ClassPermanent,
	}
	for msg, want := range cases {
		assert.Equal(t, want, Classify(errors.New(msg)), msg)
	}
	assert.Equal(t, ClassTransient, Classify(context.DeadlineExceeded))
}
