package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michalspano/appointdent/pkg/retry"
)

func TestWrapConvention(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(base, "Store", "FindCredential", "read credential")

	require.Error(t, err)
	assert.Equal(t, "Store.FindCredential: read credential failed: boom", err.Error())
	assert.ErrorIs(t, err, base)

	assert.NoError(t, Wrap(nil, "Store", "FindCredential", "read credential"))
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		wrap func(error, string, string, string) error
		want ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.wrap(base, "Service", "Start", "do thing")
			require.Error(t, err)

			var ce *ClassifiedError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.want, ce.Class)
			assert.ErrorIs(t, err, base)
			assert.NoError(t, tt.wrap(nil, "Service", "Start", "do thing"))
		})
	}
}

func TestClassifyKnownErrors(t *testing.T) {
	assert.True(t, IsTransient(ErrCallTimeout))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", ErrStorageUnavailable)))
	assert.True(t, IsFatal(ErrBuildFailed))
	assert.True(t, IsFatal(ErrMissingConfig))
	assert.True(t, IsInvalid(ErrMalformedFrame))
	assert.True(t, IsInvalid(ErrDuplicateEmail))

	assert.Equal(t, ErrorTransient, Classify(errors.New("connection refused")))
	assert.Equal(t, ErrorFatal, Classify(WrapFatal(errors.New("x"), "c", "m", "a")))
}

func TestOutcome(t *testing.T) {
	assert.True(t, OutcomeSuccess.Allowed())
	assert.False(t, OutcomeDenied.Allowed())
	assert.False(t, OutcomeUnavailable.Allowed())

	// The zero value fails closed.
	var o Outcome
	assert.False(t, o.Allowed())
	assert.Equal(t, "unavailable", o.String())
	assert.Equal(t, "denied", OutcomeDenied.String())
	assert.Equal(t, "success", OutcomeSuccess.String())
}

func TestShouldRetry(t *testing.T) {
	cfg := DefaultRetryConfig()

	assert.True(t, cfg.ShouldRetry(ErrCallTimeout, 0))
	assert.False(t, cfg.ShouldRetry(ErrCallTimeout, cfg.MaxRetries))
	assert.False(t, cfg.ShouldRetry(nil, 0))
	assert.False(t, cfg.ShouldRetry(WrapInvalid(errors.New("x"), "c", "m", "a"), 0))
}

func TestToRetryConfig(t *testing.T) {
	rc := RetryConfig{MaxRetries: 2, InitialDelay: 1, MaxDelay: 10, BackoffFactor: 3}
	cfg := rc.ToRetryConfig()

	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.True(t, cfg.AddJitter)
}

// The bridged config must drive retry.Do the way the startup paths use it:
// MaxRetries extra attempts beyond the first, then success goes through.
func TestToRetryConfig_DrivesRetry(t *testing.T) {
	rc := RetryConfig{
		MaxRetries:    2,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	}

	attempts := 0
	err := retry.Do(context.Background(), rc.ToRetryConfig(), func() error {
		attempts++
		if attempts <= rc.MaxRetries {
			return errors.New("broker not up yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, rc.MaxRetries+1, attempts)
}
