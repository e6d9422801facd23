package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"tutormemory/internal/memerr"
)

func TestWithRetryRetriesTransientErrors(t *testing.T) {
	calls := 0
	got, err := withRetry(context.Background(), RetryPolicy{MaxAttempts: 3, InitialInterval: 1, MaxInterval: 2}, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset")
		}
		return 42, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestWithRetryStopsOnPermanentKinds(t *testing.T) {
	for _, kind := range []memerr.Kind{memerr.InvalidMemoryContent, memerr.ConsolidationConflict} {
		calls := 0
		err := retryErr(context.Background(), fastRetry(), func() error {
			calls++
			return memerr.Newf(kind, "op", "nope")
		})
		assert.Equal(t, kind, memerr.KindOf(err))
		assert.Equal(t, 1, calls, kind.String())
	}
}

func TestWithRetryStopsOnVersionConflict(t *testing.T) {
	calls := 0
	err := retryErr(context.Background(), fastRetry(), func() error {
		calls++
		return fmt.Errorf("replace: %w", ErrVersionConflict)
	})
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, 1, calls)
}

func TestWithRetryGivesUp(t *testing.T) {
	calls := 0
	err := retryErr(context.Background(), fastRetry(), func() error {
		calls++
		return errIndexDown
	})
	assert.ErrorIs(t, err, errIndexDown)
	assert.Equal(t, 2, calls)
}
