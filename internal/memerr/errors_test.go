package memerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := Unavailable("vector_index", "search", errors.New("connection refused"))
	wrapped := fmt.Errorf("long-term tier: %w", base)

	assert.Equal(t, TierUnavailable, KindOf(wrapped))
	assert.True(t, Is(wrapped, TierUnavailable))
	assert.False(t, Is(wrapped, QuotaExceeded))
	assert.Contains(t, wrapped.Error(), "vector_index")
	assert.Contains(t, wrapped.Error(), "connection refused")
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.False(t, Is(nil, KindUnknown))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unknown", errors.New("boom"), true},
		{"tier", New(TierUnavailable, "op", nil), true},
		{"quota", New(QuotaExceeded, "op", nil), true},
		{"embedding", New(EmbeddingFailure, "op", nil), true},
		{"invalid content", New(InvalidMemoryContent, "op", nil), false},
		{"conflict", New(ConsolidationConflict, "op", nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := errors.New("root")
	err := Newf(QuotaExceeded, "insert", "throttled: %w", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "quota_exceeded", err.Kind.String())
}
