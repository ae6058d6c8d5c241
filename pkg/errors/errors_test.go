package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError(ErrorCodeExecution, "vote failed", fmt.Errorf("no such table: users"))
	assert.Equal(t, "[EXECUTION_ERROR] vote failed: no such table: users", err.Error())

	bare := NewError(ErrorCodeValidation, "bad input", nil)
	assert.Equal(t, "[VALIDATION_ERROR] bad input", bare.Error())
}

func TestPoolTimeoutIsTimeout(t *testing.T) {
	wrapped := fmt.Errorf("embedding pool: %w", ErrPoolTimeout)
	assert.True(t, IsTimeout(wrapped))
	assert.Equal(t, ErrorCodeResource, CategorizeError(wrapped))
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"coded", NewError("CUSTOM", "x", nil), "CUSTOM"},
		{"deadline", context.DeadlineExceeded, ErrorCodeTimeout},
		{"canceled", fmt.Errorf("wrap: %w", context.Canceled), ErrorCodeCanceled},
		{"invalid stage", fmt.Errorf("%w: foo", ErrInvalidStage), ErrorCodeConfiguration},
		{"message timeout", fmt.Errorf("request timed out"), ErrorCodeTimeout},
		{"rate limit", fmt.Errorf("status 429: rate limit reached"), ErrorCodeRateLimit},
		{"connection", fmt.Errorf("connection refused"), ErrorCodeNetwork},
		{"sql", fmt.Errorf("near \"SELEC\": syntax error"), ErrorCodeExecution},
		{"unknown", fmt.Errorf("boom"), ErrorCodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategorizeError(tt.err))
		})
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "", Describe(nil))
	assert.Equal(t, "UNKNOWN_ERROR: boom", Describe(fmt.Errorf("boom")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrPoolTimeout))
	assert.True(t, IsRetryable(fmt.Errorf("connection reset")))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(fmt.Errorf("boom")))
	assert.False(t, IsRetryable(nil))
}
