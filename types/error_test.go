package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrCodeWorkerUnreachable, "worker down").
		WithCause(root).
		WithRetryable(true)

	assert.Equal(t, ErrCodeWorkerUnreachable, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, root)
	assert.Contains(t, err.Error(), "WORKER_UNREACHABLE")
	assert.Contains(t, err.Error(), "root")
}

func TestError_IsMatchesByCode(t *testing.T) {
	t.Parallel()

	err := Errorf(ErrCodeInvalidTaskGraph, "task %d depends on unknown task %d", 3, 9)
	wrapped := fmt.Errorf("create: %w", err)

	assert.ErrorIs(t, wrapped, ErrInvalidTaskGraph)
	assert.NotErrorIs(t, wrapped, ErrIllegalTransition)
	assert.True(t, IsErrorCode(wrapped, ErrCodeInvalidTaskGraph))
}

func TestError_SentinelsAreNotMutated(t *testing.T) {
	t.Parallel()

	_ = ErrSandboxTimeout.WithCause(errors.New("boom"))
	assert.Nil(t, ErrSandboxTimeout.Cause)
	assert.True(t, ErrWorkerUnreachable.Retryable)
	assert.False(t, IsRetryable(ErrIllegalTransition))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}
