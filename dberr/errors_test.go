package dberr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	require.Equal(t, "ehdb: invalid argument", NewError(ErrInvalidArgument).Error())

	wrapped := WrapError(ErrProblem, errors.New("disk on fire"))
	require.Equal(t, "ehdb: unexpected internal error: disk on fire", wrapped.Error())
	require.Equal(t, "ehdb: size 0", Errorf(ErrInvalidArgument, "size %d", 0).Error())
}

func TestIsMatchesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("put: %w", Errorf(ErrRetry, "lock wait timed out"))
	require.True(t, errors.Is(err, ErrRetryError))
	require.False(t, errors.Is(err, ErrCorruptedError))
	require.True(t, IsRetry(err))
	require.Equal(t, ErrRetry, Code(err))
}

func TestPredicatesLookBelowExecution(t *testing.T) {
	cause := Errorf(ErrCorrupted, "directory slot 3 points at free page")
	err := WrapError(ErrExecution, cause)

	require.Equal(t, ErrExecution, Code(err))
	require.True(t, IsCorrupted(err))
	require.False(t, IsInvalidArgument(err))
	require.False(t, IsFatal(err))
}

func TestCodeOfForeignError(t *testing.T) {
	require.Equal(t, Success, Code(nil))
	require.Equal(t, ErrProblem, Code(errors.New("plain")))
}

func TestAlreadyExistsIsInvalidArgument(t *testing.T) {
	err := WrapError(ErrExecution, Errorf(ErrAlreadyExists, "table %q already exists", "users"))
	require.True(t, IsInvalidArgument(err))
	require.True(t, errors.Is(err, ErrAlreadyExistsError))
	require.False(t, IsInvalidArgument(NewError(ErrNotCreated)))
}

func TestStoreFailedIsFatal(t *testing.T) {
	err := fmt.Errorf("install: %w", WrapError(ErrStoreFailed, errors.New("short write")))
	require.True(t, IsFatal(err))
	require.Equal(t, ErrStoreFailed, Code(err))
	require.False(t, IsFatal(NewError(ErrProblem)))
}
