package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryable(t *testing.T) {
	require.True(t, CodeRequestBetweenRuntimeBus.Retryable())
	require.True(t, CodeGRPCStreamCall.Retryable())
	require.False(t, CodeInstanceExited.Retryable())
	require.False(t, CodeSuccess.Retryable())
}

func TestErrorIs(t *testing.T) {
	err := New(CodeInstanceNotFound, "instance-1 not found")
	target := New(CodeInstanceNotFound, "")
	assert.True(t, errors.Is(err, target))

	other := New(CodeInstanceExited, "")
	assert.False(t, errors.Is(err, other))
}

func TestErrorf(t *testing.T) {
	err := Errorf(CodeResourceNotEnough, "%d units with insufficient %s", 3, "cpu")
	assert.Equal(t, "RESOURCE_NOT_ENOUGH: 3 units with insufficient cpu", err.Error())
}

func TestOf(t *testing.T) {
	code, ok := Of(New(CodeParamInvalid, "bad"))
	require.True(t, ok)
	assert.Equal(t, CodeParamInvalid, code)

	_, ok = Of(errors.New("plain"))
	assert.False(t, ok)
}
