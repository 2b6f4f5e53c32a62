package ionet

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewError_nilForSuccess(t *testing.T) {
	assert.NoError(t, NewError(NoErr, "op", nil))
	assert.Error(t, NewError(NoErr, "op", syscall.EBADF))
}

func TestError_IsCode(t *testing.T) {
	err := NewError(Timeout, "tcp.Connect", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, Timeout))
	assert.False(t, errors.Is(err, SockError))

	wrapped := fmt.Errorf("dial: %w", err)
	assert.True(t, errors.Is(wrapped, Timeout))
	assert.Equal(t, Timeout, CodeOf(wrapped))
}

func TestError_Unwrap(t *testing.T) {
	err := NewError(SockError, "tcp.Receive", syscall.ECONNRESET)
	assert.True(t, errors.Is(err, syscall.ECONNRESET))
	assert.True(t, errors.Is(err, SockError))
	assert.Equal(t, "ionet: tcp.Receive: SOCK_ERROR: "+syscall.ECONNRESET.Error(), err.Error())
}

func TestCodeOf(t *testing.T) {
	for _, tc := range [...]struct {
		err  error
		code Code
	}{
		{nil, NoErr},
		{InvalidParam, InvalidParam},
		{fmt.Errorf("x: %w", WouldBlock), WouldBlock},
		{errors.New("opaque"), SockError},
		{&Error{Code: Exhausted}, Exhausted},
	} {
		assert.Equal(t, tc.code, CodeOf(tc.err), "%v", tc.err)
	}
}

func TestCode_String(t *testing.T) {
	assert.Equal(t, "INVALID_STATE", InvalidState.String())
	assert.Equal(t, "UNKNOWN(99)", Code(99).String())
	assert.Equal(t, "ionet: EXHAUSTED", Exhausted.Error())
}
