package esys

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jeremyhahn/go-esapi/pkg/raw"
	"github.com/jeremyhahn/go-esapi/pkg/rc"
)

func TestCodeErrorClasses(t *testing.T) {
	tests := []struct {
		name  string
		code  rc.ReturnCode
		class ErrorClass
		kind  rc.Kind
	}{
		{"object memory", rc.ReturnCode(rc.ObjectMemory), ClassTPM, rc.KindResourceExhausted},
		{"bad auth", rc.AuthFail.WithSession(1), ClassTPM, rc.KindAuthorizationFailed},
		{"bad handle", rc.Handle.WithHandle(2), ClassTPM, rc.KindInvalidParameter},
		{"transport", raw.TCTIError(rc.IOError), ClassConnection, rc.KindTransportFailure},
		{"no connection", raw.ESAPIError(rc.NoConnection), ClassConnection, rc.KindTransportFailure},
		{"malformed response", raw.ESAPIError(rc.MalformedResponse), ClassProtocol, rc.KindProtocol},
		{"marshaling", raw.MUError(rc.InsufficientBuffer), ClassProtocol, rc.KindProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := codeError("Test", tt.code)
			assert.Equal(t, tt.class, err.Class)
			assert.Equal(t, tt.kind, err.Kind)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Equal(t, tt.code, err.Code)
			assert.Contains(t, err.Error(), "esys: Test:")
			assert.False(t, IsLocalValidation(err))
		})
	}
}

func TestLocalErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		kind rc.Kind
	}{
		{ErrInvalidArgument, rc.KindInvalidParameter},
		{ErrUnknownHandle, rc.KindInvalidParameter},
		{fmt.Errorf("%w: transient", ErrCapacity), rc.KindResourceExhausted},
		{ErrPolicyMismatch, rc.KindAuthorizationFailed},
		{ErrTrialSession, rc.KindAuthorizationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			err := localError("Test", tt.err)
			assert.True(t, IsLocalValidation(err))
			assert.Equal(t, tt.kind, KindOf(err))
			assert.ErrorIs(t, err, tt.err)
			assert.Zero(t, err.Code)
		})
	}
}

func TestPredicatesOnForeignErrors(t *testing.T) {
	plain := errors.New("boom")
	assert.False(t, IsLocalValidation(plain))
	assert.False(t, IsConnection(plain))
	assert.False(t, IsProtocol(plain))
	assert.Equal(t, rc.KindUnknown, KindOf(plain))
	assert.False(t, IsLocalValidation(nil))

	assert.Equal(t, rc.KindAuthorizationFailed, KindOf(fmt.Errorf("wrapped: %w", rc.BadAuth.WithParameter(1))))
	assert.True(t, IsResourceExhausted(rc.Decode(rc.ReturnCode(rc.SessionMemory))))
}

func TestFlushError(t *testing.T) {
	cause := codeError("FlushContext", rc.Handle.WithHandle(1))
	err := &FlushError{Handle: 0x80000001, Class: HandleTransient, Err: cause}
	assert.Equal(t, "esys: releasing transient handle 0x80000001: "+cause.Error(), err.Error())
	assert.ErrorIs(t, err, cause)

	var e *Error
	assert.True(t, errors.As(err, &e))
	assert.Equal(t, rc.KindInvalidParameter, KindOf(err))
}
