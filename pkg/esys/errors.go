// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-esapi.
//
// go-esapi is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package esys

import (
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-esapi/pkg/rc"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

var (
	ErrUnknownHandle    = errors.New("esys: unknown handle")
	ErrForeignHandle    = errors.New("esys: handle belongs to another context")
	ErrDuplicateHandle  = errors.New("esys: handle already registered")
	ErrWrongClass       = errors.New("esys: wrong handle class")
	ErrSessionInUse     = errors.New("esys: session in use")
	ErrSessionEnded     = errors.New("esys: session ended")
	ErrNotPolicySession = errors.New("esys: not a policy or trial session")
	ErrTrialSession     = errors.New("esys: trial sessions cannot authorize")
	ErrPolicyMismatch   = errors.New("esys: policy digest does not match the object's auth policy")
	ErrTooManySessions  = errors.New("esys: more than three sessions")
	ErrCapacity         = errors.New("esys: handle registry is full")
	ErrClosed           = errors.New("esys: context closed")
	ErrInvalidArgument  = errors.New("esys: invalid argument")
)

// ErrorClass separates failures by where they were detected.
type ErrorClass int

const (
	// ClassLocalValidation errors were raised before any native call.
	ClassLocalValidation ErrorClass = iota + 1
	// ClassConnection errors mean the TPM channel is unusable.
	ClassConnection
	// ClassProtocol errors mean a command or response could not be framed.
	ClassProtocol
	// ClassTPM errors were reported by the TPM or the ESAPI layer.
	ClassTPM
)

func (c ErrorClass) String() string {
	switch c {
	case ClassLocalValidation:
		return "LocalValidation"
	case ClassConnection:
		return "Connection"
	case ClassProtocol:
		return "Protocol"
	case ClassTPM:
		return "TPM"
	}
	return fmt.Sprintf("ErrorClass(%d)", int(c))
}

// Error is returned by every Context operation. Code is zero for local
// validation failures.
type Error struct {
	Class ErrorClass
	Op    string
	Kind  rc.Kind
	Code  rc.ReturnCode
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("esys: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// localError wraps a failure detected before dispatch.
func localError(op string, err error) *Error {
	e := &Error{Class: ClassLocalValidation, Op: op, Kind: rc.KindInvalidParameter, Err: err}
	var verr *structures.ValidationError
	switch {
	case errors.As(err, &verr):
		e.Field = verr.Field
	case errors.Is(err, ErrCapacity):
		e.Kind = rc.KindResourceExhausted
	case errors.Is(err, ErrPolicyMismatch), errors.Is(err, ErrTrialSession):
		e.Kind = rc.KindAuthorizationFailed
	}
	return e
}

// codeError wraps a non-success return code.
func codeError(op string, code rc.ReturnCode) *Error {
	d := rc.Decode(code)
	e := &Error{Class: ClassTPM, Op: op, Kind: d.Kind, Code: code, Field: d.Field, Err: d}
	switch {
	case code.Layer() == rc.LayerTCTI, d.Kind == rc.KindTransportFailure:
		e.Class = ClassConnection
	case d.Kind == rc.KindProtocol:
		e.Class = ClassProtocol
	}
	return e
}

// protocolError reports a reply the context could not interpret.
func protocolError(op string, err error) *Error {
	return &Error{Class: ClassProtocol, Op: op, Kind: rc.KindProtocol, Err: err}
}

func classOf(err error) (ErrorClass, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}
	return 0, false
}

// IsLocalValidation reports whether err was raised before any native call.
func IsLocalValidation(err error) bool {
	if c, ok := classOf(err); ok {
		return c == ClassLocalValidation
	}
	var verr *structures.ValidationError
	return errors.As(err, &verr)
}

// IsConnection reports whether err means the TPM channel failed.
func IsConnection(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassConnection
}

// IsProtocol reports whether err is a framing or marshaling failure.
func IsProtocol(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassProtocol
}

// IsResourceExhausted reports whether the TPM or the registry ran out of
// slots. The caller may retry after flushing idle handles.
func IsResourceExhausted(err error) bool {
	return KindOf(err) == rc.KindResourceExhausted
}

// IsAuthorizationFailed reports whether authorization was refused.
func IsAuthorizationFailed(err error) bool {
	return KindOf(err) == rc.KindAuthorizationFailed
}

// KindOf returns the error kind carried by err, KindUnknown if it has none.
func KindOf(err error) rc.Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var re *rc.Error
	if errors.As(err, &re) {
		return re.Kind
	}
	var code rc.ReturnCode
	if errors.As(err, &code) {
		return rc.KindOf(code)
	}
	return rc.KindUnknown
}

// FlushError names a handle that could not be released during Close.
type FlushError struct {
	Handle uint32
	Class  HandleClass
	Err    error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("esys: releasing %s handle 0x%08x: %v", e.Class, e.Handle, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}
