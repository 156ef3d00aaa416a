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

package rc

import "fmt"

// Kind classifies a return code by what the caller can do about it.
type Kind int

const (
	// KindTpm is a recognized code with no more specific classification.
	KindTpm Kind = iota
	// KindTransportFailure means the channel to the TPM failed.
	KindTransportFailure
	// KindResourceExhausted means the TPM ran out of object or session
	// slots. Flushing idle handles and retrying may succeed.
	KindResourceExhausted
	// KindAuthorizationFailed covers HMAC, password and policy failures.
	KindAuthorizationFailed
	// KindInvalidParameter means a handle, session or parameter was rejected.
	KindInvalidParameter
	// KindProtocol means command or response framing was malformed.
	KindProtocol
	// KindUnknown is the catch-all for reserved and unrecognized codes.
	KindUnknown
)

var kindNames = [...]string{
	KindTpm:                 "tpm",
	KindTransportFailure:    "transport failure",
	KindResourceExhausted:   "resource exhausted",
	KindAuthorizationFailed: "authorization failed",
	KindInvalidParameter:    "invalid parameter",
	KindProtocol:            "protocol",
	KindUnknown:             "unknown",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a decoded, non-success return code.
type Error struct {
	Code ReturnCode
	Kind Kind
	// Field names the rejected input for KindInvalidParameter, e.g.
	// "handle 1", "parameter 2" or "esapi".
	Field string
}

func (e *Error) Error() string {
	if e.Field != "" && e.Kind == KindInvalidParameter {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Field, Format(e.Code))
	}
	return fmt.Sprintf("%s: %s", e.Kind, Format(e.Code))
}

// Is matches another *Error with the same code, or a bare ReturnCode target.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return t.Code == e.Code
	case ReturnCode:
		return t == e.Code
	}
	return false
}

// Error lets a ReturnCode be used directly as an error value.
func (c ReturnCode) Error() string {
	return Format(c)
}

// Decode classifies a return code. It returns nil for Success and a
// non-nil *Error for every other value.
func Decode(code ReturnCode) *Error {
	if code == Success {
		return nil
	}
	kind, field := classify(code)
	return &Error{Code: code, Kind: kind, Field: field}
}

// KindOf is shorthand for Decode(code).Kind. Success reports KindTpm.
func KindOf(code ReturnCode) Kind {
	if e := Decode(code); e != nil {
		return e.Kind
	}
	return KindTpm
}

func classify(code ReturnCode) (Kind, string) {
	switch code.Layer() {
	case LayerTPM, LayerResMgrTPM:
		return classifyTPM(code)
	case LayerTCTI:
		return KindTransportFailure, ""
	case LayerMU:
		return KindProtocol, ""
	case LayerESAPI, LayerSAPI, LayerFeature, LayerResMgr:
		return classifyBase(code)
	}
	return KindUnknown, ""
}

func classifyBase(code ReturnCode) (Kind, string) {
	base := code.Base()
	if _, ok := baseCodes[base]; !ok {
		return KindUnknown, ""
	}
	switch base {
	case BadReference, BadValue, BadSize, BadTR:
		return KindInvalidParameter, code.Layer().String()
	case MalformedResponse, InsufficientResponse, ABIMismatch, InsufficientBuffer:
		return KindProtocol, ""
	case NoConnection, IOError, TryAgain, IncompatibleTCTI, BadTCTIStructure:
		return KindTransportFailure, ""
	case RspAuthFailed:
		return KindAuthorizationFailed, ""
	case OutOfMemory, InsufficientContext:
		return KindResourceExhausted, ""
	}
	return KindTpm, ""
}

func classifyTPM(code ReturnCode) (Kind, string) {
	if code.IsFormatOne() {
		c := code.Code()
		if _, ok := tpmCodes[c]; !ok {
			return KindUnknown, ""
		}
		switch c {
		case AuthFail, BadAuth, PolicyFail, PolicyCC, Expired:
			return KindAuthorizationFailed, ""
		}
		kind, n := code.Index()
		if kind == IndexNone {
			return KindInvalidParameter, ""
		}
		return KindInvalidParameter, fmt.Sprintf("%s %d", kind, n)
	}
	if code.IsTPM12() {
		return KindUnknown, ""
	}
	if code.IsVendor() {
		return KindTpm, ""
	}
	c := code.Code()
	if kind, n, ok := referenceCode(c); ok {
		return KindInvalidParameter, fmt.Sprintf("%s %d", kind, n)
	}
	if _, ok := tpmCodes[c]; !ok {
		return KindUnknown, ""
	}
	switch c {
	case ObjectMemory, SessionMemory, Memory, SessionHandles, ObjectHandles,
		ContextGap, TooManyContexts, NVSpace:
		return KindResourceExhausted, ""
	case Lockout, AuthType, AuthMissing, AuthUnavailable, NVAuthorization:
		return KindAuthorizationFailed, ""
	case CommandSize, AuthSize:
		return KindProtocol, ""
	}
	return KindTpm, ""
}

// Format renders a code as "layer:category(index):NAME: description".
func Format(code ReturnCode) string {
	if code == Success {
		return "success"
	}
	layer := code.Layer()
	switch layer {
	case LayerTPM, LayerResMgrTPM:
		return fmt.Sprintf("%s:%s", layer, formatTPM(code))
	}
	if info, ok := baseCodes[code.Base()]; ok {
		return fmt.Sprintf("%s:%s: %s", layer, info.name, info.desc)
	}
	return fmt.Sprintf("%s:unknown code 0x%08x", layer, uint32(code))
}

func formatTPM(code ReturnCode) string {
	if code.IsFormatOne() {
		info, ok := tpmCodes[code.Code()]
		if !ok {
			return fmt.Sprintf("unknown format one error 0x%03x", code.Base())
		}
		kind, n := code.Index()
		if kind == IndexNone {
			return fmt.Sprintf("error(2.0):%s: %s", info.name, info.desc)
		}
		return fmt.Sprintf("%s(%d):%s: %s", kind, n, info.name, info.desc)
	}
	switch {
	case code.IsTPM12():
		return fmt.Sprintf("error(1.2):0x%03x", code.Base())
	case code.IsVendor():
		return fmt.Sprintf("vendor:0x%03x", code.Base())
	}
	category := "error(2.0)"
	if code.IsWarning() {
		category = "warn(2.0)"
	}
	c := code.Code()
	if kind, n, ok := referenceCode(c); ok {
		return fmt.Sprintf("%s:%s(%d): the %s references an unloaded object", category, kind, n, kind)
	}
	if info, ok := tpmCodes[c]; ok {
		return fmt.Sprintf("%s:%s: %s", category, info.name, info.desc)
	}
	return fmt.Sprintf("%s:unknown code 0x%03x", category, code.Base())
}
