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

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Success(t *testing.T) {
	assert.Nil(t, Decode(Success))
}

func TestDecode_Kinds(t *testing.T) {
	tests := []struct {
		name  string
		code  ReturnCode
		kind  Kind
		field string
	}{
		{"object memory", ReturnCode(ObjectMemory), KindResourceExhausted, ""},
		{"session memory", ReturnCode(SessionMemory), KindResourceExhausted, ""},
		{"session handles", ReturnCode(SessionHandles), KindResourceExhausted, ""},
		{"object handles", ReturnCode(ObjectHandles), KindResourceExhausted, ""},
		{"nv space", ReturnCode(NVSpace), KindResourceExhausted, ""},
		{"auth fail session 1", 0x98e, KindAuthorizationFailed, ""},
		{"bad auth session 1", 0x9a2, KindAuthorizationFailed, ""},
		{"policy fail session 1", 0x99d, KindAuthorizationFailed, ""},
		{"lockout", ReturnCode(Lockout), KindAuthorizationFailed, ""},
		{"auth missing", ReturnCode(AuthMissing), KindAuthorizationFailed, ""},
		{"handle 1", 0x18b, KindInvalidParameter, "handle 1"},
		{"value parameter 1", 0x1c4, KindInvalidParameter, "parameter 1"},
		{"key size parameter 2", 0x2c7, KindInvalidParameter, "parameter 2"},
		{"value session 2", 0xa84, KindInvalidParameter, "session 2"},
		{"reference handle 0", ReturnCode(ReferenceH0), KindInvalidParameter, "handle 1"},
		{"nv defined", ReturnCode(NVDefined), KindTpm, ""},
		{"initialize", ReturnCode(Initialize), KindTpm, ""},
		{"retry warning", ReturnCode(Retry), KindTpm, ""},
		{"command size", ReturnCode(CommandSize), KindProtocol, ""},
		{"vendor", 0x500, KindTpm, ""},
		{"tpm 1.2", 0x0003, KindUnknown, ""},
		{"unknown fmt0 number", 0x17f, KindUnknown, ""},
		{"unknown warning", 0x97f, KindUnknown, ""},
		{"unknown fmt1 number", 0x0be, KindUnknown, ""},
		{"tcti io", New(LayerTCTI, IOError), KindTransportFailure, ""},
		{"tcti unknown base", New(LayerTCTI, 0x7777), KindTransportFailure, ""},
		{"mu", New(LayerMU, BadSize), KindProtocol, ""},
		{"esapi bad tr", New(LayerESAPI, BadTR), KindInvalidParameter, "esapi"},
		{"esapi malformed", New(LayerESAPI, MalformedResponse), KindProtocol, ""},
		{"esapi rsp auth", New(LayerESAPI, RspAuthFailed), KindAuthorizationFailed, ""},
		{"esapi memory", New(LayerESAPI, OutOfMemory), KindResourceExhausted, ""},
		{"esapi no connection", New(LayerESAPI, NoConnection), KindTransportFailure, ""},
		{"sys bad sequence", New(LayerSAPI, BadSequence), KindTpm, ""},
		{"sys unknown base", New(LayerSAPI, 0x4242), KindUnknown, ""},
		{"resmgr tpm object memory", New(LayerResMgrTPM, uint16(ObjectMemory)), KindResourceExhausted, ""},
		{"reserved layer", New(Layer(3), 1), KindUnknown, ""},
		{"high layer", New(Layer(200), 1), KindUnknown, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Decode(tt.code)
			require.NotNil(t, e)
			assert.Equal(t, tt.kind, e.Kind)
			assert.Equal(t, tt.field, e.Field)
			assert.Equal(t, tt.code, e.Code)
			assert.NotEmpty(t, e.Error())
		})
	}
}

func TestDecode_Total(t *testing.T) {
	// Every code in the low 16 bits of every layer decodes without panic.
	for _, layer := range []Layer{LayerTPM, LayerESAPI, LayerTCTI, LayerResMgrTPM, 200} {
		for base := 1; base <= 0xffff; base += 7 {
			code := New(layer, uint16(base))
			e := Decode(code)
			require.NotNil(t, e, "code 0x%08x", uint32(code))
			assert.NotEmpty(t, Format(code))
		}
	}
}

func TestReturnCode_Fields(t *testing.T) {
	code := ReturnCode(0x000a09a2)
	assert.Equal(t, LayerTCTI, code.Layer())
	assert.Equal(t, uint16(0x09a2), code.Base())

	handle := ReturnCode(0x18b)
	assert.True(t, handle.IsFormatOne())
	assert.Equal(t, Handle, handle.Code())
	kind, n := handle.Index()
	assert.Equal(t, IndexHandle, kind)
	assert.Equal(t, 1, n)

	warn := ReturnCode(ObjectMemory)
	assert.False(t, warn.IsFormatOne())
	assert.True(t, warn.IsWarning())
	assert.False(t, warn.IsTPM12())
	assert.Equal(t, uint8(0x02), warn.Number())
}

func TestTPMCode_WithIndex(t *testing.T) {
	assert.Equal(t, ReturnCode(0x18b), Handle.WithHandle(1))
	assert.Equal(t, ReturnCode(0x1c4), Value.WithParameter(1))
	assert.Equal(t, ReturnCode(0x98e), AuthFail.WithSession(1))
	assert.Equal(t, ReturnCode(0x99d), PolicyFail.WithSession(1))
}

func TestFormat(t *testing.T) {
	tests := []struct {
		code     ReturnCode
		contains string
	}{
		{0x18b, "tpm:handle(1):TPM_RC_HANDLE"},
		{0x1c4, "tpm:parameter(1):TPM_RC_VALUE"},
		{ReturnCode(ObjectMemory), "tpm:warn(2.0):TPM_RC_OBJECT_MEMORY"},
		{ReturnCode(NVDefined), "tpm:error(2.0):TPM_RC_NV_DEFINED"},
		{New(LayerTCTI, IOError), "tcti:TSS2_BASE_RC_IO_ERROR"},
		{0x0003, "error(1.2)"},
		{New(Layer(200), 0x4242), "unknown code 0x00c84242"},
		{Success, "success"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("0x%08x", uint32(tt.code)), func(t *testing.T) {
			assert.Contains(t, Format(tt.code), tt.contains)
		})
	}
}

func TestError_Is(t *testing.T) {
	e := Decode(0x18b)
	var err error = fmt.Errorf("wrapped: %w", e)
	assert.True(t, errors.Is(err, ReturnCode(0x18b)))
	assert.False(t, errors.Is(err, ReturnCode(0x28b)))

	var target *Error
	require.True(t, errors.As(err, &target))
	assert.Equal(t, KindInvalidParameter, target.Kind)
	assert.Equal(t, KindResourceExhausted, KindOf(ReturnCode(SessionMemory)))
}
