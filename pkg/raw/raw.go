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

// Package raw defines the per-command call surface the esys layer drives.
// Commands carry native handle values and marshaled structures; every call
// reports a native 32-bit return code. Implementations keep the ESAPI side
// metadata a TPM connection needs (auth values, object names and session
// attributes) keyed by handle.
package raw

import (
	"fmt"

	"github.com/jeremyhahn/go-esapi/pkg/rc"
)

// CommandCode is a TPM_CC value. Codes with ccLocal set are resolved by the
// surface without a TPM command.
type CommandCode uint32

const ccLocal CommandCode = 1 << 29

const (
	CCEvictControl      CommandCode = 0x120
	CCNVUndefineSpace   CommandCode = 0x122
	CCNVDefineSpace     CommandCode = 0x12a
	CCCreatePrimary     CommandCode = 0x131
	CCNVWrite           CommandCode = 0x137
	CCNVRead            CommandCode = 0x14e
	CCCreate            CommandCode = 0x153
	CCLoad              CommandCode = 0x157
	CCSign              CommandCode = 0x15d
	CCUnseal            CommandCode = 0x15e
	CCContextLoad       CommandCode = 0x161
	CCContextSave       CommandCode = 0x162
	CCFlushContext      CommandCode = 0x165
	CCLoadExternal      CommandCode = 0x167
	CCNVReadPublic      CommandCode = 0x169
	CCPolicyAuthValue   CommandCode = 0x16b
	CCPolicyCommandCode CommandCode = 0x16c
	CCReadPublic        CommandCode = 0x173
	CCStartAuthSession  CommandCode = 0x176
	CCVerifySignature   CommandCode = 0x177
	CCGetCapability     CommandCode = 0x17a
	CCGetRandom         CommandCode = 0x17b
	CCPCRRead           CommandCode = 0x17e
	CCPolicyPCR         CommandCode = 0x17f
	CCPolicyRestart     CommandCode = 0x180
	CCPCRExtend         CommandCode = 0x182
	CCPolicyGetDigest   CommandCode = 0x189
	CCPolicyPassword    CommandCode = 0x18c
	CCSetAuth           CommandCode = ccLocal | 1
	CCTRClose           CommandCode = ccLocal | 2
	CCTRFromTPMPublic   CommandCode = ccLocal | 3
	CCSessionSetAttrs   CommandCode = ccLocal | 4
)

var commandNames = map[CommandCode]string{
	CCEvictControl:      "EvictControl",
	CCNVUndefineSpace:   "NV_UndefineSpace",
	CCNVDefineSpace:     "NV_DefineSpace",
	CCCreatePrimary:     "CreatePrimary",
	CCNVWrite:           "NV_Write",
	CCNVRead:            "NV_Read",
	CCCreate:            "Create",
	CCLoad:              "Load",
	CCSign:              "Sign",
	CCUnseal:            "Unseal",
	CCContextLoad:       "ContextLoad",
	CCContextSave:       "ContextSave",
	CCFlushContext:      "FlushContext",
	CCLoadExternal:      "LoadExternal",
	CCNVReadPublic:      "NV_ReadPublic",
	CCPolicyAuthValue:   "PolicyAuthValue",
	CCPolicyCommandCode: "PolicyCommandCode",
	CCReadPublic:        "ReadPublic",
	CCStartAuthSession:  "StartAuthSession",
	CCVerifySignature:   "VerifySignature",
	CCGetCapability:     "GetCapability",
	CCGetRandom:         "GetRandom",
	CCPCRRead:           "PCR_Read",
	CCPolicyPCR:         "PolicyPCR",
	CCPolicyRestart:     "PolicyRestart",
	CCPCRExtend:         "PCR_Extend",
	CCPolicyGetDigest:   "PolicyGetDigest",
	CCPolicyPassword:    "PolicyPassword",
	CCSetAuth:           "TR_SetAuth",
	CCTRClose:           "TR_Close",
	CCTRFromTPMPublic:   "TR_FromTPMPublic",
	CCSessionSetAttrs:   "TRSess_SetAttributes",
}

func (c CommandCode) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CC(0x%x)", uint32(c))
}

// IsLocal reports whether the command is handled by the surface itself.
func (c CommandCode) IsLocal() bool {
	return c&ccLocal != 0
}

// Handle values with fixed meaning.
const (
	RHOwner       uint32 = 0x40000001
	RHNull        uint32 = 0x40000007
	RSPassword    uint32 = 0x40000009
	RHLockout     uint32 = 0x4000000a
	RHEndorsement uint32 = 0x4000000b
	RHPlatform    uint32 = 0x4000000c
)

// Session types of TPM2_StartAuthSession.
const (
	SessionHMAC   uint8 = 0x00
	SessionPolicy uint8 = 0x01
	SessionTrial  uint8 = 0x03
)

// MaxSessions is the number of authorization slots of a command.
const MaxSessions = 3

// Command is one TPM command with its handle area and parameters.
type Command interface {
	Code() CommandCode
	// Handles returns every handle the command references, handle area
	// first. The first AuthHandles entries require authorization.
	Handles() []uint32
	AuthHandles() int
}

// Reply carries the command specific output and, per session passed to
// Dispatch, whether the session is still loaded afterwards.
type Reply struct {
	Out       any
	Continued []bool
}

// Surface executes commands against one TPM connection. Dispatch returns
// rc.Success or the failing layer's return code; on failure the reply is
// nil and no handle was created. sessions holds session handle values or
// RSPassword, one per authorization slot in use.
type Surface interface {
	Dispatch(cmd Command, sessions []uint32) (*Reply, rc.ReturnCode)
	Close() rc.ReturnCode
}

// ESAPIError returns an ESAPI layer code.
func ESAPIError(base uint16) rc.ReturnCode {
	return rc.New(rc.LayerESAPI, base)
}

// TCTIError returns a transport layer code.
func TCTIError(base uint16) rc.ReturnCode {
	return rc.New(rc.LayerTCTI, base)
}

// MUError returns a marshaling layer code.
func MUError(base uint16) rc.ReturnCode {
	return rc.New(rc.LayerMU, base)
}
