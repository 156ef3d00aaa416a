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

// TPMCode is a TPM 2.0 response code constant with any index bits removed.
type TPMCode uint16

// Format-zero errors.
const (
	Initialize      TPMCode = 0x100
	Failure         TPMCode = 0x101
	Sequence        TPMCode = 0x103
	Private         TPMCode = 0x10b
	HMAC            TPMCode = 0x119
	Disabled        TPMCode = 0x120
	Exclusive       TPMCode = 0x121
	AuthType        TPMCode = 0x124
	AuthMissing     TPMCode = 0x125
	Policy          TPMCode = 0x126
	PCR             TPMCode = 0x127
	PCRChanged      TPMCode = 0x128
	Upgrade         TPMCode = 0x12d
	TooManyContexts TPMCode = 0x12e
	AuthUnavailable TPMCode = 0x12f
	Reboot          TPMCode = 0x130
	Unbalanced      TPMCode = 0x131
	CommandSize     TPMCode = 0x142
	CommandCode     TPMCode = 0x143
	AuthSize        TPMCode = 0x144
	AuthContext     TPMCode = 0x145
	NVRange         TPMCode = 0x146
	NVSize          TPMCode = 0x147
	NVLocked        TPMCode = 0x148
	NVAuthorization TPMCode = 0x149
	NVUninitialized TPMCode = 0x14a
	NVSpace         TPMCode = 0x14b
	NVDefined       TPMCode = 0x14c
	BadContext      TPMCode = 0x150
	CPHash          TPMCode = 0x151
	Parent          TPMCode = 0x152
	NeedsTest       TPMCode = 0x153
	NoResult        TPMCode = 0x154
	Sensitive       TPMCode = 0x155
)

// Format-one errors.
const (
	Asymmetric   TPMCode = 0x081
	Attributes   TPMCode = 0x082
	Hash         TPMCode = 0x083
	Value        TPMCode = 0x084
	Hierarchy    TPMCode = 0x085
	KeySize      TPMCode = 0x087
	MGF          TPMCode = 0x088
	Mode         TPMCode = 0x089
	Type         TPMCode = 0x08a
	Handle       TPMCode = 0x08b
	KDF          TPMCode = 0x08c
	Range        TPMCode = 0x08d
	AuthFail     TPMCode = 0x08e
	Nonce        TPMCode = 0x08f
	PP           TPMCode = 0x090
	Scheme       TPMCode = 0x092
	Size         TPMCode = 0x095
	Symmetric    TPMCode = 0x096
	Tag          TPMCode = 0x097
	Selector     TPMCode = 0x098
	Insufficient TPMCode = 0x09a
	Signature    TPMCode = 0x09b
	Key          TPMCode = 0x09c
	PolicyFail   TPMCode = 0x09d
	Integrity    TPMCode = 0x09f
	Ticket       TPMCode = 0x0a0
	ReservedBits TPMCode = 0x0a1
	BadAuth      TPMCode = 0x0a2
	Expired      TPMCode = 0x0a3
	PolicyCC     TPMCode = 0x0a4
	Binding      TPMCode = 0x0a5
	Curve        TPMCode = 0x0a6
	ECCPoint     TPMCode = 0x0a7
)

// Warnings.
const (
	ContextGap     TPMCode = 0x901
	ObjectMemory   TPMCode = 0x902
	SessionMemory  TPMCode = 0x903
	Memory         TPMCode = 0x904
	SessionHandles TPMCode = 0x905
	ObjectHandles  TPMCode = 0x906
	Locality       TPMCode = 0x907
	Yielded        TPMCode = 0x908
	Canceled       TPMCode = 0x909
	Testing        TPMCode = 0x90a
	ReferenceH0    TPMCode = 0x910
	ReferenceH6    TPMCode = 0x916
	ReferenceS0    TPMCode = 0x918
	ReferenceS6    TPMCode = 0x91e
	NVRate         TPMCode = 0x920
	Lockout        TPMCode = 0x921
	Retry          TPMCode = 0x922
	NVUnavailable  TPMCode = 0x923
)

// Base codes shared by the software layers.
const (
	GeneralFailure          uint16 = 1
	NotImplemented          uint16 = 2
	BadContextTSS           uint16 = 3
	ABIMismatch             uint16 = 4
	BadReference            uint16 = 5
	InsufficientBuffer      uint16 = 6
	BadSequence             uint16 = 7
	NoConnection            uint16 = 8
	TryAgain                uint16 = 9
	IOError                 uint16 = 10
	BadValue                uint16 = 11
	NotPermitted            uint16 = 12
	InvalidSessions         uint16 = 13
	NoDecryptParam          uint16 = 14
	NoEncryptParam          uint16 = 15
	BadSize                 uint16 = 16
	MalformedResponse       uint16 = 17
	InsufficientContext     uint16 = 18
	InsufficientResponse    uint16 = 19
	IncompatibleTCTI        uint16 = 20
	NotSupported            uint16 = 21
	BadTCTIStructure        uint16 = 22
	OutOfMemory             uint16 = 23
	BadTR                   uint16 = 24
	MultipleDecryptSessions uint16 = 25
	MultipleEncryptSessions uint16 = 26
	RspAuthFailed           uint16 = 27
)

type codeInfo struct {
	name string
	desc string
}

var tpmCodes = map[TPMCode]codeInfo{
	Initialize:      {"TPM_RC_INITIALIZE", "TPM not initialized by TPM2_Startup or already initialized"},
	Failure:         {"TPM_RC_FAILURE", "commands not being accepted because of a TPM failure"},
	Sequence:        {"TPM_RC_SEQUENCE", "improper use of a sequence handle"},
	Private:         {"TPM_RC_PRIVATE", "not currently used"},
	HMAC:            {"TPM_RC_HMAC", "not currently used"},
	Disabled:        {"TPM_RC_DISABLED", "the command is disabled"},
	Exclusive:       {"TPM_RC_EXCLUSIVE", "command failed because audit sequence required exclusivity"},
	AuthType:        {"TPM_RC_AUTH_TYPE", "authorization handle is not correct for command"},
	AuthMissing:     {"TPM_RC_AUTH_MISSING", "command requires an authorization session for handle and it is not present"},
	Policy:          {"TPM_RC_POLICY", "policy failure in math operation or an invalid authPolicy value"},
	PCR:             {"TPM_RC_PCR", "PCR check fail"},
	PCRChanged:      {"TPM_RC_PCR_CHANGED", "PCR have changed since checked"},
	Upgrade:         {"TPM_RC_UPGRADE", "the TPM is in field upgrade mode"},
	TooManyContexts: {"TPM_RC_TOO_MANY_CONTEXTS", "context ID counter is at maximum"},
	AuthUnavailable: {"TPM_RC_AUTH_UNAVAILABLE", "authValue or authPolicy is not available for selected entity"},
	Reboot:          {"TPM_RC_REBOOT", "a _TPM_Init and Startup(CLEAR) is required before the TPM can resume operation"},
	Unbalanced:      {"TPM_RC_UNBALANCED", "the protection algorithms (hash and symmetric) are not reasonably balanced"},
	CommandSize:     {"TPM_RC_COMMAND_SIZE", "command commandSize value is inconsistent with contents of the command buffer"},
	CommandCode:     {"TPM_RC_COMMAND_CODE", "command code not supported"},
	AuthSize:        {"TPM_RC_AUTHSIZE", "the value of authorizationSize is out of range or the number of octets in the Authorization Area is greater than required"},
	AuthContext:     {"TPM_RC_AUTH_CONTEXT", "use of an authorization session with a context command or another command that cannot have an authorization session"},
	NVRange:         {"TPM_RC_NV_RANGE", "NV offset+size is out of range"},
	NVSize:          {"TPM_RC_NV_SIZE", "requested allocation size is larger than allowed"},
	NVLocked:        {"TPM_RC_NV_LOCKED", "NV access locked"},
	NVAuthorization: {"TPM_RC_NV_AUTHORIZATION", "NV access authorization fails in command actions"},
	NVUninitialized: {"TPM_RC_NV_UNINITIALIZED", "an NV Index is used before being initialized or the state saved by TPM2_Shutdown(STATE) could not be restored"},
	NVSpace:         {"TPM_RC_NV_SPACE", "insufficient space for NV allocation"},
	NVDefined:       {"TPM_RC_NV_DEFINED", "NV Index or persistent object already defined"},
	BadContext:      {"TPM_RC_BAD_CONTEXT", "context in TPM2_ContextLoad() is not valid"},
	CPHash:          {"TPM_RC_CPHASH", "cpHash value already set or not correct for use"},
	Parent:          {"TPM_RC_PARENT", "handle for parent is not a valid parent"},
	NeedsTest:       {"TPM_RC_NEEDS_TEST", "some function needs testing"},
	NoResult:        {"TPM_RC_NO_RESULT", "returned when an internal function cannot process a request due to an unspecified problem"},
	Sensitive:       {"TPM_RC_SENSITIVE", "the sensitive area did not unmarshal correctly after decryption"},

	Asymmetric:   {"TPM_RC_ASYMMETRIC", "asymmetric algorithm not supported or not correct"},
	Attributes:   {"TPM_RC_ATTRIBUTES", "inconsistent attributes"},
	Hash:         {"TPM_RC_HASH", "hash algorithm not supported or not appropriate"},
	Value:        {"TPM_RC_VALUE", "value is out of range or is not correct for the context"},
	Hierarchy:    {"TPM_RC_HIERARCHY", "hierarchy is not enabled or is not correct for the use"},
	KeySize:      {"TPM_RC_KEY_SIZE", "key size is not supported"},
	MGF:          {"TPM_RC_MGF", "mask generation function not supported"},
	Mode:         {"TPM_RC_MODE", "mode of operation not supported"},
	Type:         {"TPM_RC_TYPE", "the type of the value is not appropriate for the use"},
	Handle:       {"TPM_RC_HANDLE", "the handle is not correct for the use"},
	KDF:          {"TPM_RC_KDF", "unsupported key derivation function or function not appropriate for use"},
	Range:        {"TPM_RC_RANGE", "value was out of allowed range"},
	AuthFail:     {"TPM_RC_AUTH_FAIL", "the authorization HMAC check failed and DA counter incremented"},
	Nonce:        {"TPM_RC_NONCE", "invalid nonce size or nonce value mismatch"},
	PP:           {"TPM_RC_PP", "authorization requires assertion of PP"},
	Scheme:       {"TPM_RC_SCHEME", "unsupported or incompatible scheme"},
	Size:         {"TPM_RC_SIZE", "structure is the wrong size"},
	Symmetric:    {"TPM_RC_SYMMETRIC", "unsupported symmetric algorithm or key size, or not appropriate for instance"},
	Tag:          {"TPM_RC_TAG", "incorrect structure tag"},
	Selector:     {"TPM_RC_SELECTOR", "union selector is incorrect"},
	Insufficient: {"TPM_RC_INSUFFICIENT", "the TPM was unable to unmarshal a value because there were not enough octets in the input buffer"},
	Signature:    {"TPM_RC_SIGNATURE", "the signature is not valid"},
	Key:          {"TPM_RC_KEY", "key fields are not compatible with the selected use"},
	PolicyFail:   {"TPM_RC_POLICY_FAIL", "a policy check failed"},
	Integrity:    {"TPM_RC_INTEGRITY", "integrity check failed"},
	Ticket:       {"TPM_RC_TICKET", "invalid ticket"},
	ReservedBits: {"TPM_RC_RESERVED_BITS", "reserved bits not set to zero as required"},
	BadAuth:      {"TPM_RC_BAD_AUTH", "authorization failure without DA implications"},
	Expired:      {"TPM_RC_EXPIRED", "the policy has expired"},
	PolicyCC:     {"TPM_RC_POLICY_CC", "the commandCode in the policy is not the commandCode of the command or the command code in a policy command references a command that is not implemented"},
	Binding:      {"TPM_RC_BINDING", "public and sensitive portions of an object are not cryptographically bound"},
	Curve:        {"TPM_RC_CURVE", "curve not supported"},
	ECCPoint:     {"TPM_RC_ECC_POINT", "point is not on the required curve"},

	ContextGap:     {"TPM_RC_CONTEXT_GAP", "gap for context ID is too large"},
	ObjectMemory:   {"TPM_RC_OBJECT_MEMORY", "out of memory for object contexts"},
	SessionMemory:  {"TPM_RC_SESSION_MEMORY", "out of memory for session contexts"},
	Memory:         {"TPM_RC_MEMORY", "out of shared object/session memory or need space for internal operations"},
	SessionHandles: {"TPM_RC_SESSION_HANDLES", "out of session handles; a session must be flushed before a new session may be created"},
	ObjectHandles:  {"TPM_RC_OBJECT_HANDLES", "out of object handles"},
	Locality:       {"TPM_RC_LOCALITY", "bad locality"},
	Yielded:        {"TPM_RC_YIELDED", "the TPM has suspended operation on the command"},
	Canceled:       {"TPM_RC_CANCELED", "the command was canceled"},
	Testing:        {"TPM_RC_TESTING", "TPM is performing self-tests"},
	NVRate:         {"TPM_RC_NV_RATE", "the TPM is rate-limiting accesses to prevent wearout of NV"},
	Lockout:        {"TPM_RC_LOCKOUT", "authorizations for objects subject to DA protection are not allowed at this time because the TPM is in DA lockout mode"},
	Retry:          {"TPM_RC_RETRY", "the TPM was not able to start the command"},
	NVUnavailable:  {"TPM_RC_NV_UNAVAILABLE", "the command may require writing of NV and NV is not current accessible"},
}

var baseCodes = map[uint16]codeInfo{
	GeneralFailure:          {"TSS2_BASE_RC_GENERAL_FAILURE", "catch all for all errors not otherwise specified"},
	NotImplemented:          {"TSS2_BASE_RC_NOT_IMPLEMENTED", "if called functionality isn't implemented"},
	BadContextTSS:           {"TSS2_BASE_RC_BAD_CONTEXT", "a context structure is bad"},
	ABIMismatch:             {"TSS2_BASE_RC_ABI_MISMATCH", "passed in ABI version doesn't match called module's ABI version"},
	BadReference:            {"TSS2_BASE_RC_BAD_REFERENCE", "a pointer is NULL that isn't allowed to be NULL"},
	InsufficientBuffer:      {"TSS2_BASE_RC_INSUFFICIENT_BUFFER", "buffer passed in isn't large enough"},
	BadSequence:             {"TSS2_BASE_RC_BAD_SEQUENCE", "function called in the wrong order"},
	NoConnection:            {"TSS2_BASE_RC_NO_CONNECTION", "fails to connect to next lower layer"},
	TryAgain:                {"TSS2_BASE_RC_TRY_AGAIN", "operation timed out; function must be called again to be completed"},
	IOError:                 {"TSS2_BASE_RC_IO_ERROR", "IO failure"},
	BadValue:                {"TSS2_BASE_RC_BAD_VALUE", "a parameter has a bad value"},
	NotPermitted:            {"TSS2_BASE_RC_NOT_PERMITTED", "operation not permitted"},
	InvalidSessions:         {"TSS2_BASE_RC_INVALID_SESSIONS", "session structures were sent, but command doesn't use them or doesn't use the specified number of them"},
	NoDecryptParam:          {"TSS2_BASE_RC_NO_DECRYPT_PARAM", "if function called that uses decrypt parameter, but command doesn't support decrypt parameter"},
	NoEncryptParam:          {"TSS2_BASE_RC_NO_ENCRYPT_PARAM", "if function called that uses encrypt parameter, but command doesn't support encrypt parameter"},
	BadSize:                 {"TSS2_BASE_RC_BAD_SIZE", "if size of a parameter is incorrect"},
	MalformedResponse:       {"TSS2_BASE_RC_MALFORMED_RESPONSE", "response is malformed"},
	InsufficientContext:     {"TSS2_BASE_RC_INSUFFICIENT_CONTEXT", "context not large enough"},
	InsufficientResponse:    {"TSS2_BASE_RC_INSUFFICIENT_RESPONSE", "response is not long enough"},
	IncompatibleTCTI:        {"TSS2_BASE_RC_INCOMPATIBLE_TCTI", "unknown or unusable TCTI version"},
	NotSupported:            {"TSS2_BASE_RC_NOT_SUPPORTED", "functionality not supported"},
	BadTCTIStructure:        {"TSS2_BASE_RC_BAD_TCTI_STRUCTURE", "TCTI context is bad"},
	OutOfMemory:             {"TSS2_BASE_RC_MEMORY", "memory allocation failed"},
	BadTR:                   {"TSS2_BASE_RC_BAD_TR", "invalid ESYS_TR handle"},
	MultipleDecryptSessions: {"TSS2_BASE_RC_MULTIPLE_DECRYPT_SESSIONS", "more than one session with TPMA_SESSION_DECRYPT bit set"},
	MultipleEncryptSessions: {"TSS2_BASE_RC_MULTIPLE_ENCRYPT_SESSIONS", "more than one session with TPMA_SESSION_ENCRYPT bit set"},
	RspAuthFailed:           {"TSS2_BASE_RC_RSP_AUTH_FAILED", "authorizing the TPM response failed"},
}

func (c TPMCode) String() string {
	if info, ok := tpmCodes[c]; ok {
		return info.name
	}
	return "TPM_RC_UNKNOWN"
}

// referenceCode maps the REFERENCE_Hn/REFERENCE_Sn warning ranges onto an
// index kind and 1-based index.
func referenceCode(c TPMCode) (IndexKind, int, bool) {
	switch {
	case c >= ReferenceH0 && c <= ReferenceH6:
		return IndexHandle, int(c-ReferenceH0) + 1, true
	case c >= ReferenceS0 && c <= ReferenceS6:
		return IndexSession, int(c-ReferenceS0) + 1, true
	}
	return IndexNone, 0, false
}
