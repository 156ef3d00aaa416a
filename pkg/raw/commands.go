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

package raw

// Byte fields hold the marshaled TPM structure named in their comment,
// without an outer TPM2B size unless stated otherwise.

type GetRandom struct {
	BytesRequested uint16
}

type GetRandomOut struct {
	Random []byte
}

func (GetRandom) Code() CommandCode { return CCGetRandom }
func (GetRandom) Handles() []uint32 { return nil }
func (GetRandom) AuthHandles() int  { return 0 }

// StartAuthSession starts an HMAC, policy or trial session. TPMKey is the
// salting key or RHNull, Bind the bound entity or RHNull.
type StartAuthSession struct {
	TPMKey      uint32
	Bind        uint32
	SessionType uint8
	Symmetric   []byte // TPMT_SYM_DEF
	AuthHash    uint16
	Attributes  uint8 // TPMA_SESSION applied once started
}

type StartAuthSessionOut struct {
	SessionHandle uint32
}

func (StartAuthSession) Code() CommandCode { return CCStartAuthSession }
func (c StartAuthSession) Handles() []uint32 {
	var hs []uint32
	if c.TPMKey != RHNull {
		hs = append(hs, c.TPMKey)
	}
	if c.Bind != RHNull {
		hs = append(hs, c.Bind)
	}
	return hs
}
func (StartAuthSession) AuthHandles() int { return 0 }

// SessionSetAttributes replaces the attribute bits selected by Mask.
type SessionSetAttributes struct {
	Session    uint32
	Attributes uint8
	Mask       uint8
}

func (SessionSetAttributes) Code() CommandCode   { return CCSessionSetAttrs }
func (c SessionSetAttributes) Handles() []uint32 { return []uint32{c.Session} }
func (SessionSetAttributes) AuthHandles() int    { return 0 }

// SetAuth records the auth value used when Handle is authorized.
type SetAuth struct {
	Handle uint32
	Auth   []byte
}

func (SetAuth) Code() CommandCode   { return CCSetAuth }
func (c SetAuth) Handles() []uint32 { return []uint32{c.Handle} }
func (SetAuth) AuthHandles() int    { return 0 }

type FlushContext struct {
	FlushHandle uint32
}

func (FlushContext) Code() CommandCode   { return CCFlushContext }
func (c FlushContext) Handles() []uint32 { return []uint32{c.FlushHandle} }
func (FlushContext) AuthHandles() int    { return 0 }

// TRClose drops the surface metadata of a persistent object or NV index
// without touching the TPM.
type TRClose struct {
	Handle uint32
}

func (TRClose) Code() CommandCode   { return CCTRClose }
func (c TRClose) Handles() []uint32 { return []uint32{c.Handle} }
func (TRClose) AuthHandles() int    { return 0 }

// TRFromTPMPublic reads the public area of an existing persistent object
// or NV index so it can be referenced.
type TRFromTPMPublic struct {
	Handle uint32
}

type TRFromTPMPublicOut struct {
	Name   []byte
	Public []byte // TPMT_PUBLIC or TPMS_NV_PUBLIC
}

func (TRFromTPMPublic) Code() CommandCode { return CCTRFromTPMPublic }
func (TRFromTPMPublic) Handles() []uint32 { return nil }
func (TRFromTPMPublic) AuthHandles() int  { return 0 }

type CreatePrimary struct {
	PrimaryHandle uint32
	InSensitive   []byte // TPMS_SENSITIVE_CREATE
	InPublic      []byte // TPMT_PUBLIC
	OutsideInfo   []byte
	CreationPCR   []byte // TPML_PCR_SELECTION
}

type CreatePrimaryOut struct {
	ObjectHandle uint32
	OutPublic    []byte // TPMT_PUBLIC
	Name         []byte
}

func (CreatePrimary) Code() CommandCode   { return CCCreatePrimary }
func (c CreatePrimary) Handles() []uint32 { return []uint32{c.PrimaryHandle} }
func (CreatePrimary) AuthHandles() int    { return 1 }

type Create struct {
	ParentHandle uint32
	InSensitive  []byte // TPMS_SENSITIVE_CREATE
	InPublic     []byte // TPMT_PUBLIC
	OutsideInfo  []byte
	CreationPCR  []byte // TPML_PCR_SELECTION
}

type CreateOut struct {
	OutPrivate []byte // TPM2B_PRIVATE contents
	OutPublic  []byte // TPMT_PUBLIC
}

func (Create) Code() CommandCode   { return CCCreate }
func (c Create) Handles() []uint32 { return []uint32{c.ParentHandle} }
func (Create) AuthHandles() int    { return 1 }

type Load struct {
	ParentHandle uint32
	InPrivate    []byte
	InPublic     []byte // TPMT_PUBLIC
}

type LoadOut struct {
	ObjectHandle uint32
	Name         []byte
}

func (Load) Code() CommandCode   { return CCLoad }
func (c Load) Handles() []uint32 { return []uint32{c.ParentHandle} }
func (Load) AuthHandles() int    { return 1 }

type LoadExternal struct {
	InPublic  []byte // TPMT_PUBLIC
	Hierarchy uint32
}

type LoadExternalOut struct {
	ObjectHandle uint32
	Name         []byte
}

func (LoadExternal) Code() CommandCode { return CCLoadExternal }
func (LoadExternal) Handles() []uint32 { return nil }
func (LoadExternal) AuthHandles() int  { return 0 }

type ReadPublic struct {
	ObjectHandle uint32
}

type ReadPublicOut struct {
	OutPublic     []byte // TPMT_PUBLIC
	Name          []byte
	QualifiedName []byte
}

func (ReadPublic) Code() CommandCode   { return CCReadPublic }
func (c ReadPublic) Handles() []uint32 { return []uint32{c.ObjectHandle} }
func (ReadPublic) AuthHandles() int    { return 0 }

type Sign struct {
	KeyHandle  uint32
	Digest     []byte
	Scheme     []byte // TPMT_SIG_SCHEME
	Validation []byte // TPMT_TK_HASHCHECK
}

type SignOut struct {
	Signature []byte // TPMT_SIGNATURE
}

func (Sign) Code() CommandCode   { return CCSign }
func (c Sign) Handles() []uint32 { return []uint32{c.KeyHandle} }
func (Sign) AuthHandles() int    { return 1 }

type VerifySignature struct {
	KeyHandle uint32
	Digest    []byte
	Signature []byte // TPMT_SIGNATURE
}

type VerifySignatureOut struct {
	Validation []byte // TPMT_TK_VERIFIED
}

func (VerifySignature) Code() CommandCode   { return CCVerifySignature }
func (c VerifySignature) Handles() []uint32 { return []uint32{c.KeyHandle} }
func (VerifySignature) AuthHandles() int    { return 0 }

type Unseal struct {
	ItemHandle uint32
}

type UnsealOut struct {
	OutData []byte
}

func (Unseal) Code() CommandCode   { return CCUnseal }
func (c Unseal) Handles() []uint32 { return []uint32{c.ItemHandle} }
func (Unseal) AuthHandles() int    { return 1 }

type PCRRead struct {
	Selection []byte // TPML_PCR_SELECTION
}

// PCRReadOut holds the digests of the PCRs in Selection, which may be a
// subset of the requested selection.
type PCRReadOut struct {
	UpdateCounter uint32
	Selection     []byte // TPML_PCR_SELECTION
	Digests       [][]byte
}

func (PCRRead) Code() CommandCode { return CCPCRRead }
func (PCRRead) Handles() []uint32 { return nil }
func (PCRRead) AuthHandles() int  { return 0 }

type PCRExtend struct {
	PCRHandle uint32
	Digests   []byte // TPML_DIGEST_VALUES
}

func (PCRExtend) Code() CommandCode   { return CCPCRExtend }
func (c PCRExtend) Handles() []uint32 { return []uint32{c.PCRHandle} }
func (PCRExtend) AuthHandles() int    { return 1 }

type NVDefineSpace struct {
	AuthHandle uint32
	Auth       []byte
	PublicInfo []byte // TPMS_NV_PUBLIC
}

type NVDefineSpaceOut struct {
	NVIndex uint32
	Name    []byte
}

func (NVDefineSpace) Code() CommandCode   { return CCNVDefineSpace }
func (c NVDefineSpace) Handles() []uint32 { return []uint32{c.AuthHandle} }
func (NVDefineSpace) AuthHandles() int    { return 1 }

type NVUndefineSpace struct {
	AuthHandle uint32
	NVIndex    uint32
}

func (NVUndefineSpace) Code() CommandCode   { return CCNVUndefineSpace }
func (c NVUndefineSpace) Handles() []uint32 { return []uint32{c.AuthHandle, c.NVIndex} }
func (NVUndefineSpace) AuthHandles() int    { return 1 }

type NVWrite struct {
	AuthHandle uint32
	NVIndex    uint32
	Data       []byte
	Offset     uint16
}

func (NVWrite) Code() CommandCode   { return CCNVWrite }
func (c NVWrite) Handles() []uint32 { return []uint32{c.AuthHandle, c.NVIndex} }
func (NVWrite) AuthHandles() int    { return 1 }

type NVRead struct {
	AuthHandle uint32
	NVIndex    uint32
	Size       uint16
	Offset     uint16
}

type NVReadOut struct {
	Data []byte
}

func (NVRead) Code() CommandCode   { return CCNVRead }
func (c NVRead) Handles() []uint32 { return []uint32{c.AuthHandle, c.NVIndex} }
func (NVRead) AuthHandles() int    { return 1 }

type NVReadPublic struct {
	NVIndex uint32
}

type NVReadPublicOut struct {
	NVPublic []byte // TPMS_NV_PUBLIC
	NVName   []byte
}

func (NVReadPublic) Code() CommandCode   { return CCNVReadPublic }
func (c NVReadPublic) Handles() []uint32 { return []uint32{c.NVIndex} }
func (NVReadPublic) AuthHandles() int    { return 0 }

type GetCapability struct {
	Capability    uint32
	Property      uint32
	PropertyCount uint32
}

type GetCapabilityOut struct {
	MoreData       bool
	CapabilityData []byte // TPMS_CAPABILITY_DATA
}

func (GetCapability) Code() CommandCode { return CCGetCapability }
func (GetCapability) Handles() []uint32 { return nil }
func (GetCapability) AuthHandles() int  { return 0 }

type ContextSave struct {
	SaveHandle uint32
}

type ContextSaveOut struct {
	Context []byte // TPMS_CONTEXT
}

func (ContextSave) Code() CommandCode   { return CCContextSave }
func (c ContextSave) Handles() []uint32 { return []uint32{c.SaveHandle} }
func (ContextSave) AuthHandles() int    { return 0 }

type ContextLoad struct {
	Context []byte // TPMS_CONTEXT
}

type ContextLoadOut struct {
	LoadedHandle uint32
	Name         []byte
}

func (ContextLoad) Code() CommandCode { return CCContextLoad }
func (ContextLoad) Handles() []uint32 { return nil }
func (ContextLoad) AuthHandles() int  { return 0 }

// EvictControl makes a transient object persistent at PersistentHandle,
// or evicts ObjectHandle when it already is that persistent handle.
type EvictControl struct {
	Auth             uint32
	ObjectHandle     uint32
	PersistentHandle uint32
}

// EvictControlOut reports the persistent handle created, zero on eviction.
type EvictControlOut struct {
	NewHandle uint32
	Name      []byte
}

func (EvictControl) Code() CommandCode   { return CCEvictControl }
func (c EvictControl) Handles() []uint32 { return []uint32{c.Auth, c.ObjectHandle} }
func (EvictControl) AuthHandles() int    { return 1 }

type PolicyPCR struct {
	PolicySession uint32
	PCRDigest     []byte
	PCRs          []byte // TPML_PCR_SELECTION
}

func (PolicyPCR) Code() CommandCode   { return CCPolicyPCR }
func (c PolicyPCR) Handles() []uint32 { return []uint32{c.PolicySession} }
func (PolicyPCR) AuthHandles() int    { return 0 }

type PolicyAuthValue struct {
	PolicySession uint32
}

func (PolicyAuthValue) Code() CommandCode   { return CCPolicyAuthValue }
func (c PolicyAuthValue) Handles() []uint32 { return []uint32{c.PolicySession} }
func (PolicyAuthValue) AuthHandles() int    { return 0 }

type PolicyPassword struct {
	PolicySession uint32
}

func (PolicyPassword) Code() CommandCode   { return CCPolicyPassword }
func (c PolicyPassword) Handles() []uint32 { return []uint32{c.PolicySession} }
func (PolicyPassword) AuthHandles() int    { return 0 }

type PolicyCommandCode struct {
	PolicySession uint32
	CommandCode   uint32
}

func (PolicyCommandCode) Code() CommandCode   { return CCPolicyCommandCode }
func (c PolicyCommandCode) Handles() []uint32 { return []uint32{c.PolicySession} }
func (PolicyCommandCode) AuthHandles() int    { return 0 }

type PolicyGetDigest struct {
	PolicySession uint32
}

type PolicyGetDigestOut struct {
	PolicyDigest []byte
}

func (PolicyGetDigest) Code() CommandCode   { return CCPolicyGetDigest }
func (c PolicyGetDigest) Handles() []uint32 { return []uint32{c.PolicySession} }
func (PolicyGetDigest) AuthHandles() int    { return 0 }

type PolicyRestart struct {
	SessionHandle uint32
}

func (PolicyRestart) Code() CommandCode   { return CCPolicyRestart }
func (c PolicyRestart) Handles() []uint32 { return []uint32{c.SessionHandle} }
func (PolicyRestart) AuthHandles() int    { return 0 }
