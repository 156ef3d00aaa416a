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

package structures

import "strings"

// ObjectAttributes is TPMA_OBJECT.
type ObjectAttributes uint32

const (
	AttrFixedTPM             ObjectAttributes = 1 << 1
	AttrStClear              ObjectAttributes = 1 << 2
	AttrFixedParent          ObjectAttributes = 1 << 4
	AttrSensitiveDataOrigin  ObjectAttributes = 1 << 5
	AttrUserWithAuth         ObjectAttributes = 1 << 6
	AttrAdminWithPolicy      ObjectAttributes = 1 << 7
	AttrNoDA                 ObjectAttributes = 1 << 10
	AttrEncryptedDuplication ObjectAttributes = 1 << 11
	AttrRestricted           ObjectAttributes = 1 << 16
	AttrDecrypt              ObjectAttributes = 1 << 17
	AttrSignEncrypt          ObjectAttributes = 1 << 18

	objectAttrsDefined = AttrFixedTPM | AttrStClear | AttrFixedParent |
		AttrSensitiveDataOrigin | AttrUserWithAuth | AttrAdminWithPolicy |
		AttrNoDA | AttrEncryptedDuplication | AttrRestricted | AttrDecrypt |
		AttrSignEncrypt
)

// Has reports whether every bit of f is set.
func (a ObjectAttributes) Has(f ObjectAttributes) bool {
	return a&f == f
}

func (a ObjectAttributes) validate() error {
	if a&^objectAttrsDefined != 0 {
		return invalid("Public", "objectAttributes", "reserved bits 0x%08x set", uint32(a&^objectAttrsDefined))
	}
	if a.Has(AttrFixedTPM) && !a.Has(AttrFixedParent) {
		return invalid("Public", "objectAttributes", "fixedTPM requires fixedParent")
	}
	if a.Has(AttrRestricted) && a.Has(AttrDecrypt) && a.Has(AttrSignEncrypt) {
		return invalid("Public", "objectAttributes", "restricted key cannot both sign and decrypt")
	}
	return nil
}

// SessionAttributes is TPMA_SESSION.
type SessionAttributes uint8

const (
	SessionContinue       SessionAttributes = 1 << 0
	SessionAuditExclusive SessionAttributes = 1 << 1
	SessionAuditReset     SessionAttributes = 1 << 2
	SessionDecrypt        SessionAttributes = 1 << 5
	SessionEncrypt        SessionAttributes = 1 << 6
	SessionAudit          SessionAttributes = 1 << 7

	sessionAttrsReserved SessionAttributes = 1<<3 | 1<<4
)

// NewSessionAttributes validates a TPMA_SESSION value.
func NewSessionAttributes(v uint8) (SessionAttributes, error) {
	a := SessionAttributes(v)
	if err := a.validate(); err != nil {
		return 0, err
	}
	return a, nil
}

func (a SessionAttributes) validate() error {
	if a&sessionAttrsReserved != 0 {
		return invalid("SessionAttributes", "reserved", "bits 3-4 must be clear")
	}
	if (a.Has(SessionAuditExclusive) || a.Has(SessionAuditReset)) && !a.Has(SessionAudit) {
		return invalid("SessionAttributes", "audit", "auditExclusive and auditReset require audit")
	}
	return nil
}

// Has reports whether every bit of f is set.
func (a SessionAttributes) Has(f SessionAttributes) bool {
	return a&f == f
}

// With returns a copy with f set.
func (a SessionAttributes) With(f SessionAttributes) SessionAttributes {
	return a | f
}

// Without returns a copy with f cleared.
func (a SessionAttributes) Without(f SessionAttributes) SessionAttributes {
	return a &^ f
}

// Apply returns a with the bits selected by mask replaced by those in attrs.
func (a SessionAttributes) Apply(attrs, mask SessionAttributes) SessionAttributes {
	return a&^mask | attrs&mask
}

// Marshal returns the single byte encoding.
func (a SessionAttributes) Marshal() []byte {
	return []byte{byte(a)}
}

// UnmarshalSessionAttributes decodes a TPMA_SESSION byte.
func UnmarshalSessionAttributes(b []byte) (SessionAttributes, error) {
	d := newDecoder("SessionAttributes", b)
	v := SessionAttributes(d.u8("attributes"))
	d.check(v.validate())
	if err := d.finish(); err != nil {
		return 0, err
	}
	return v, nil
}

func (a SessionAttributes) String() string {
	var parts []string
	for _, f := range []struct {
		bit  SessionAttributes
		name string
	}{
		{SessionContinue, "continueSession"},
		{SessionAuditExclusive, "auditExclusive"},
		{SessionAuditReset, "auditReset"},
		{SessionDecrypt, "decrypt"},
		{SessionEncrypt, "encrypt"},
		{SessionAudit, "audit"},
	} {
		if a.Has(f.bit) {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// NVAttributes is TPMA_NV.
type NVAttributes uint32

const (
	NVPPWrite        NVAttributes = 1 << 0
	NVOwnerWrite     NVAttributes = 1 << 1
	NVAuthWrite      NVAttributes = 1 << 2
	NVPolicyWrite    NVAttributes = 1 << 3
	NVPolicyDelete   NVAttributes = 1 << 10
	NVWriteLocked    NVAttributes = 1 << 11
	NVWriteAll       NVAttributes = 1 << 12
	NVWriteDefine    NVAttributes = 1 << 13
	NVWriteSTClear   NVAttributes = 1 << 14
	NVGlobalLock     NVAttributes = 1 << 15
	NVPPRead         NVAttributes = 1 << 16
	NVOwnerRead      NVAttributes = 1 << 17
	NVAuthRead       NVAttributes = 1 << 18
	NVPolicyRead     NVAttributes = 1 << 19
	NVNoDA           NVAttributes = 1 << 25
	NVOrderly        NVAttributes = 1 << 26
	NVClearSTClear   NVAttributes = 1 << 27
	NVReadLocked     NVAttributes = 1 << 28
	NVWritten        NVAttributes = 1 << 29
	NVPlatformCreate NVAttributes = 1 << 30
	NVReadSTClear    NVAttributes = 1 << 31

	nvTypeShift                 = 4
	nvTypeMask     NVAttributes = 0xf << nvTypeShift
	nvReservedBits NVAttributes = 0x3<<8 | 0x7<<20 | 0x3<<23
)

// NVType is the TPM_NT field of TPMA_NV.
type NVType uint8

const (
	NVTypeOrdinary NVType = 0
	NVTypeCounter  NVType = 1
	NVTypeBits     NVType = 2
	NVTypeExtend   NVType = 4
	NVTypePinFail  NVType = 8
	NVTypePinPass  NVType = 9
)

// Has reports whether every bit of f is set.
func (a NVAttributes) Has(f NVAttributes) bool {
	return a&f == f
}

// Type returns the index type.
func (a NVAttributes) Type() NVType {
	return NVType((a & nvTypeMask) >> nvTypeShift)
}

// WithType returns a copy with the index type replaced.
func (a NVAttributes) WithType(t NVType) NVAttributes {
	return a&^nvTypeMask | NVAttributes(t)<<nvTypeShift&nvTypeMask
}
