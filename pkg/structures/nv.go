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

import (
	"bytes"
	"encoding/binary"
)

const (
	NVIndexFirst uint32 = 0x01000000
	NVIndexLast  uint32 = 0x01ffffff

	// MaxNVIndexSize bounds the data area of an ordinary index.
	MaxNVIndexSize = 2048
	// MaxNVBufferSize bounds a single NV_Read or NV_Write transfer.
	MaxNVBufferSize = 1024

	nvWriteAuth = NVPPWrite | NVOwnerWrite | NVAuthWrite | NVPolicyWrite
	nvReadAuth  = NVPPRead | NVOwnerRead | NVAuthRead | NVPolicyRead
)

// NVPublic is TPMS_NV_PUBLIC.
type NVPublic struct {
	index      uint32
	nameAlg    AlgorithmID
	attrs      NVAttributes
	authPolicy []byte
	dataSize   uint16
}

// NewNVPublic validates an NV index definition.
func NewNVPublic(index uint32, nameAlg AlgorithmID, attrs NVAttributes, authPolicy []byte, dataSize uint16) (*NVPublic, error) {
	p := &NVPublic{
		index:      index,
		nameAlg:    nameAlg,
		attrs:      attrs,
		authPolicy: cloneBytes(authPolicy),
		dataSize:   dataSize,
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *NVPublic) validate() error {
	if p.index < NVIndexFirst || p.index > NVIndexLast {
		return invalid("NVPublic", "nvIndex", "0x%08x is not an NV index handle", p.index)
	}
	if !p.nameAlg.IsHash() {
		return invalid("NVPublic", "nameAlg", "%v is not a hash algorithm", p.nameAlg)
	}
	if p.attrs&nvReservedBits != 0 {
		return invalid("NVPublic", "attributes", "reserved bits set: 0x%08x", uint32(p.attrs&nvReservedBits))
	}
	if p.attrs&nvWriteAuth == 0 {
		return invalid("NVPublic", "attributes", "no write authorization selected")
	}
	if p.attrs&nvReadAuth == 0 {
		return invalid("NVPublic", "attributes", "no read authorization selected")
	}
	if n := len(p.authPolicy); n != 0 && n != p.nameAlg.DigestSize() {
		return invalid("NVPublic", "authPolicy", "length %d does not match %v digest size", n, p.nameAlg)
	}
	switch p.attrs.Type() {
	case NVTypeOrdinary:
		if p.dataSize > MaxNVIndexSize {
			return invalid("NVPublic", "dataSize", "%d exceeds %d", p.dataSize, MaxNVIndexSize)
		}
	case NVTypeCounter, NVTypeBits, NVTypePinFail, NVTypePinPass:
		if p.dataSize != 8 {
			return invalid("NVPublic", "dataSize", "%d for a %d-typed index, want 8", p.dataSize, p.attrs.Type())
		}
	case NVTypeExtend:
		if int(p.dataSize) != p.nameAlg.DigestSize() {
			return invalid("NVPublic", "dataSize", "%d does not match %v digest size", p.dataSize, p.nameAlg)
		}
	default:
		return invalid("NVPublic", "attributes", "unknown index type %d", p.attrs.Type())
	}
	return nil
}

func (p *NVPublic) Index() uint32            { return p.index }
func (p *NVPublic) NameAlg() AlgorithmID     { return p.nameAlg }
func (p *NVPublic) Attributes() NVAttributes { return p.attrs }
func (p *NVPublic) AuthPolicy() []byte       { return cloneBytes(p.authPolicy) }
func (p *NVPublic) DataSize() uint16         { return p.dataSize }

// WithAttributes returns a copy carrying attrs. Used for the written and
// lock bits the TPM maintains.
func (p *NVPublic) WithAttributes(attrs NVAttributes) *NVPublic {
	c := *p
	c.attrs = attrs
	c.authPolicy = cloneBytes(p.authPolicy)
	return &c
}

func (p *NVPublic) Equal(o *NVPublic) bool {
	if p == nil || o == nil {
		return p == o
	}
	return bytes.Equal(p.Marshal(), o.Marshal())
}

// Name computes the index name: nameAlg || H(TPMS_NV_PUBLIC).
func (p *NVPublic) Name() []byte {
	h := p.nameAlg.Hash().New()
	h.Write(p.Marshal())
	name := binary.BigEndian.AppendUint16(nil, uint16(p.nameAlg))
	return h.Sum(name)
}

// Marshal returns the TPMS_NV_PUBLIC encoding.
func (p *NVPublic) Marshal() []byte {
	var e encoder
	e.u32(p.index)
	e.u16(uint16(p.nameAlg))
	e.u32(uint32(p.attrs))
	e.b16(p.authPolicy)
	e.u16(p.dataSize)
	return e.bytes()
}

// UnmarshalNVPublic decodes and validates a TPMS_NV_PUBLIC.
func UnmarshalNVPublic(b []byte) (*NVPublic, error) {
	d := newDecoder("NVPublic", b)
	p := &NVPublic{}
	p.index = d.u32("nvIndex")
	p.nameAlg = AlgorithmID(d.u16("nameAlg"))
	p.attrs = NVAttributes(d.u32("attributes"))
	p.authPolicy = d.b16("authPolicy")
	p.dataSize = d.u16("dataSize")
	if d.err == nil {
		d.check(p.validate())
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return p, nil
}
