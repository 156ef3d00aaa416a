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

import "fmt"

// Structure tags of tickets.
const (
	TagVerified  uint16 = 0x8022
	TagHashCheck uint16 = 0x8024

	// RHNull is TPM_RH_NULL, the hierarchy of a null ticket.
	RHNull uint32 = 0x40000007
)

// NewSigScheme validates a TPMT_SIG_SCHEME. A null scheme defers to the
// key's own scheme.
func NewSigScheme(alg, hash AlgorithmID) (Scheme, error) {
	s := Scheme{Alg: alg, Hash: hash}
	if s.IsNull() {
		return NullScheme, nil
	}
	if err := s.validate("SigScheme", "scheme", AlgRSASSA, AlgRSAPSS, AlgECDSA, AlgHMAC); err != nil {
		return Scheme{}, err
	}
	return s, nil
}

// MarshalScheme returns the TPMT_SIG_SCHEME encoding.
func MarshalScheme(s Scheme) []byte {
	var e encoder
	s.encode(&e)
	return e.bytes()
}

// UnmarshalSigScheme decodes a TPMT_SIG_SCHEME.
func UnmarshalSigScheme(b []byte) (Scheme, error) {
	d := newDecoder("SigScheme", b)
	s := decodeScheme(d, "scheme")
	if d.err == nil && !s.IsNull() {
		_, err := NewSigScheme(s.Alg, s.Hash)
		d.check(err)
	}
	if err := d.finish(); err != nil {
		return Scheme{}, err
	}
	return s, nil
}

// Signature is TPMT_SIGNATURE.
type Signature struct {
	alg  AlgorithmID
	hash AlgorithmID
	sig  []byte // RSA signature or HMAC digest
	r, s []byte // ECDSA
}

// NewRSASignature builds an RSASSA or RSAPSS signature.
func NewRSASignature(alg, hash AlgorithmID, sig []byte) (*Signature, error) {
	if alg != AlgRSASSA && alg != AlgRSAPSS {
		return nil, invalid("Signature", "sigAlg", "%v is not an RSA signature scheme", alg)
	}
	if !hash.IsHash() {
		return nil, invalid("Signature", "hash", "%v is not a hash algorithm", hash)
	}
	if len(sig) == 0 || len(sig) > maxRSAKeyBytes {
		return nil, invalid("Signature", "sig", "length %d out of range", len(sig))
	}
	return &Signature{alg: alg, hash: hash, sig: cloneBytes(sig)}, nil
}

// NewECDSASignature builds an ECDSA signature.
func NewECDSASignature(hash AlgorithmID, r, s []byte) (*Signature, error) {
	if !hash.IsHash() {
		return nil, invalid("Signature", "hash", "%v is not a hash algorithm", hash)
	}
	if len(r) == 0 || len(r) > 66 {
		return nil, invalid("Signature", "signatureR", "length %d out of range", len(r))
	}
	if len(s) == 0 || len(s) > 66 {
		return nil, invalid("Signature", "signatureS", "length %d out of range", len(s))
	}
	return &Signature{alg: AlgECDSA, hash: hash, r: cloneBytes(r), s: cloneBytes(s)}, nil
}

// NewHMACSignature builds an HMAC signature.
func NewHMACSignature(hash AlgorithmID, digest []byte) (*Signature, error) {
	if !hash.IsHash() {
		return nil, invalid("Signature", "hash", "%v is not a hash algorithm", hash)
	}
	if len(digest) != hash.DigestSize() {
		return nil, invalid("Signature", "digest", "length %d does not match %v", len(digest), hash)
	}
	return &Signature{alg: AlgHMAC, hash: hash, sig: cloneBytes(digest)}, nil
}

func (s *Signature) Algorithm() AlgorithmID { return s.alg }
func (s *Signature) Hash() AlgorithmID      { return s.hash }

// Bytes returns the RSA signature or HMAC digest, or r||s for ECDSA.
func (s *Signature) Bytes() []byte {
	if s.alg == AlgECDSA {
		return append(cloneBytes(s.r), s.s...)
	}
	return cloneBytes(s.sig)
}

// ECDSA returns the r and s components.
func (s *Signature) ECDSA() (r, sv []byte) {
	return cloneBytes(s.r), cloneBytes(s.s)
}

// Size returns the signature length comparable with Public.SignatureSize.
func (s *Signature) Size() int {
	if s.alg == AlgECDSA {
		return len(s.r) + len(s.s)
	}
	return len(s.sig)
}

// Marshal returns the TPMT_SIGNATURE encoding.
func (s *Signature) Marshal() []byte {
	var e encoder
	e.u16(uint16(s.alg))
	e.u16(uint16(s.hash))
	switch s.alg {
	case AlgRSASSA, AlgRSAPSS:
		e.b16(s.sig)
	case AlgECDSA:
		e.b16(s.r)
		e.b16(s.s)
	case AlgHMAC:
		e.raw(s.sig)
	}
	return e.bytes()
}

// UnmarshalSignature decodes a TPMT_SIGNATURE.
func UnmarshalSignature(b []byte) (*Signature, error) {
	d := newDecoder("Signature", b)
	alg := AlgorithmID(d.u16("sigAlg"))
	hash := AlgorithmID(d.u16("hash"))
	var sig *Signature
	var err error
	if d.err == nil {
		switch alg {
		case AlgRSASSA, AlgRSAPSS:
			raw := d.b16("sig")
			if d.err == nil {
				sig, err = NewRSASignature(alg, hash, raw)
			}
		case AlgECDSA:
			r := d.b16("signatureR")
			sv := d.b16("signatureS")
			if d.err == nil {
				sig, err = NewECDSASignature(hash, r, sv)
			}
		case AlgHMAC:
			if !hash.IsHash() {
				d.fail("hash", fmt.Sprintf("%v is not a hash algorithm", hash))
				break
			}
			digest := d.fixed("digest", hash.DigestSize())
			if d.err == nil {
				sig, err = NewHMACSignature(hash, digest)
			}
		default:
			d.fail("sigAlg", fmt.Sprintf("unsupported signature algorithm %v", alg))
		}
		d.check(err)
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return sig, nil
}

// Ticket is TPMT_TK_VERIFIED or TPMT_TK_HASHCHECK.
type Ticket struct {
	tag       uint16
	hierarchy uint32
	digest    []byte
}

// NullHashCheck is the ticket passed to Sign for digests not produced by
// the TPM.
func NullHashCheck() *Ticket {
	return &Ticket{tag: TagHashCheck, hierarchy: RHNull}
}

// NewTicket validates a ticket.
func NewTicket(tag uint16, hierarchy uint32, digest []byte) (*Ticket, error) {
	if tag != TagVerified && tag != TagHashCheck {
		return nil, invalid("Ticket", "tag", "unexpected tag 0x%04x", tag)
	}
	if len(digest) > MaxAuthSize {
		return nil, invalid("Ticket", "digest", "length %d exceeds %d", len(digest), MaxAuthSize)
	}
	return &Ticket{tag: tag, hierarchy: hierarchy, digest: cloneBytes(digest)}, nil
}

func (t *Ticket) Tag() uint16       { return t.tag }
func (t *Ticket) Hierarchy() uint32 { return t.hierarchy }
func (t *Ticket) Digest() []byte    { return cloneBytes(t.digest) }

// Marshal returns the ticket encoding.
func (t *Ticket) Marshal() []byte {
	var e encoder
	e.u16(t.tag)
	e.u32(t.hierarchy)
	e.b16(t.digest)
	return e.bytes()
}

// UnmarshalTicket decodes a ticket.
func UnmarshalTicket(b []byte) (*Ticket, error) {
	d := newDecoder("Ticket", b)
	tag := d.u16("tag")
	hierarchy := d.u32("hierarchy")
	digest := d.b16("digest")
	var t *Ticket
	if d.err == nil {
		var err error
		t, err = NewTicket(tag, hierarchy, digest)
		d.check(err)
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return t, nil
}
