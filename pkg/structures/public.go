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
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/binary"
	"errors"
	"math/big"
)

const (
	maxRSAKeyBytes    = 512
	maxAuthPolicySize = 64
	defaultExponent   = 65537
)

// ErrNotAsymmetric is returned when a public key is requested from an
// object that has none.
var ErrNotAsymmetric = errors.New("structures: object has no asymmetric public key")

// Public is TPMT_PUBLIC: the public area of a TPM object, used both as a
// creation template and as the description of a loaded object.
type Public struct {
	typ        AlgorithmID
	nameAlg    AlgorithmID
	attrs      ObjectAttributes
	authPolicy []byte
	symmetric  SymDef
	scheme     Scheme
	keyBits    uint16
	exponent   uint32
	curve      ECCCurve
	kdf        Scheme
	unique     []byte
	uniqueX    []byte
	uniqueY    []byte
}

// PublicBuilder assembles a Public. Build validates the result.
type PublicBuilder struct {
	p Public
}

// NewPublicBuilder starts a template of the given object type with a
// SHA-256 name algorithm and no symmetric or signing scheme.
func NewPublicBuilder(typ AlgorithmID) *PublicBuilder {
	return &PublicBuilder{p: Public{
		typ:       typ,
		nameAlg:   AlgSHA256,
		symmetric: SymNull,
		scheme:    NullScheme,
		kdf:       NullScheme,
	}}
}

func (b *PublicBuilder) WithNameAlg(alg AlgorithmID) *PublicBuilder {
	b.p.nameAlg = alg
	return b
}

func (b *PublicBuilder) WithAttributes(attrs ObjectAttributes) *PublicBuilder {
	b.p.attrs = attrs
	return b
}

func (b *PublicBuilder) WithAuthPolicy(policy []byte) *PublicBuilder {
	b.p.authPolicy = cloneBytes(policy)
	return b
}

func (b *PublicBuilder) WithSymmetric(s SymDef) *PublicBuilder {
	b.p.symmetric = s
	return b
}

func (b *PublicBuilder) WithScheme(s Scheme) *PublicBuilder {
	b.p.scheme = s
	return b
}

func (b *PublicBuilder) WithRSA(keyBits uint16, exponent uint32) *PublicBuilder {
	b.p.keyBits = keyBits
	b.p.exponent = exponent
	return b
}

func (b *PublicBuilder) WithCurve(c ECCCurve) *PublicBuilder {
	b.p.curve = c
	return b
}

func (b *PublicBuilder) WithKDF(s Scheme) *PublicBuilder {
	b.p.kdf = s
	return b
}

// WithUnique sets the RSA modulus or the keyed hash/symcipher unique digest.
func (b *PublicBuilder) WithUnique(u []byte) *PublicBuilder {
	b.p.unique = cloneBytes(u)
	return b
}

// WithECCPoint sets the unique point of an ECC object.
func (b *PublicBuilder) WithECCPoint(x, y []byte) *PublicBuilder {
	b.p.uniqueX = cloneBytes(x)
	b.p.uniqueY = cloneBytes(y)
	return b
}

// Build validates and returns an immutable Public.
func (b *PublicBuilder) Build() (*Public, error) {
	p := b.p
	p.normalize()
	if err := p.validate(); err != nil {
		return nil, err
	}
	p.authPolicy = cloneBytes(p.authPolicy)
	p.unique = cloneBytes(p.unique)
	p.uniqueX = cloneBytes(p.uniqueX)
	p.uniqueY = cloneBytes(p.uniqueY)
	return &p, nil
}

func (p *Public) normalize() {
	if p.symmetric.IsNull() {
		p.symmetric = SymNull
	}
	if p.scheme.IsNull() {
		p.scheme = NullScheme
	}
	if p.kdf.IsNull() {
		p.kdf = NullScheme
	}
	if p.typ == AlgRSA && p.exponent == defaultExponent {
		p.exponent = 0
	}
}

func (p *Public) validate() error {
	if !p.nameAlg.IsHash() {
		return invalid("Public", "nameAlg", "%v is not a hash algorithm", p.nameAlg)
	}
	if err := p.attrs.validate(); err != nil {
		return err
	}
	if n := len(p.authPolicy); n != 0 && n != p.nameAlg.DigestSize() {
		return invalid("Public", "authPolicy", "length %d does not match %v digest size", n, p.nameAlg)
	}
	switch p.typ {
	case AlgRSA:
		return p.validateRSA()
	case AlgECC:
		return p.validateECC()
	case AlgKeyedHash:
		return p.validateKeyedHash()
	case AlgSymCipher:
		return p.validateSymCipher()
	}
	return invalid("Public", "type", "unsupported object type %v", p.typ)
}

func (p *Public) validateAsymmetricUsage(signSchemes, decryptSchemes []AlgorithmID) error {
	sign := p.attrs.Has(AttrSignEncrypt)
	decrypt := p.attrs.Has(AttrDecrypt)
	restricted := p.attrs.Has(AttrRestricted)
	if !sign && !decrypt {
		return invalid("Public", "objectAttributes", "asymmetric key must sign or decrypt")
	}
	if err := p.symmetric.validate("Public"); err != nil {
		return err
	}
	if restricted && decrypt {
		if p.symmetric.IsNull() {
			return invalid("Public", "symmetric", "storage key requires a symmetric algorithm")
		}
		if !p.scheme.IsNull() {
			return invalid("Public", "scheme", "storage key must use the null scheme")
		}
		return nil
	}
	if !p.symmetric.IsNull() {
		return invalid("Public", "symmetric", "only restricted decryption keys carry a symmetric algorithm")
	}
	switch {
	case sign && decrypt:
		if !p.scheme.IsNull() {
			return invalid("Public", "scheme", "dual use key must use the null scheme")
		}
		return nil
	case sign:
		if restricted && p.scheme.IsNull() {
			return invalid("Public", "scheme", "restricted signing key requires a scheme")
		}
		return p.scheme.validate("Public", "scheme", signSchemes...)
	}
	return p.scheme.validate("Public", "scheme", decryptSchemes...)
}

func (p *Public) validateRSA() error {
	switch p.keyBits {
	case 1024, 2048, 3072, 4096:
	default:
		return invalid("Public", "keyBits", "RSA key size %d not in {1024,2048,3072,4096}", p.keyBits)
	}
	if e := p.exponent; e != 0 && (e < 3 || e%2 == 0) {
		return invalid("Public", "exponent", "RSA exponent %d must be odd and at least 3", e)
	}
	if n := len(p.unique); n != 0 && n != int(p.keyBits)/8 {
		return invalid("Public", "unique", "modulus length %d does not match key size %d", n, p.keyBits)
	}
	if len(p.uniqueX) != 0 || len(p.uniqueY) != 0 || p.curve != 0 || !p.kdf.IsNull() {
		return invalid("Public", "parameters", "ECC parameters set on an RSA object")
	}
	return p.validateAsymmetricUsage(
		[]AlgorithmID{AlgRSASSA, AlgRSAPSS},
		[]AlgorithmID{AlgRSAES, AlgOAEP},
	)
}

func (p *Public) validateECC() error {
	size := p.curve.CoordinateSize()
	if size == 0 {
		return invalid("Public", "curveID", "unsupported curve %v", p.curve)
	}
	if !p.kdf.IsNull() {
		return invalid("Public", "kdf", "only the null KDF is supported")
	}
	if n := len(p.uniqueX); n != 0 && n != size {
		return invalid("Public", "unique.x", "coordinate length %d does not match %v", n, p.curve)
	}
	if n := len(p.uniqueY); n != 0 && n != size {
		return invalid("Public", "unique.y", "coordinate length %d does not match %v", n, p.curve)
	}
	if len(p.unique) != 0 || p.keyBits != 0 || p.exponent != 0 {
		return invalid("Public", "parameters", "RSA parameters set on an ECC object")
	}
	return p.validateAsymmetricUsage(
		[]AlgorithmID{AlgECDSA},
		[]AlgorithmID{AlgECDH},
	)
}

func (p *Public) validateKeyedHash() error {
	if err := p.checkDigestUnique(); err != nil {
		return err
	}
	sign := p.attrs.Has(AttrSignEncrypt)
	decrypt := p.attrs.Has(AttrDecrypt)
	if sign && decrypt {
		return invalid("Public", "objectAttributes", "keyed hash object cannot both sign and decrypt")
	}
	if !p.symmetric.IsNull() {
		return invalid("Public", "symmetric", "keyed hash objects have no symmetric algorithm")
	}
	if !sign {
		if !p.scheme.IsNull() {
			return invalid("Public", "scheme", "sealed data object must use the null scheme")
		}
		return nil
	}
	return p.scheme.validate("Public", "scheme", AlgHMAC)
}

func (p *Public) validateSymCipher() error {
	if err := p.checkDigestUnique(); err != nil {
		return err
	}
	if p.attrs.Has(AttrSignEncrypt) && p.attrs.Has(AttrRestricted) {
		return invalid("Public", "objectAttributes", "restricted symmetric cipher cannot sign")
	}
	if p.symmetric.IsNull() {
		return invalid("Public", "symmetric", "symmetric cipher object requires an algorithm")
	}
	if !p.scheme.IsNull() {
		return invalid("Public", "scheme", "symmetric cipher objects have no scheme")
	}
	return p.symmetric.validate("Public")
}

func (p *Public) checkDigestUnique() error {
	if n := len(p.unique); n != 0 && n != p.nameAlg.DigestSize() {
		return invalid("Public", "unique", "length %d does not match %v digest size", n, p.nameAlg)
	}
	if len(p.uniqueX) != 0 || len(p.uniqueY) != 0 || p.keyBits != 0 || p.exponent != 0 || p.curve != 0 {
		return invalid("Public", "parameters", "asymmetric parameters set on a %v object", p.typ)
	}
	return nil
}

func (p *Public) Type() AlgorithmID            { return p.typ }
func (p *Public) NameAlg() AlgorithmID         { return p.nameAlg }
func (p *Public) Attributes() ObjectAttributes { return p.attrs }
func (p *Public) AuthPolicy() []byte           { return cloneBytes(p.authPolicy) }
func (p *Public) Symmetric() SymDef            { return p.symmetric }
func (p *Public) Scheme() Scheme               { return p.scheme }
func (p *Public) KeyBits() uint16              { return p.keyBits }
func (p *Public) Curve() ECCCurve              { return p.curve }
func (p *Public) KDF() Scheme                  { return p.kdf }
func (p *Public) Unique() []byte               { return cloneBytes(p.unique) }
func (p *Public) ECCPoint() (x, y []byte)      { return cloneBytes(p.uniqueX), cloneBytes(p.uniqueY) }
func (p *Public) HasUnique() bool              { return len(p.unique) > 0 || len(p.uniqueX) > 0 }
func (p *Public) IsStorageParent() bool        { return p.attrs.Has(AttrRestricted | AttrDecrypt) }
func (p *Public) IsSigningKey() bool           { return p.attrs.Has(AttrSignEncrypt) }
func (p *Public) Builder() *PublicBuilder      { return &PublicBuilder{p: *p} }

// Exponent returns the RSA public exponent, resolving the zero encoding to
// its default value.
func (p *Public) Exponent() uint32 {
	if p.typ == AlgRSA && p.exponent == 0 {
		return defaultExponent
	}
	return p.exponent
}

// SignatureSize returns the expected signature length in bytes for signing
// keys: the modulus length for RSA, the concatenated r and s length for ECC
// and the digest size for HMAC keys.
func (p *Public) SignatureSize() int {
	switch p.typ {
	case AlgRSA:
		return int(p.keyBits) / 8
	case AlgECC:
		return 2 * p.curve.CoordinateSize()
	case AlgKeyedHash:
		if p.scheme.IsNull() {
			return p.nameAlg.DigestSize()
		}
		return p.scheme.Hash.DigestSize()
	}
	return 0
}

// Equal compares two public areas by their wire encodings.
func (p *Public) Equal(o *Public) bool {
	if p == nil || o == nil {
		return p == o
	}
	return bytes.Equal(p.Marshal(), o.Marshal())
}

// Name computes the object name: nameAlg || H(TPMT_PUBLIC).
func (p *Public) Name() []byte {
	h := p.nameAlg.Hash().New()
	h.Write(p.Marshal())
	name := binary.BigEndian.AppendUint16(nil, uint16(p.nameAlg))
	return h.Sum(name)
}

// PublicKey returns the Go public key of an RSA or ECC object with a
// populated unique field.
func (p *Public) PublicKey() (crypto.PublicKey, error) {
	switch p.typ {
	case AlgRSA:
		if len(p.unique) == 0 {
			return nil, ErrNotAsymmetric
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(p.unique),
			E: int(p.Exponent()),
		}, nil
	case AlgECC:
		if len(p.uniqueX) == 0 {
			return nil, ErrNotAsymmetric
		}
		var curve elliptic.Curve
		switch p.curve {
		case CurveNISTP256:
			curve = elliptic.P256()
		case CurveNISTP384:
			curve = elliptic.P384()
		case CurveNISTP521:
			curve = elliptic.P521()
		}
		return &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(p.uniqueX),
			Y:     new(big.Int).SetBytes(p.uniqueY),
		}, nil
	}
	return nil, ErrNotAsymmetric
}

// Marshal returns the TPMT_PUBLIC encoding.
func (p *Public) Marshal() []byte {
	var e encoder
	e.u16(uint16(p.typ))
	e.u16(uint16(p.nameAlg))
	e.u32(uint32(p.attrs))
	e.b16(p.authPolicy)
	switch p.typ {
	case AlgRSA:
		p.symmetric.encode(&e)
		p.scheme.encode(&e)
		e.u16(p.keyBits)
		e.u32(p.exponent)
		e.b16(p.unique)
	case AlgECC:
		p.symmetric.encode(&e)
		p.scheme.encode(&e)
		e.u16(uint16(p.curve))
		p.kdf.encode(&e)
		e.b16(p.uniqueX)
		e.b16(p.uniqueY)
	case AlgKeyedHash:
		p.scheme.encode(&e)
		e.b16(p.unique)
	case AlgSymCipher:
		p.symmetric.encode(&e)
		e.b16(p.unique)
	}
	return e.bytes()
}

// UnmarshalPublic decodes and validates a TPMT_PUBLIC.
func UnmarshalPublic(b []byte) (*Public, error) {
	d := newDecoder("Public", b)
	p := decodePublic(d)
	if err := d.finish(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodePublic(d *decoder) *Public {
	p := &Public{symmetric: SymNull, scheme: NullScheme, kdf: NullScheme}
	p.typ = AlgorithmID(d.u16("type"))
	p.nameAlg = AlgorithmID(d.u16("nameAlg"))
	p.attrs = ObjectAttributes(d.u32("objectAttributes"))
	p.authPolicy = d.b16("authPolicy")
	if d.err != nil {
		return nil
	}
	switch p.typ {
	case AlgRSA:
		p.symmetric = decodeRawSymDef(d)
		p.scheme = decodeScheme(d, "parameters")
		p.keyBits = d.u16("parameters.keyBits")
		p.exponent = d.u32("parameters.exponent")
		p.unique = d.b16("unique")
	case AlgECC:
		p.symmetric = decodeRawSymDef(d)
		p.scheme = decodeScheme(d, "parameters")
		p.curve = ECCCurve(d.u16("parameters.curveID"))
		p.kdf = decodeScheme(d, "parameters.kdf")
		p.uniqueX = d.b16("unique.x")
		p.uniqueY = d.b16("unique.y")
	case AlgKeyedHash:
		p.scheme = decodeScheme(d, "parameters")
		p.unique = d.b16("unique")
	case AlgSymCipher:
		p.symmetric = decodeRawSymDef(d)
		p.unique = d.b16("unique")
	default:
		d.fail("type", "unsupported object type "+p.typ.String())
	}
	if d.err != nil {
		return nil
	}
	d.check(p.validate())
	if d.err != nil {
		return nil
	}
	return p
}

// decodeRawSymDef reads a symmetric definition leaving validation to the
// enclosing structure.
func decodeRawSymDef(d *decoder) SymDef {
	alg := AlgorithmID(d.u16("parameters.symmetric.algorithm"))
	if d.err != nil || alg == AlgNull {
		return SymNull
	}
	return SymDef{
		alg:     alg,
		keyBits: d.u16("parameters.symmetric.keyBits"),
		mode:    AlgorithmID(d.u16("parameters.symmetric.mode")),
	}
}
