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

// SymDef is TPMT_SYM_DEF(_OBJECT): the symmetric algorithm of a storage key
// or of session parameter encryption.
type SymDef struct {
	alg     AlgorithmID
	keyBits uint16
	mode    AlgorithmID
}

// SymNull is the empty symmetric definition.
var SymNull = SymDef{alg: AlgNull}

// NewSymDef validates an AES definition. Passing AlgNull returns SymNull.
func NewSymDef(alg AlgorithmID, keyBits uint16, mode AlgorithmID) (SymDef, error) {
	s := SymDef{alg: alg, keyBits: keyBits, mode: mode}
	if alg == AlgNull {
		return SymNull, nil
	}
	if err := s.validate("SymDef"); err != nil {
		return SymDef{}, err
	}
	return s, nil
}

// AES128CFB is the conventional storage and session definition.
func AES128CFB() SymDef { return SymDef{alg: AlgAES, keyBits: 128, mode: AlgCFB} }

// AES256CFB is used for salted sessions.
func AES256CFB() SymDef { return SymDef{alg: AlgAES, keyBits: 256, mode: AlgCFB} }

func (s SymDef) validate(structure string) error {
	switch s.alg {
	case AlgNull:
		return nil
	case AlgAES:
	default:
		return invalid(structure, "symmetric.algorithm", "unsupported symmetric algorithm %v", s.alg)
	}
	switch s.keyBits {
	case 128, 192, 256:
	default:
		return invalid(structure, "symmetric.keyBits", "AES key size %d not in {128,192,256}", s.keyBits)
	}
	if !isSymMode(s.mode) || s.mode == AlgNull {
		return invalid(structure, "symmetric.mode", "unsupported block mode %v", s.mode)
	}
	return nil
}

func (s SymDef) Algorithm() AlgorithmID { return s.alg }
func (s SymDef) KeyBits() uint16        { return s.keyBits }
func (s SymDef) Mode() AlgorithmID      { return s.mode }

// IsNull reports whether no symmetric algorithm is selected.
func (s SymDef) IsNull() bool { return s.alg == AlgNull || s.alg == 0 }

func (s SymDef) encode(e *encoder) {
	if s.IsNull() {
		e.u16(uint16(AlgNull))
		return
	}
	e.u16(uint16(s.alg))
	e.u16(s.keyBits)
	e.u16(uint16(s.mode))
}

// Marshal returns the TPMT_SYM_DEF encoding.
func (s SymDef) Marshal() []byte {
	var e encoder
	s.encode(&e)
	return e.bytes()
}

func decodeSymDef(d *decoder, structure string) SymDef {
	alg := AlgorithmID(d.u16("symmetric.algorithm"))
	if d.err != nil || alg == AlgNull {
		return SymNull
	}
	s := SymDef{alg: alg}
	s.keyBits = d.u16("symmetric.keyBits")
	s.mode = AlgorithmID(d.u16("symmetric.mode"))
	d.check(s.validate(structure))
	return s
}

// UnmarshalSymDef decodes a TPMT_SYM_DEF.
func UnmarshalSymDef(b []byte) (SymDef, error) {
	d := newDecoder("SymDef", b)
	s := decodeSymDef(d, "SymDef")
	if err := d.finish(); err != nil {
		return SymDef{}, err
	}
	return s, nil
}

// Scheme is an algorithm plus the hash it is parameterized with, used for
// TPMT_RSA_SCHEME, TPMT_ECC_SCHEME, TPMT_KEYEDHASH_SCHEME, TPMT_SIG_SCHEME
// and TPMT_KDF_SCHEME. A null scheme has no hash.
type Scheme struct {
	Alg  AlgorithmID
	Hash AlgorithmID
}

// NullScheme selects no scheme.
var NullScheme = Scheme{Alg: AlgNull}

// IsNull reports whether no scheme is selected.
func (s Scheme) IsNull() bool { return s.Alg == AlgNull || s.Alg == 0 }

func (s Scheme) encode(e *encoder) {
	if s.IsNull() {
		e.u16(uint16(AlgNull))
		return
	}
	e.u16(uint16(s.Alg))
	e.u16(uint16(s.Hash))
}

func decodeScheme(d *decoder, field string) Scheme {
	alg := AlgorithmID(d.u16(field + ".scheme"))
	if d.err != nil || alg == AlgNull {
		return NullScheme
	}
	return Scheme{Alg: alg, Hash: AlgorithmID(d.u16(field + ".hashAlg"))}
}

func (s Scheme) validate(structure, field string, allowed ...AlgorithmID) error {
	if s.IsNull() {
		return nil
	}
	ok := false
	for _, a := range allowed {
		if s.Alg == a {
			ok = true
			break
		}
	}
	if !ok {
		return invalid(structure, field, "scheme %v not allowed here", s.Alg)
	}
	if !s.Hash.IsHash() {
		return invalid(structure, field+".hashAlg", "%v is not a hash algorithm", s.Hash)
	}
	return nil
}
