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

// Package structures provides immutable, validated value types for the TPM
// 2.0 structures exchanged with the TPM, with deterministic wire encodings.
//
// Values are only obtainable through constructors that reject combinations
// the TPM would refuse, so every value marshals to a well formed layout and
// UnmarshalX(x.Marshal()) reproduces x.
package structures

import (
	"crypto"
	"fmt"
)

// AlgorithmID is a TPM_ALG_ID.
type AlgorithmID uint16

const (
	AlgRSA       AlgorithmID = 0x0001
	AlgSHA1      AlgorithmID = 0x0004
	AlgHMAC      AlgorithmID = 0x0005
	AlgAES       AlgorithmID = 0x0006
	AlgKeyedHash AlgorithmID = 0x0008
	AlgXOR       AlgorithmID = 0x000a
	AlgSHA256    AlgorithmID = 0x000b
	AlgSHA384    AlgorithmID = 0x000c
	AlgSHA512    AlgorithmID = 0x000d
	AlgNull      AlgorithmID = 0x0010
	AlgRSASSA    AlgorithmID = 0x0014
	AlgRSAES     AlgorithmID = 0x0015
	AlgRSAPSS    AlgorithmID = 0x0016
	AlgOAEP      AlgorithmID = 0x0017
	AlgECDSA     AlgorithmID = 0x0018
	AlgECDH      AlgorithmID = 0x0019
	AlgECC       AlgorithmID = 0x0023
	AlgSymCipher AlgorithmID = 0x0025
	AlgCTR       AlgorithmID = 0x0040
	AlgOFB       AlgorithmID = 0x0041
	AlgCBC       AlgorithmID = 0x0042
	AlgCFB       AlgorithmID = 0x0043
	AlgECB       AlgorithmID = 0x0044
)

var algNames = map[AlgorithmID]string{
	AlgRSA:       "RSA",
	AlgSHA1:      "SHA1",
	AlgHMAC:      "HMAC",
	AlgAES:       "AES",
	AlgKeyedHash: "KEYEDHASH",
	AlgXOR:       "XOR",
	AlgSHA256:    "SHA256",
	AlgSHA384:    "SHA384",
	AlgSHA512:    "SHA512",
	AlgNull:      "NULL",
	AlgRSASSA:    "RSASSA",
	AlgRSAES:     "RSAES",
	AlgRSAPSS:    "RSAPSS",
	AlgOAEP:      "OAEP",
	AlgECDSA:     "ECDSA",
	AlgECDH:      "ECDH",
	AlgECC:       "ECC",
	AlgSymCipher: "SYMCIPHER",
	AlgCTR:       "CTR",
	AlgOFB:       "OFB",
	AlgCBC:       "CBC",
	AlgCFB:       "CFB",
	AlgECB:       "ECB",
}

func (a AlgorithmID) String() string {
	if name, ok := algNames[a]; ok {
		return name
	}
	return fmt.Sprintf("ALG(0x%04x)", uint16(a))
}

// Known reports whether the identifier is one this package understands.
func (a AlgorithmID) Known() bool {
	_, ok := algNames[a]
	return ok
}

// IsHash reports whether a is a supported digest algorithm.
func (a AlgorithmID) IsHash() bool {
	_, ok := hashes[a]
	return ok
}

var hashes = map[AlgorithmID]crypto.Hash{
	AlgSHA1:   crypto.SHA1,
	AlgSHA256: crypto.SHA256,
	AlgSHA384: crypto.SHA384,
	AlgSHA512: crypto.SHA512,
}

// Hash returns the crypto.Hash for a digest algorithm, or 0.
func (a AlgorithmID) Hash() crypto.Hash {
	return hashes[a]
}

// DigestSize returns the digest length for a hash algorithm, 0 otherwise.
func (a AlgorithmID) DigestSize() int {
	if h, ok := hashes[a]; ok {
		return h.Size()
	}
	return 0
}

// HashAlgorithm maps a crypto.Hash to its TPM identifier.
func HashAlgorithm(h crypto.Hash) (AlgorithmID, error) {
	for alg, ch := range hashes {
		if ch == h {
			return alg, nil
		}
	}
	return 0, invalid("AlgorithmID", "hash", "unsupported hash %v", h)
}

func isSymMode(a AlgorithmID) bool {
	switch a {
	case AlgCTR, AlgOFB, AlgCBC, AlgCFB, AlgECB, AlgNull:
		return true
	}
	return false
}

// ECCCurve is a TPM_ECC_CURVE.
type ECCCurve uint16

const (
	CurveNISTP256 ECCCurve = 0x0003
	CurveNISTP384 ECCCurve = 0x0004
	CurveNISTP521 ECCCurve = 0x0005
)

// CoordinateSize returns the byte length of a point coordinate.
func (c ECCCurve) CoordinateSize() int {
	switch c {
	case CurveNISTP256:
		return 32
	case CurveNISTP384:
		return 48
	case CurveNISTP521:
		return 66
	}
	return 0
}

func (c ECCCurve) String() string {
	switch c {
	case CurveNISTP256:
		return "NIST_P256"
	case CurveNISTP384:
		return "NIST_P384"
	case CurveNISTP521:
		return "NIST_P521"
	}
	return fmt.Sprintf("CURVE(0x%04x)", uint16(c))
}
