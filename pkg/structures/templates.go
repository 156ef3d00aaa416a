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

const (
	keyAttrs = AttrFixedTPM | AttrFixedParent | AttrSensitiveDataOrigin |
		AttrUserWithAuth | AttrNoDA
)

// RSAStorageTemplate returns a restricted decryption key usable as a parent.
func RSAStorageTemplate(keyBits uint16) (*Public, error) {
	return NewPublicBuilder(AlgRSA).
		WithAttributes(keyAttrs | AttrRestricted | AttrDecrypt).
		WithSymmetric(AES128CFB()).
		WithRSA(keyBits, 0).
		Build()
}

// RSASigningTemplate returns an unrestricted signing key. A null scheme
// leaves the choice to each Sign call.
func RSASigningTemplate(keyBits uint16, scheme Scheme) (*Public, error) {
	return NewPublicBuilder(AlgRSA).
		WithAttributes(keyAttrs | AttrSignEncrypt).
		WithScheme(scheme).
		WithRSA(keyBits, 0).
		Build()
}

// RSAExternalPublicTemplate describes an externally generated RSA public key
// for LoadExternal. Objects loaded without a sensitive part cannot be
// fixedTPM or fixedParent.
func RSAExternalPublicTemplate(modulus []byte, exponent uint32) (*Public, error) {
	return NewPublicBuilder(AlgRSA).
		WithAttributes(AttrUserWithAuth | AttrSignEncrypt | AttrDecrypt).
		WithRSA(uint16(len(modulus)*8), exponent).
		WithUnique(modulus).
		Build()
}

// ECCStorageTemplate returns a restricted ECC decryption key.
func ECCStorageTemplate(curve ECCCurve) (*Public, error) {
	return NewPublicBuilder(AlgECC).
		WithAttributes(keyAttrs | AttrRestricted | AttrDecrypt).
		WithSymmetric(AES128CFB()).
		WithCurve(curve).
		Build()
}

// ECCSigningTemplate returns an unrestricted ECDSA signing key.
func ECCSigningTemplate(curve ECCCurve, hash AlgorithmID) (*Public, error) {
	return NewPublicBuilder(AlgECC).
		WithAttributes(keyAttrs | AttrSignEncrypt).
		WithScheme(Scheme{Alg: AlgECDSA, Hash: hash}).
		WithCurve(curve).
		Build()
}

// HMACKeyTemplate returns a keyed hash signing key.
func HMACKeyTemplate(hash AlgorithmID) (*Public, error) {
	return NewPublicBuilder(AlgKeyedHash).
		WithNameAlg(hash).
		WithAttributes(keyAttrs | AttrSignEncrypt).
		WithScheme(Scheme{Alg: AlgHMAC, Hash: hash}).
		Build()
}

// SealedDataTemplate returns a keyed hash object holding caller supplied
// data. With a policy the object can only be unsealed through a policy
// session, otherwise its auth value is used.
func SealedDataTemplate(nameAlg AlgorithmID, policy []byte) (*Public, error) {
	attrs := AttrFixedTPM | AttrFixedParent | AttrNoDA
	if len(policy) == 0 {
		attrs |= AttrUserWithAuth
	}
	return NewPublicBuilder(AlgKeyedHash).
		WithNameAlg(nameAlg).
		WithAttributes(attrs).
		WithAuthPolicy(policy).
		Build()
}

// AESKeyTemplate returns a symmetric cipher key.
func AESKeyTemplate(keyBits uint16, mode AlgorithmID) (*Public, error) {
	sym, err := NewSymDef(AlgAES, keyBits, mode)
	if err != nil {
		return nil, err
	}
	return NewPublicBuilder(AlgSymCipher).
		WithAttributes(keyAttrs | AttrDecrypt | AttrSignEncrypt).
		WithSymmetric(sym).
		Build()
}
