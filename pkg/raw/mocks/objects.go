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

package mocks

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/jeremyhahn/go-esapi/pkg/raw"
	"github.com/jeremyhahn/go-esapi/pkg/rc"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

const (
	transientFirst  uint32 = 0x80000000
	persistentFirst uint32 = 0x81000000
	persistentLast  uint32 = 0x81ffffff
	maxPersistent          = 7
)

type keyMaterial struct {
	public *structures.Public
	rsa    *rsa.PrivateKey
	ecc    *ecdsa.PrivateKey
	secret []byte
}

type object struct {
	public     *structures.Public
	auth       []byte
	data       []byte
	key        *keyMaterial
	hierarchy  uint32
	parentName []byte
	external   bool
}

func (o *object) clone() *object {
	c := *o
	c.auth = append([]byte(nil), o.auth...)
	c.data = append([]byte(nil), o.data...)
	return &c
}

func (m *MockTPM) lookupObject(h uint32) (*object, bool) {
	if obj, ok := m.objects[h]; ok {
		return obj, true
	}
	obj, ok := m.persistent[h]
	return obj, ok
}

func (m *MockTPM) allocTransient() (uint32, rc.ReturnCode) {
	if len(m.objects) >= m.MaxTransient {
		return 0, tpm(rc.ObjectMemory)
	}
	for h := transientFirst; ; h++ {
		if _, used := m.objects[h]; !used {
			return h, rc.Success
		}
	}
}

func isHierarchy(h uint32) bool {
	switch h {
	case raw.RHOwner, raw.RHEndorsement, raw.RHPlatform, raw.RHNull:
		return true
	}
	return false
}

// generate creates key material for a template and returns the public area
// with its unique field filled in.
func generate(tmpl *structures.Public) (*keyMaterial, rc.ReturnCode) {
	km := &keyMaterial{}
	b := tmpl.Builder()
	switch tmpl.Type() {
	case structures.AlgRSA:
		if tmpl.Exponent() != 65537 {
			return nil, rc.Value.WithParameter(2)
		}
		key, err := rsa.GenerateKey(rand.Reader, int(tmpl.KeyBits()))
		if err != nil {
			return nil, tpm(rc.Failure)
		}
		km.rsa = key
		b.WithUnique(key.N.FillBytes(make([]byte, tmpl.KeyBits()/8)))
	case structures.AlgECC:
		curve, ok := curveOf(tmpl.Curve())
		if !ok {
			return nil, rc.Curve.WithParameter(2)
		}
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, tpm(rc.Failure)
		}
		km.ecc = key
		size := tmpl.Curve().CoordinateSize()
		b.WithECCPoint(key.X.FillBytes(make([]byte, size)), key.Y.FillBytes(make([]byte, size)))
	case structures.AlgKeyedHash, structures.AlgSymCipher:
		size := tmpl.NameAlg().DigestSize()
		if tmpl.Type() == structures.AlgSymCipher {
			size = int(tmpl.Symmetric().KeyBits()) / 8
		}
		km.secret = randomBytes(size)
		h := tmpl.NameAlg().Hash().New()
		h.Write(km.secret)
		b.WithUnique(h.Sum(nil))
	default:
		return nil, rc.Type.WithParameter(2)
	}
	pub, err := b.Build()
	if err != nil {
		return nil, tpm(rc.Failure)
	}
	km.public = pub
	return km, rc.Success
}

func curveOf(c structures.ECCCurve) (elliptic.Curve, bool) {
	switch c {
	case structures.CurveNISTP256:
		return elliptic.P256(), true
	case structures.CurveNISTP384:
		return elliptic.P384(), true
	case structures.CurveNISTP521:
		return elliptic.P521(), true
	}
	return nil, false
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func parseCreateParams(sensitive, public []byte) (*structures.SensitiveCreate, *structures.Public, rc.ReturnCode) {
	sens, err := structures.UnmarshalSensitiveCreate(sensitive)
	if err != nil {
		return nil, nil, rc.Size.WithParameter(1)
	}
	pub, err := structures.UnmarshalPublic(public)
	if err != nil {
		return nil, nil, rc.Value.WithParameter(2)
	}
	sealed := pub.Type() == structures.AlgKeyedHash &&
		!pub.Attributes().Has(structures.AttrSignEncrypt) &&
		!pub.Attributes().Has(structures.AttrDecrypt)
	if len(sens.Data()) > 0 && !sealed {
		return nil, nil, rc.Size.WithParameter(1)
	}
	if sealed && len(sens.Data()) > 0 && pub.Attributes().Has(structures.AttrSensitiveDataOrigin) {
		return nil, nil, rc.Attributes.WithParameter(2)
	}
	return sens, pub, rc.Success
}

func (m *MockTPM) createPrimary(c raw.CreatePrimary) (any, rc.ReturnCode) {
	if !isHierarchy(c.PrimaryHandle) {
		return nil, rc.Hierarchy.WithHandle(1)
	}
	sens, tmpl, code := parseCreateParams(c.InSensitive, c.InPublic)
	if code != rc.Success {
		return nil, code
	}
	h, code := m.allocTransient()
	if code != rc.Success {
		return nil, code
	}
	// Primary keys derive from the hierarchy seed: the same template yields
	// the same key.
	seed := fmt.Sprintf("%08x:%s", c.PrimaryHandle, hex.EncodeToString(c.InPublic))
	km, ok := m.primaries[seed]
	if !ok {
		km, code = generate(tmpl)
		if code != rc.Success {
			return nil, code
		}
		m.primaries[seed] = km
	}
	obj := &object{
		public:    km.public,
		auth:      sens.UserAuth(),
		data:      sens.Data(),
		key:       km,
		hierarchy: c.PrimaryHandle,
	}
	m.objects[h] = obj
	m.auth[h] = sens.UserAuth()
	return raw.CreatePrimaryOut{ObjectHandle: h, OutPublic: obj.public.Marshal(), Name: obj.public.Name()}, rc.Success
}

func (m *MockTPM) create(c raw.Create) (any, rc.ReturnCode) {
	parent, ok := m.lookupObject(c.ParentHandle)
	if !ok {
		return nil, rc.Handle.WithHandle(1)
	}
	if !parent.public.IsStorageParent() {
		return nil, rc.Type.WithHandle(1)
	}
	sens, tmpl, code := parseCreateParams(c.InSensitive, c.InPublic)
	if code != rc.Success {
		return nil, code
	}
	km, code := generate(tmpl)
	if code != rc.Success {
		return nil, code
	}
	blob := randomBytes(16)
	m.blobs[string(blob)] = &object{
		public:     km.public,
		auth:       sens.UserAuth(),
		data:       sens.Data(),
		key:        km,
		hierarchy:  parent.hierarchy,
		parentName: parent.public.Name(),
	}
	return raw.CreateOut{OutPrivate: blob, OutPublic: km.public.Marshal()}, rc.Success
}

func (m *MockTPM) load(c raw.Load) (any, rc.ReturnCode) {
	parent, ok := m.lookupObject(c.ParentHandle)
	if !ok {
		return nil, rc.Handle.WithHandle(1)
	}
	stored, ok := m.blobs[string(c.InPrivate)]
	if !ok || !bytes.Equal(stored.parentName, parent.public.Name()) {
		return nil, rc.Integrity.WithParameter(1)
	}
	pub, err := structures.UnmarshalPublic(c.InPublic)
	if err != nil {
		return nil, rc.Value.WithParameter(2)
	}
	if !pub.Equal(stored.public) {
		return nil, rc.Binding.WithParameter(2)
	}
	h, code := m.allocTransient()
	if code != rc.Success {
		return nil, code
	}
	m.objects[h] = stored.clone()
	return raw.LoadOut{ObjectHandle: h, Name: pub.Name()}, rc.Success
}

func (m *MockTPM) loadExternal(c raw.LoadExternal) (any, rc.ReturnCode) {
	pub, err := structures.UnmarshalPublic(c.InPublic)
	if err != nil {
		return nil, rc.Value.WithParameter(2)
	}
	if !isHierarchy(c.Hierarchy) || c.Hierarchy == raw.RHPlatform {
		return nil, rc.Hierarchy.WithParameter(3)
	}
	if pub.Attributes().Has(structures.AttrFixedTPM) || pub.Attributes().Has(structures.AttrFixedParent) {
		return nil, rc.Attributes.WithParameter(2)
	}
	if !pub.HasUnique() {
		return nil, rc.Key.WithParameter(2)
	}
	h, code := m.allocTransient()
	if code != rc.Success {
		return nil, code
	}
	m.objects[h] = &object{public: pub, hierarchy: c.Hierarchy, external: true}
	return raw.LoadExternalOut{ObjectHandle: h, Name: pub.Name()}, rc.Success
}

func (m *MockTPM) readPublic(c raw.ReadPublic) (any, rc.ReturnCode) {
	obj, ok := m.lookupObject(c.ObjectHandle)
	if !ok {
		return nil, rc.Handle.WithHandle(1)
	}
	name := obj.public.Name()
	return raw.ReadPublicOut{OutPublic: obj.public.Marshal(), Name: name, QualifiedName: name}, rc.Success
}

// signScheme resolves the scheme used by Sign from the key's scheme and the
// one passed in the command.
func signScheme(pub *structures.Public, in structures.Scheme) (structures.Scheme, rc.ReturnCode) {
	eff := pub.Scheme()
	switch {
	case eff.IsNull() && in.IsNull():
		return structures.Scheme{}, rc.Scheme.WithParameter(2)
	case eff.IsNull():
		eff = in
	case !in.IsNull() && in != eff:
		return structures.Scheme{}, rc.Scheme.WithParameter(2)
	}
	var ok bool
	switch pub.Type() {
	case structures.AlgRSA:
		ok = eff.Alg == structures.AlgRSASSA || eff.Alg == structures.AlgRSAPSS
	case structures.AlgECC:
		ok = eff.Alg == structures.AlgECDSA
	case structures.AlgKeyedHash:
		ok = eff.Alg == structures.AlgHMAC
	}
	if !ok {
		return structures.Scheme{}, rc.Scheme.WithParameter(2)
	}
	return eff, rc.Success
}

func (m *MockTPM) sign(c raw.Sign) (any, rc.ReturnCode) {
	obj, ok := m.lookupObject(c.KeyHandle)
	if !ok {
		return nil, rc.Handle.WithHandle(1)
	}
	if !obj.public.IsSigningKey() || obj.key == nil || obj.public.Type() == structures.AlgSymCipher {
		return nil, rc.Key.WithHandle(1)
	}
	in, err := structures.UnmarshalSigScheme(c.Scheme)
	if err != nil {
		return nil, rc.Scheme.WithParameter(2)
	}
	scheme, code := signScheme(obj.public, in)
	if code != rc.Success {
		return nil, code
	}
	if len(c.Digest) != scheme.Hash.DigestSize() {
		return nil, rc.Size.WithParameter(1)
	}
	ticket, err := structures.UnmarshalTicket(c.Validation)
	if err != nil || ticket.Tag() != structures.TagHashCheck {
		return nil, rc.Tag.WithParameter(3)
	}
	if obj.public.Attributes().Has(structures.AttrRestricted) && ticket.Hierarchy() == structures.RHNull {
		return nil, rc.Ticket.WithParameter(3)
	}

	var sig *structures.Signature
	switch scheme.Alg {
	case structures.AlgRSASSA:
		s, err := rsa.SignPKCS1v15(rand.Reader, obj.key.rsa, scheme.Hash.Hash(), c.Digest)
		if err != nil {
			return nil, tpm(rc.Failure)
		}
		sig, err = structures.NewRSASignature(scheme.Alg, scheme.Hash, s)
	case structures.AlgRSAPSS:
		s, err := rsa.SignPSS(rand.Reader, obj.key.rsa, scheme.Hash.Hash(), c.Digest,
			&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
		if err != nil {
			return nil, tpm(rc.Failure)
		}
		sig, err = structures.NewRSASignature(scheme.Alg, scheme.Hash, s)
	case structures.AlgECDSA:
		r, s, err := ecdsa.Sign(rand.Reader, obj.key.ecc, c.Digest)
		if err != nil {
			return nil, tpm(rc.Failure)
		}
		size := obj.public.Curve().CoordinateSize()
		sig, err = structures.NewECDSASignature(scheme.Hash, r.FillBytes(make([]byte, size)), s.FillBytes(make([]byte, size)))
	case structures.AlgHMAC:
		mac := hmac.New(scheme.Hash.Hash().New, obj.key.secret)
		mac.Write(c.Digest)
		sig, err = structures.NewHMACSignature(scheme.Hash, mac.Sum(nil))
	}
	if err != nil || sig == nil {
		return nil, tpm(rc.Failure)
	}
	return raw.SignOut{Signature: sig.Marshal()}, rc.Success
}

func (m *MockTPM) verifySignature(c raw.VerifySignature) (any, rc.ReturnCode) {
	obj, ok := m.lookupObject(c.KeyHandle)
	if !ok {
		return nil, rc.Handle.WithHandle(1)
	}
	if !obj.public.IsSigningKey() {
		return nil, rc.Attributes.WithHandle(1)
	}
	sig, err := structures.UnmarshalSignature(c.Signature)
	if err != nil {
		return nil, rc.Value.WithParameter(2)
	}
	if len(c.Digest) != sig.Hash().DigestSize() {
		return nil, rc.Size.WithParameter(1)
	}
	if _, code := signScheme(obj.public, structures.Scheme{Alg: sig.Algorithm(), Hash: sig.Hash()}); code != rc.Success {
		return nil, code
	}

	valid := false
	switch sig.Algorithm() {
	case structures.AlgRSASSA, structures.AlgRSAPSS:
		key, err := obj.public.PublicKey()
		if err != nil {
			return nil, rc.Key.WithHandle(1)
		}
		pub := key.(*rsa.PublicKey)
		if sig.Algorithm() == structures.AlgRSASSA {
			valid = rsa.VerifyPKCS1v15(pub, sig.Hash().Hash(), c.Digest, sig.Bytes()) == nil
		} else {
			valid = rsa.VerifyPSS(pub, sig.Hash().Hash(), c.Digest, sig.Bytes(),
				&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto}) == nil
		}
	case structures.AlgECDSA:
		key, err := obj.public.PublicKey()
		if err != nil {
			return nil, rc.Key.WithHandle(1)
		}
		r, s := sig.ECDSA()
		valid = ecdsa.Verify(key.(*ecdsa.PublicKey), c.Digest, new(big.Int).SetBytes(r), new(big.Int).SetBytes(s))
	case structures.AlgHMAC:
		if obj.key == nil {
			return nil, rc.Key.WithHandle(1)
		}
		mac := hmac.New(sig.Hash().Hash().New, obj.key.secret)
		mac.Write(c.Digest)
		valid = hmac.Equal(mac.Sum(nil), sig.Bytes())
	}
	if !valid {
		return nil, rc.Signature.WithParameter(2)
	}

	h := obj.public.NameAlg().Hash().New()
	h.Write(c.Digest)
	h.Write(obj.public.Name())
	ticket, err := structures.NewTicket(structures.TagVerified, obj.hierarchy, h.Sum(nil))
	if err != nil {
		return nil, tpm(rc.Failure)
	}
	return raw.VerifySignatureOut{Validation: ticket.Marshal()}, rc.Success
}

func (m *MockTPM) unseal(c raw.Unseal) (any, rc.ReturnCode) {
	obj, ok := m.lookupObject(c.ItemHandle)
	if !ok {
		return nil, rc.Handle.WithHandle(1)
	}
	if obj.public.Type() != structures.AlgKeyedHash {
		return nil, rc.Type.WithHandle(1)
	}
	attrs := obj.public.Attributes()
	if attrs.Has(structures.AttrSignEncrypt) || attrs.Has(structures.AttrDecrypt) || attrs.Has(structures.AttrRestricted) {
		return nil, rc.Attributes.WithHandle(1)
	}
	return raw.UnsealOut{OutData: append([]byte(nil), obj.data...)}, rc.Success
}

func (m *MockTPM) flushContext(c raw.FlushContext) rc.ReturnCode {
	if _, ok := m.objects[c.FlushHandle]; ok {
		delete(m.objects, c.FlushHandle)
		delete(m.auth, c.FlushHandle)
		return rc.Success
	}
	if _, ok := m.sessions[c.FlushHandle]; ok {
		delete(m.sessions, c.FlushHandle)
		return rc.Success
	}
	return rc.Handle.WithParameter(1)
}

func (m *MockTPM) contextSave(c raw.ContextSave) (any, rc.ReturnCode) {
	obj, ok := m.objects[c.SaveHandle]
	if !ok {
		return nil, rc.Handle.WithHandle(1)
	}
	m.contextSeq++
	blob := randomBytes(32)
	m.contexts[string(blob)] = obj.clone()
	saved := transientFirst
	if obj.public.Attributes().Has(structures.AttrStClear) {
		saved = transientFirst + 2
	}
	ctx, err := structures.NewSavedContext(m.contextSeq, saved, obj.hierarchy, blob)
	if err != nil {
		return nil, tpm(rc.Failure)
	}
	return raw.ContextSaveOut{Context: ctx.Marshal()}, rc.Success
}

func (m *MockTPM) contextLoad(c raw.ContextLoad) (any, rc.ReturnCode) {
	ctx, err := structures.UnmarshalSavedContext(c.Context)
	if err != nil {
		return nil, rc.Value.WithParameter(1)
	}
	obj, ok := m.contexts[string(ctx.Blob())]
	if !ok || obj.hierarchy != ctx.Hierarchy() {
		return nil, rc.Integrity.WithParameter(1)
	}
	h, code := m.allocTransient()
	if code != rc.Success {
		return nil, code
	}
	m.objects[h] = obj.clone()
	return raw.ContextLoadOut{LoadedHandle: h, Name: obj.public.Name()}, rc.Success
}

func (m *MockTPM) evictControl(c raw.EvictControl) (any, rc.ReturnCode) {
	if c.Auth != raw.RHOwner && c.Auth != raw.RHPlatform {
		return nil, rc.Hierarchy.WithHandle(1)
	}
	if _, ok := m.persistent[c.ObjectHandle]; ok {
		if c.PersistentHandle != c.ObjectHandle {
			return nil, rc.Handle.WithParameter(1)
		}
		delete(m.persistent, c.ObjectHandle)
		delete(m.auth, c.ObjectHandle)
		return raw.EvictControlOut{}, rc.Success
	}
	obj, ok := m.objects[c.ObjectHandle]
	if !ok {
		return nil, rc.Handle.WithHandle(2)
	}
	if c.PersistentHandle < persistentFirst || c.PersistentHandle > persistentLast {
		return nil, rc.Range.WithParameter(1)
	}
	if _, taken := m.persistent[c.PersistentHandle]; taken {
		return nil, tpm(rc.NVDefined)
	}
	if obj.external || obj.public.Attributes().Has(structures.AttrStClear) {
		return nil, rc.Attributes.WithHandle(2)
	}
	if len(m.persistent) >= maxPersistent {
		return nil, tpm(rc.NVSpace)
	}
	m.persistent[c.PersistentHandle] = obj.clone()
	if auth, ok := m.auth[c.ObjectHandle]; ok {
		m.auth[c.PersistentHandle] = append([]byte(nil), auth...)
	}
	return raw.EvictControlOut{NewHandle: c.PersistentHandle, Name: obj.public.Name()}, rc.Success
}
