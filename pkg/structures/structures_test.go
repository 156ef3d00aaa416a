package structures

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-tpm/tpm2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPublic(p *Public, err error) *Public {
	if err != nil {
		panic(err)
	}
	return p
}

func TestPublicTemplatesRoundTrip(t *testing.T) {
	policy := sha256.Sum256([]byte("policy"))
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tests := []struct {
		name  string
		build func() (*Public, error)
	}{
		{"rsa storage 2048", func() (*Public, error) { return RSAStorageTemplate(2048) }},
		{"rsa signing rsassa", func() (*Public, error) {
			return RSASigningTemplate(2048, Scheme{Alg: AlgRSASSA, Hash: AlgSHA256})
		}},
		{"rsa signing null scheme", func() (*Public, error) { return RSASigningTemplate(3072, NullScheme) }},
		{"rsa external", func() (*Public, error) {
			return RSAExternalPublicTemplate(rsaKey.N.Bytes(), uint32(rsaKey.E))
		}},
		{"rsa exponent 3", func() (*Public, error) {
			return NewPublicBuilder(AlgRSA).
				WithAttributes(AttrUserWithAuth | AttrDecrypt).
				WithScheme(Scheme{Alg: AlgOAEP, Hash: AlgSHA256}).
				WithRSA(2048, 3).
				Build()
		}},
		{"ecc storage p256", func() (*Public, error) { return ECCStorageTemplate(CurveNISTP256) }},
		{"ecc signing p384", func() (*Public, error) { return ECCSigningTemplate(CurveNISTP384, AlgSHA384) }},
		{"hmac key", func() (*Public, error) { return HMACKeyTemplate(AlgSHA256) }},
		{"sealed with policy", func() (*Public, error) { return SealedDataTemplate(AlgSHA256, policy[:]) }},
		{"sealed without policy", func() (*Public, error) { return SealedDataTemplate(AlgSHA1, nil) }},
		{"aes 256 cfb", func() (*Public, error) { return AESKeyTemplate(256, AlgCFB) }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := mustPublic(tc.build())
			decoded, err := UnmarshalPublic(p.Marshal())
			require.NoError(t, err)
			assert.True(t, p.Equal(decoded))
			assert.Empty(t, cmp.Diff(p, decoded))
			assert.Equal(t, p.Name(), decoded.Name())
		})
	}
}

func TestPublicInteropWithGoTPM(t *testing.T) {
	p := mustPublic(RSASigningTemplate(2048, Scheme{Alg: AlgRSASSA, Hash: AlgSHA256}))

	theirs, err := tpm2.Unmarshal[tpm2.TPMTPublic](p.Marshal())
	require.NoError(t, err)
	assert.EqualValues(t, tpm2.TPMAlgRSA, theirs.Type)
	assert.EqualValues(t, tpm2.TPMAlgSHA256, theirs.NameAlg)
	assert.True(t, theirs.ObjectAttributes.SignEncrypt)
	assert.True(t, theirs.ObjectAttributes.FixedTPM)
	assert.False(t, theirs.ObjectAttributes.Decrypt)

	rsaDetail, err := theirs.Parameters.RSADetail()
	require.NoError(t, err)
	assert.EqualValues(t, tpm2.TPMKeyBits(2048), rsaDetail.KeyBits)
	assert.EqualValues(t, tpm2.TPMAlgRSASSA, rsaDetail.Scheme.Scheme)

	assert.Equal(t, p.Marshal(), tpm2.Marshal(*theirs))
}

func TestPublicConstructionRejects(t *testing.T) {
	tests := []struct {
		name    string
		builder *PublicBuilder
		field   string
	}{
		{
			name:    "rsa 17 bit key",
			builder: NewPublicBuilder(AlgRSA).WithAttributes(keyAttrs | AttrSignEncrypt).WithRSA(17, 0),
			field:   "keyBits",
		},
		{
			name:    "rsa even exponent",
			builder: NewPublicBuilder(AlgRSA).WithAttributes(keyAttrs | AttrSignEncrypt).WithRSA(2048, 4),
			field:   "exponent",
		},
		{
			name: "rsa modulus length mismatch",
			builder: NewPublicBuilder(AlgRSA).WithAttributes(AttrUserWithAuth | AttrSignEncrypt).
				WithRSA(2048, 0).WithUnique(make([]byte, 128)),
			field: "unique",
		},
		{
			name:    "unknown name algorithm",
			builder: NewPublicBuilder(AlgRSA).WithNameAlg(AlgorithmID(0x99)).WithRSA(2048, 0),
			field:   "nameAlg",
		},
		{
			name:    "reserved object attribute",
			builder: NewPublicBuilder(AlgRSA).WithAttributes(AttrSignEncrypt | 1<<30).WithRSA(2048, 0),
			field:   "objectAttributes",
		},
		{
			name:    "fixedTPM without fixedParent",
			builder: NewPublicBuilder(AlgRSA).WithAttributes(AttrFixedTPM | AttrSignEncrypt).WithRSA(2048, 0),
			field:   "objectAttributes",
		},
		{
			name: "storage key without symmetric",
			builder: NewPublicBuilder(AlgRSA).WithAttributes(keyAttrs | AttrRestricted | AttrDecrypt).
				WithRSA(2048, 0),
			field: "symmetric",
		},
		{
			name: "signing key with decrypt scheme",
			builder: NewPublicBuilder(AlgRSA).WithAttributes(keyAttrs | AttrSignEncrypt).
				WithScheme(Scheme{Alg: AlgOAEP, Hash: AlgSHA256}).WithRSA(2048, 0),
			field: "scheme",
		},
		{
			name: "ecc unsupported curve",
			builder: NewPublicBuilder(AlgECC).WithAttributes(keyAttrs | AttrSignEncrypt).
				WithCurve(ECCCurve(0x20)),
			field: "curveID",
		},
		{
			name: "ecc with rsa parameters",
			builder: NewPublicBuilder(AlgECC).WithAttributes(keyAttrs | AttrSignEncrypt).
				WithCurve(CurveNISTP256).WithRSA(2048, 0),
			field: "parameters",
		},
		{
			name:    "auth policy size mismatch",
			builder: NewPublicBuilder(AlgKeyedHash).WithAttributes(AttrFixedTPM | AttrFixedParent).WithAuthPolicy(make([]byte, 20)),
			field:   "authPolicy",
		},
		{
			name:    "aes 100 bit key",
			builder: NewPublicBuilder(AlgSymCipher).WithAttributes(keyAttrs | AttrDecrypt).WithSymmetric(SymDef{alg: AlgAES, keyBits: 100, mode: AlgCFB}),
			field:   "symmetric.keyBits",
		},
		{
			name:    "unsupported type",
			builder: NewPublicBuilder(AlgAES),
			field:   "type",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := tc.builder.Build()
			require.Error(t, err)
			assert.Nil(t, p)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %T", err)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestPublicDefaultExponentNormalized(t *testing.T) {
	a := mustPublic(NewPublicBuilder(AlgRSA).WithAttributes(keyAttrs|AttrSignEncrypt).WithRSA(2048, 65537).Build())
	b := mustPublic(NewPublicBuilder(AlgRSA).WithAttributes(keyAttrs|AttrSignEncrypt).WithRSA(2048, 0).Build())
	assert.True(t, a.Equal(b))
	assert.Equal(t, uint32(65537), a.Exponent())
}

func TestPublicKey(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p := mustPublic(RSAExternalPublicTemplate(rsaKey.N.Bytes(), uint32(rsaKey.E)))
	pub, err := p.PublicKey()
	require.NoError(t, err)
	assert.True(t, rsaKey.PublicKey.Equal(pub))
	assert.Equal(t, 256, p.SignatureSize())

	eccKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	x := eccKey.X.FillBytes(make([]byte, 32))
	y := eccKey.Y.FillBytes(make([]byte, 32))
	ep := mustPublic(NewPublicBuilder(AlgECC).
		WithAttributes(AttrUserWithAuth|AttrSignEncrypt).
		WithScheme(Scheme{Alg: AlgECDSA, Hash: AlgSHA256}).
		WithCurve(CurveNISTP256).
		WithECCPoint(x, y).
		Build())
	epub, err := ep.PublicKey()
	require.NoError(t, err)
	assert.True(t, eccKey.PublicKey.Equal(epub))
	assert.Equal(t, 64, ep.SignatureSize())

	tmpl := mustPublic(RSAStorageTemplate(2048))
	_, err = tmpl.PublicKey()
	assert.ErrorIs(t, err, ErrNotAsymmetric)
}

func TestUnmarshalPublicErrors(t *testing.T) {
	valid := mustPublic(RSASigningTemplate(2048, NullScheme)).Marshal()

	tests := []struct {
		name  string
		data  []byte
		field string
	}{
		{"empty", nil, "type"},
		{"truncated attributes", valid[:6], "objectAttributes"},
		{"truncated unique", valid[:len(valid)-1], "unique"},
		{"trailing data", append(append([]byte(nil), valid...), 0x00), "trailing data"},
		{"unsupported type", []byte{0x00, 0x06, 0x00, 0x0b, 0, 0, 0, 0, 0, 0}, "type"},
		{"17 bit key on the wire", func() []byte {
			b := append([]byte(nil), valid...)
			// type(2) nameAlg(2) attrs(4) policy(2) sym(2) scheme(2) keyBits(2)
			b[14], b[15] = 0x00, 0x11
			return b
		}(), "keyBits"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := UnmarshalPublic(tc.data)
			require.Error(t, err)
			assert.Nil(t, p)
			var de *DecodeError
			require.True(t, errors.As(err, &de), "got %T", err)
			assert.Equal(t, "Public", de.Structure)
			assert.Equal(t, tc.field, de.Field)
		})
	}
}

func TestPCRSelectionList(t *testing.T) {
	sha256Sel, err := NewPCRSelection(AlgSHA256, 0, 7, 23)
	require.NoError(t, err)
	sha1Sel, err := NewPCRSelection(AlgSHA1, 1)
	require.NoError(t, err)

	list, err := NewPCRSelectionList(sha256Sel, sha1Sel)
	require.NoError(t, err)
	assert.Equal(t, 2, list.Len())
	assert.Equal(t, 4, list.Count())
	assert.Equal(t, []int{0, 7, 23}, sha256Sel.PCRs())
	assert.Equal(t, []byte{0x81, 0x00, 0x80}, sha256Sel.Bitmap())

	decoded, err := UnmarshalPCRSelectionList(list.Marshal())
	require.NoError(t, err)
	assert.Equal(t, list, decoded)

	theirs, err := tpm2.Unmarshal[tpm2.TPMLPCRSelection](list.Marshal())
	require.NoError(t, err)
	require.Len(t, theirs.PCRSelections, 2)
	assert.EqualValues(t, tpm2.TPMAlgSHA256, theirs.PCRSelections[0].Hash)
	assert.Equal(t, []byte{0x81, 0x00, 0x80}, theirs.PCRSelections[0].PCRSelect)

	rest := list.Subtract(MustPCRSelectionList(AlgSHA256, 0, 7))
	assert.Equal(t, 2, rest.Count())
	bank, ok := rest.Bank(AlgSHA256)
	require.True(t, ok)
	assert.Equal(t, []int{23}, bank.PCRs())

	empty, err := NewPCRSelectionList()
	require.NoError(t, err)
	decodedEmpty, err := UnmarshalPCRSelectionList(empty.Marshal())
	require.NoError(t, err)
	assert.Equal(t, empty, decodedEmpty)
}

func TestPCRSelectionRejects(t *testing.T) {
	_, err := NewPCRSelection(AlgSHA256, 24)
	assert.Error(t, err)
	_, err = NewPCRSelection(AlgRSA, 0)
	assert.Error(t, err)

	sel, err := NewPCRSelection(AlgSHA256, 1)
	require.NoError(t, err)
	_, err = NewPCRSelectionList(sel, sel)
	assert.Error(t, err)

	tests := []struct {
		name  string
		data  []byte
		field string
	}{
		{"bit beyond last pcr", []byte{0, 0, 0, 1, 0x00, 0x0b, 4, 0, 0, 0, 1}, "pcrSelections[0].pcrSelect"},
		{"zero bitmap size", []byte{0, 0, 0, 1, 0x00, 0x0b, 0}, "pcrSelections[0].sizeofSelect"},
		{"truncated bitmap", []byte{0, 0, 0, 1, 0x00, 0x0b, 3, 0xff}, "pcrSelections[0].pcrSelect"},
		{"non-hash bank", []byte{0, 0, 0, 1, 0x00, 0x01, 3, 0, 0, 0}, "pcrSelections[0].hash"},
		{"too many banks", []byte{0, 0, 0, 17}, "count"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := UnmarshalPCRSelectionList(tc.data)
			var de *DecodeError
			require.True(t, errors.As(err, &de), "got %v", err)
			assert.Equal(t, tc.field, de.Field)
		})
	}

	// A four byte bitmap with only the first 24 bits used is accepted.
	s, err := UnmarshalPCRSelection([]byte{0x00, 0x0b, 4, 0x01, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, s.PCRs())
}

func TestZipPCRValues(t *testing.T) {
	list := MustPCRSelectionList(AlgSHA256, 3, 1)
	d1 := bytes.Repeat([]byte{1}, 32)
	d3 := bytes.Repeat([]byte{3}, 32)

	vals, err := ZipPCRValues(list, [][]byte{d1, d3})
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.Equal(t, 1, vals[0].Index)
	assert.Equal(t, d3, vals[1].Digest)

	_, err = ZipPCRValues(list, [][]byte{d1})
	assert.Error(t, err)
	_, err = ZipPCRValues(list, [][]byte{d1, d3[:20]})
	assert.Error(t, err)
}

func TestDigestValues(t *testing.T) {
	h, err := NewTaggedHash(AlgSHA256, make([]byte, 32))
	require.NoError(t, err)
	h1, err := NewTaggedHash(AlgSHA1, make([]byte, 20))
	require.NoError(t, err)

	v, err := NewDigestValues(h, h1)
	require.NoError(t, err)
	decoded, err := UnmarshalDigestValues(v.Marshal())
	require.NoError(t, err)
	assert.Equal(t, v, decoded)

	_, err = NewDigestValues()
	assert.Error(t, err)
	_, err = NewDigestValues(h, h)
	assert.Error(t, err)
	_, err = NewTaggedHash(AlgSHA256, make([]byte, 20))
	assert.Error(t, err)
}

func TestSessionAttributes(t *testing.T) {
	a, err := NewSessionAttributes(uint8(SessionContinue | SessionDecrypt))
	require.NoError(t, err)
	assert.True(t, a.Has(SessionContinue))
	assert.False(t, a.Has(SessionEncrypt))

	b := a.Apply(SessionEncrypt, SessionEncrypt|SessionDecrypt)
	assert.Equal(t, SessionContinue|SessionEncrypt, b)

	decoded, err := UnmarshalSessionAttributes(b.Marshal())
	require.NoError(t, err)
	assert.Equal(t, b, decoded)

	_, err = NewSessionAttributes(1 << 3)
	assert.Error(t, err)
	_, err = UnmarshalSessionAttributes([]byte{0x18})
	assert.Error(t, err)
	_, err = UnmarshalSessionAttributes([]byte{0x01, 0x00})
	assert.Error(t, err)
}

func TestSensitiveCreate(t *testing.T) {
	s, err := NewSensitiveCreate([]byte("secret"), []byte("data"))
	require.NoError(t, err)
	decoded, err := UnmarshalSensitiveCreate(s.Marshal())
	require.NoError(t, err)
	assert.Equal(t, s, decoded)

	empty, err := UnmarshalSensitiveCreate(EmptySensitive().Marshal())
	require.NoError(t, err)
	assert.Equal(t, EmptySensitive(), empty)

	_, err = NewSensitiveCreate(make([]byte, MaxAuthSize+1), nil)
	assert.Error(t, err)
	_, err = NewSensitiveCreate(nil, make([]byte, MaxSensitiveDataSize+1))
	assert.Error(t, err)

	oversize := append([]byte{0x00, 0x41}, make([]byte, 0x41)...)
	oversize = append(oversize, 0x00, 0x00)
	_, err = UnmarshalSensitiveCreate(oversize)
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "userAuth", de.Field)
}

func TestCapability(t *testing.T) {
	q, err := NewCapabilityQuery(CapTPMProperties, PTFixed, 64)
	require.NoError(t, err)
	dq, err := UnmarshalCapabilityQuery(q.Marshal())
	require.NoError(t, err)
	assert.Equal(t, q, dq)

	_, err = NewCapabilityQuery(Capability(0x42), 0, 1)
	assert.Error(t, err)
	_, err = NewCapabilityQuery(CapAlgorithms, 0, 0)
	assert.Error(t, err)
	_, err = NewCapabilityQuery(CapAlgorithms, 0, MaxCapabilityCount+1)
	assert.Error(t, err)

	props, err := NewPropertyCapability(
		TaggedProperty{Property: PTManufacturer, Value: 0x49424d00},
		TaggedProperty{Property: PTPCRCount, Value: 24},
	)
	require.NoError(t, err)
	handles, err := NewHandleCapability(0x81000001, 0x81000002)
	require.NoError(t, err)
	algs, err := NewAlgorithmCapability(AlgProperty{Alg: AlgRSA, Properties: 0x9})
	require.NoError(t, err)
	curves, err := NewCurveCapability(CurveNISTP256, CurveNISTP384)
	require.NoError(t, err)
	noHandles, err := NewHandleCapability()
	require.NoError(t, err)

	for _, data := range []*CapabilityData{
		props, handles, algs, curves, noHandles,
		NewPCRCapability(MustPCRSelectionList(AlgSHA256, 0, 1, 2)),
	} {
		decoded, err := UnmarshalCapabilityData(data.Marshal())
		require.NoError(t, err)
		assert.Equal(t, data, decoded)
		assert.Equal(t, data.Len(), decoded.Len())
	}

	v, ok := props.Property(PTPCRCount)
	assert.True(t, ok)
	assert.Equal(t, uint32(24), v)
	_, ok = props.Property(PTLevel)
	assert.False(t, ok)

	_, err = UnmarshalCapabilityData([]byte{0, 0, 0, 1, 0, 0, 1, 1})
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "count", de.Field)
}

func TestSignature(t *testing.T) {
	rsaSig, err := NewRSASignature(AlgRSASSA, AlgSHA256, bytes.Repeat([]byte{0xaa}, 256))
	require.NoError(t, err)
	ecSig, err := NewECDSASignature(AlgSHA256, bytes.Repeat([]byte{1}, 32), bytes.Repeat([]byte{2}, 32))
	require.NoError(t, err)
	hmacSig, err := NewHMACSignature(AlgSHA256, make([]byte, 32))
	require.NoError(t, err)

	for _, sig := range []*Signature{rsaSig, ecSig, hmacSig} {
		decoded, err := UnmarshalSignature(sig.Marshal())
		require.NoError(t, err)
		assert.Equal(t, sig, decoded)
	}
	assert.Equal(t, 64, ecSig.Size())
	assert.Len(t, ecSig.Bytes(), 64)

	theirs, err := tpm2.Unmarshal[tpm2.TPMTSignature](rsaSig.Marshal())
	require.NoError(t, err)
	assert.EqualValues(t, tpm2.TPMAlgRSASSA, theirs.SigAlg)

	_, err = NewRSASignature(AlgECDSA, AlgSHA256, []byte{1})
	assert.Error(t, err)
	_, err = NewHMACSignature(AlgSHA256, make([]byte, 20))
	assert.Error(t, err)
	_, err = UnmarshalSignature([]byte{0x00, 0x10, 0x00, 0x10})
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "sigAlg", de.Field)
}

func TestSigScheme(t *testing.T) {
	s, err := NewSigScheme(AlgRSAPSS, AlgSHA384)
	require.NoError(t, err)
	decoded, err := UnmarshalSigScheme(MarshalScheme(s))
	require.NoError(t, err)
	assert.Equal(t, s, decoded)

	null, err := UnmarshalSigScheme(MarshalScheme(NullScheme))
	require.NoError(t, err)
	assert.True(t, null.IsNull())

	_, err = NewSigScheme(AlgOAEP, AlgSHA256)
	assert.Error(t, err)
}

func TestTicket(t *testing.T) {
	tk, err := NewTicket(TagVerified, 0x40000001, make([]byte, 32))
	require.NoError(t, err)
	decoded, err := UnmarshalTicket(tk.Marshal())
	require.NoError(t, err)
	assert.Equal(t, tk, decoded)

	null, err := UnmarshalTicket(NullHashCheck().Marshal())
	require.NoError(t, err)
	assert.Equal(t, NullHashCheck(), null)

	_, err = NewTicket(0x8000, RHNull, nil)
	assert.Error(t, err)
}

func TestNVPublic(t *testing.T) {
	attrs := NVOwnerWrite | NVOwnerRead | NVAuthRead | NVAuthWrite
	p, err := NewNVPublic(0x01500000, AlgSHA256, attrs, nil, 64)
	require.NoError(t, err)
	decoded, err := UnmarshalNVPublic(p.Marshal())
	require.NoError(t, err)
	assert.True(t, p.Equal(decoded))
	assert.Empty(t, cmp.Diff(p, decoded))
	assert.Equal(t, p.Name(), decoded.Name())
	assert.Len(t, p.Name(), 34)

	counter, err := NewNVPublic(0x01500001, AlgSHA256, attrs.WithType(NVTypeCounter), nil, 8)
	require.NoError(t, err)
	assert.Equal(t, NVTypeCounter, counter.Attributes().Type())

	written := p.WithAttributes(p.Attributes() | NVWritten)
	assert.False(t, p.Equal(written))
	assert.NotEqual(t, p.Name(), written.Name())

	tests := []struct {
		name  string
		build func() (*NVPublic, error)
		field string
	}{
		{"owner hierarchy handle", func() (*NVPublic, error) {
			return NewNVPublic(0x81000001, AlgSHA256, attrs, nil, 8)
		}, "nvIndex"},
		{"no write auth", func() (*NVPublic, error) {
			return NewNVPublic(0x01000001, AlgSHA256, NVOwnerRead, nil, 8)
		}, "attributes"},
		{"counter of 4 bytes", func() (*NVPublic, error) {
			return NewNVPublic(0x01000001, AlgSHA256, attrs.WithType(NVTypeCounter), nil, 4)
		}, "dataSize"},
		{"ordinary too large", func() (*NVPublic, error) {
			return NewNVPublic(0x01000001, AlgSHA256, attrs, nil, MaxNVIndexSize+1)
		}, "dataSize"},
		{"extend with wrong size", func() (*NVPublic, error) {
			return NewNVPublic(0x01000001, AlgSHA256, attrs.WithType(NVTypeExtend), nil, 20)
		}, "dataSize"},
		{"reserved bit", func() (*NVPublic, error) {
			return NewNVPublic(0x01000001, AlgSHA256, attrs|1<<8, nil, 8)
		}, "attributes"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.build()
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestSavedContext(t *testing.T) {
	c, err := NewSavedContext(42, 0x80000001, 0x40000001, []byte("blob"))
	require.NoError(t, err)
	decoded, err := UnmarshalSavedContext(c.Marshal())
	require.NoError(t, err)
	assert.True(t, c.Equal(decoded))
	assert.Equal(t, uint64(42), decoded.Sequence())

	_, err = NewSavedContext(1, 0x81000001, 0x40000001, []byte("blob"))
	assert.Error(t, err)
	_, err = NewSavedContext(1, 0x80000001, 0x40000001, nil)
	assert.Error(t, err)

	_, err = UnmarshalSavedContext(c.Marshal()[:10])
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "savedHandle", de.Field)
}

func TestSymDef(t *testing.T) {
	s, err := NewSymDef(AlgAES, 192, AlgCTR)
	require.NoError(t, err)
	decoded, err := UnmarshalSymDef(s.Marshal())
	require.NoError(t, err)
	assert.Equal(t, s, decoded)

	null, err := UnmarshalSymDef(SymNull.Marshal())
	require.NoError(t, err)
	assert.True(t, null.IsNull())

	_, err = NewSymDef(AlgAES, 128, AlgNull)
	assert.Error(t, err)
	_, err = NewSymDef(AlgorithmID(0x26), 128, AlgCFB)
	assert.Error(t, err)
}

func TestAlgorithmHelpers(t *testing.T) {
	assert.Equal(t, 32, AlgSHA256.DigestSize())
	assert.Equal(t, 0, AlgRSA.DigestSize())
	assert.True(t, AlgSHA384.IsHash())
	assert.False(t, AlgAES.IsHash())
	assert.Equal(t, "SHA256", AlgSHA256.String())
	assert.Equal(t, 66, CurveNISTP521.CoordinateSize())
}
