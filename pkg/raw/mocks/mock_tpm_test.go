package mocks

import (
	"crypto/sha256"
	"testing"

	"github.com/jeremyhahn/go-esapi/pkg/raw"
	"github.com/jeremyhahn/go-esapi/pkg/rc"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func primary(t *testing.T, m *MockTPM, tmpl *structures.Public, auth []byte) raw.CreatePrimaryOut {
	t.Helper()
	sens, err := structures.NewSensitiveCreate(auth, nil)
	require.NoError(t, err)
	reply, code := m.Dispatch(raw.CreatePrimary{
		PrimaryHandle: raw.RHOwner,
		InSensitive:   sens.Marshal(),
		InPublic:      tmpl.Marshal(),
		CreationPCR:   structures.PCRSelectionList{}.Marshal(),
	}, []uint32{raw.RSPassword})
	require.Equal(t, rc.Success, code, code.String())
	return reply.Out.(raw.CreatePrimaryOut)
}

func eccSigner(t *testing.T) *structures.Public {
	t.Helper()
	tmpl, err := structures.ECCSigningTemplate(structures.CurveNISTP256, structures.AlgSHA256)
	require.NoError(t, err)
	return tmpl
}

func TestMockTPM_ObjectSlots(t *testing.T) {
	m := NewMockTPM()
	m.MaxTransient = 2
	tmpl := eccSigner(t)

	primary(t, m, tmpl, nil)
	primary(t, m, tmpl, nil)

	sens := structures.EmptySensitive()
	_, code := m.Dispatch(raw.CreatePrimary{
		PrimaryHandle: raw.RHOwner,
		InSensitive:   sens.Marshal(),
		InPublic:      tmpl.Marshal(),
	}, []uint32{raw.RSPassword})
	assert.Equal(t, rc.ReturnCode(rc.ObjectMemory), code)
	assert.Equal(t, rc.KindResourceExhausted, rc.KindOf(code))
	assert.Equal(t, 2, m.LoadedObjects())
}

func TestMockTPM_PrimaryIsDeterministic(t *testing.T) {
	m := NewMockTPM()
	tmpl := eccSigner(t)
	a := primary(t, m, tmpl, nil)
	b := primary(t, m, tmpl, nil)
	assert.NotEqual(t, a.ObjectHandle, b.ObjectHandle)
	assert.Equal(t, a.Name, b.Name)
}

func TestMockTPM_Failures(t *testing.T) {
	t.Run("skip and times", func(t *testing.T) {
		m := NewMockTPM()
		m.Inject(Failure{Code: raw.CCGetRandom, Skip: 1, Times: 1, RC: tpm(rc.Failure)})

		_, code := m.Dispatch(raw.GetRandom{BytesRequested: 8}, nil)
		assert.Equal(t, rc.Success, code)
		_, code = m.Dispatch(raw.GetRandom{BytesRequested: 8}, nil)
		assert.Equal(t, tpm(rc.Failure), code)
		_, code = m.Dispatch(raw.GetRandom{BytesRequested: 8}, nil)
		assert.Equal(t, rc.Success, code)
		assert.Equal(t, 3, m.CountOf(raw.CCGetRandom))
	})

	t.Run("handle filter", func(t *testing.T) {
		m := NewMockTPM()
		a := primary(t, m, eccSigner(t), nil)
		b := primary(t, m, eccSigner(t), nil)
		m.Inject(Failure{Code: raw.CCFlushContext, Handle: b.ObjectHandle, RC: rc.Handle.WithParameter(1)})

		_, code := m.Dispatch(raw.FlushContext{FlushHandle: b.ObjectHandle}, nil)
		assert.Equal(t, rc.Handle.WithParameter(1), code)
		_, code = m.Dispatch(raw.FlushContext{FlushHandle: a.ObjectHandle}, nil)
		assert.Equal(t, rc.Success, code)
	})

	t.Run("closed", func(t *testing.T) {
		m := NewMockTPM()
		assert.Equal(t, rc.Success, m.Close())
		_, code := m.Dispatch(raw.GetRandom{BytesRequested: 8}, nil)
		assert.Equal(t, rc.LayerTCTI, code.Layer())
		assert.True(t, m.Closed())
		assert.Equal(t, 1, m.CloseCalls)
	})
}

func TestMockTPM_Authorization(t *testing.T) {
	m := NewMockTPM()
	key := primary(t, m, eccSigner(t), []byte("secret"))
	digest := sha256.Sum256([]byte("data"))
	scheme, err := structures.NewSigScheme(structures.AlgECDSA, structures.AlgSHA256)
	require.NoError(t, err)
	sign := raw.Sign{
		KeyHandle:  key.ObjectHandle,
		Digest:     digest[:],
		Scheme:     structures.MarshalScheme(scheme),
		Validation: structures.NullHashCheck().Marshal(),
	}

	_, code := m.Dispatch(sign, []uint32{raw.RSPassword})
	require.Equal(t, rc.Success, code, code.String())

	_, code = m.Dispatch(raw.SetAuth{Handle: key.ObjectHandle, Auth: []byte("wrong")}, nil)
	require.Equal(t, rc.Success, code)
	_, code = m.Dispatch(sign, []uint32{raw.RSPassword})
	assert.Equal(t, rc.BadAuth.WithSession(1), code)
	assert.Equal(t, rc.KindAuthorizationFailed, rc.KindOf(code))

	_, code = m.Dispatch(sign, nil)
	assert.Equal(t, tpm(rc.AuthMissing), code)
}

func TestMockTPM_SessionContinue(t *testing.T) {
	m := NewMockTPM()
	key := primary(t, m, eccSigner(t), nil)
	reply, code := m.Dispatch(raw.StartAuthSession{
		TPMKey:      raw.RHNull,
		Bind:        raw.RHNull,
		SessionType: raw.SessionHMAC,
		Symmetric:   structures.SymNull.Marshal(),
		AuthHash:    uint16(structures.AlgSHA256),
	}, nil)
	require.Equal(t, rc.Success, code)
	sess := reply.Out.(raw.StartAuthSessionOut).SessionHandle
	assert.Equal(t, hmacSessionFirst, sess)

	digest := sha256.Sum256([]byte("data"))
	reply, code = m.Dispatch(raw.Sign{
		KeyHandle:  key.ObjectHandle,
		Digest:     digest[:],
		Scheme:     structures.MarshalScheme(structures.NullScheme),
		Validation: structures.NullHashCheck().Marshal(),
	}, []uint32{sess})
	require.Equal(t, rc.Success, code, code.String())
	assert.Equal(t, []bool{false}, reply.Continued)
	assert.Equal(t, 0, m.LoadedSessions())
}

func TestMockTPM_EncryptWithoutSymmetric(t *testing.T) {
	m := NewMockTPM()
	reply, code := m.Dispatch(raw.StartAuthSession{
		TPMKey:      raw.RHNull,
		Bind:        raw.RHNull,
		SessionType: raw.SessionHMAC,
		Symmetric:   structures.SymNull.Marshal(),
		AuthHash:    uint16(structures.AlgSHA256),
		Attributes:  uint8(structures.SessionContinue | structures.SessionEncrypt),
	}, nil)
	require.Equal(t, rc.Success, code)
	sess := reply.Out.(raw.StartAuthSessionOut).SessionHandle

	_, code = m.Dispatch(raw.GetRandom{BytesRequested: 8}, []uint32{sess})
	assert.Equal(t, rc.Symmetric.WithSession(1), code)
}

func TestMockTPM_PCR(t *testing.T) {
	m := NewMockTPM()
	d := sha256.Sum256([]byte("measurement"))
	th, err := structures.NewTaggedHash(structures.AlgSHA256, d[:])
	require.NoError(t, err)
	values, err := structures.NewDigestValues(th)
	require.NoError(t, err)

	_, code := m.Dispatch(raw.PCRExtend{PCRHandle: 16, Digests: values.Marshal()}, []uint32{raw.RSPassword})
	require.Equal(t, rc.Success, code)

	want := sha256.Sum256(append(make([]byte, 32), d[:]...))
	assert.Equal(t, want[:], m.PCR(structures.AlgSHA256, 16))
	assert.Equal(t, make([]byte, 20), m.PCR(structures.AlgSHA1, 16))

	sel := structures.MustPCRSelectionList(structures.AlgSHA256, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 16)
	reply, code := m.Dispatch(raw.PCRRead{Selection: sel.Marshal()}, nil)
	require.Equal(t, rc.Success, code)
	out := reply.Out.(raw.PCRReadOut)
	assert.Len(t, out.Digests, structures.MaxDigests)
	assert.Equal(t, uint32(1), out.UpdateCounter)
	got, err := structures.UnmarshalPCRSelectionList(out.Selection)
	require.NoError(t, err)
	assert.Equal(t, 3, sel.Subtract(got).Count())
}

func TestMockTPM_NV(t *testing.T) {
	m := NewMockTPM()
	attrs := structures.NVOwnerWrite | structures.NVOwnerRead | structures.NVAuthRead | structures.NVAuthWrite | structures.NVNoDA
	pub, err := structures.NewNVPublic(0x01500000, structures.AlgSHA256, attrs, nil, 16)
	require.NoError(t, err)

	reply, code := m.Dispatch(raw.NVDefineSpace{AuthHandle: raw.RHOwner, PublicInfo: pub.Marshal()}, []uint32{raw.RSPassword})
	require.Equal(t, rc.Success, code)
	assert.Equal(t, pub.Name(), reply.Out.(raw.NVDefineSpaceOut).Name)

	_, code = m.Dispatch(raw.NVDefineSpace{AuthHandle: raw.RHOwner, PublicInfo: pub.Marshal()}, []uint32{raw.RSPassword})
	assert.Equal(t, tpm(rc.NVDefined), code)

	read := raw.NVRead{AuthHandle: raw.RHOwner, NVIndex: pub.Index(), Size: 4}
	_, code = m.Dispatch(read, []uint32{raw.RSPassword})
	assert.Equal(t, tpm(rc.NVUninitialized), code)

	_, code = m.Dispatch(raw.NVWrite{AuthHandle: pub.Index(), NVIndex: pub.Index(), Data: []byte("abcd"), Offset: 14}, []uint32{raw.RSPassword})
	assert.Equal(t, tpm(rc.NVRange), code)

	_, code = m.Dispatch(raw.NVWrite{AuthHandle: pub.Index(), NVIndex: pub.Index(), Data: []byte("abcd")}, []uint32{raw.RSPassword})
	require.Equal(t, rc.Success, code)

	reply, code = m.Dispatch(read, []uint32{raw.RSPassword})
	require.Equal(t, rc.Success, code)
	assert.Equal(t, []byte("abcd"), reply.Out.(raw.NVReadOut).Data)

	reply, code = m.Dispatch(raw.NVReadPublic{NVIndex: pub.Index()}, nil)
	require.Equal(t, rc.Success, code)
	written, err := structures.UnmarshalNVPublic(reply.Out.(raw.NVReadPublicOut).NVPublic)
	require.NoError(t, err)
	assert.True(t, written.Attributes().Has(structures.NVWritten))
	assert.NotEqual(t, pub.Name(), reply.Out.(raw.NVReadPublicOut).NVName)
}

func TestMockTPM_CapabilityPaging(t *testing.T) {
	m := NewMockTPM()
	reply, code := m.Dispatch(raw.GetCapability{
		Capability:    uint32(structures.CapAlgorithms),
		PropertyCount: 4,
	}, nil)
	require.Equal(t, rc.Success, code)
	out := reply.Out.(raw.GetCapabilityOut)
	assert.True(t, out.MoreData)
	data, err := structures.UnmarshalCapabilityData(out.CapabilityData)
	require.NoError(t, err)
	assert.Equal(t, 4, data.Len())

	reply, code = m.Dispatch(raw.GetCapability{
		Capability:    uint32(structures.CapTPMProperties),
		Property:      structures.PTPCRCount,
		PropertyCount: 1,
	}, nil)
	require.Equal(t, rc.Success, code)
	data, err = structures.UnmarshalCapabilityData(reply.Out.(raw.GetCapabilityOut).CapabilityData)
	require.NoError(t, err)
	v, ok := data.Property(structures.PTPCRCount)
	assert.True(t, ok)
	assert.Equal(t, uint32(structures.NumPCRs), v)
}
