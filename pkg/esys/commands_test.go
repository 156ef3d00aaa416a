package esys

import (
	"bytes"
	"errors"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-esapi/pkg/logging"
	"github.com/jeremyhahn/go-esapi/pkg/raw"
	"github.com/jeremyhahn/go-esapi/pkg/raw/mocks"
	"github.com/jeremyhahn/go-esapi/pkg/rc"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

func TestCreateLoadSign(t *testing.T) {
	c, _ := newTestContext(t)
	parent := eccStorageKey(t, c)

	tmpl := mustTemplate(t, structures.ECCSigningTemplate(structures.CurveNISTP256, structures.AlgSHA256))
	created, err := c.Create(parent, tmpl, nil)
	require.NoError(t, err)
	require.NotEmpty(t, created.Private)

	key, err := c.Load(parent, created.Private, created.Public)
	require.NoError(t, err)
	assert.Equal(t, created.Public.Name(), key.Name())
	require.NotNil(t, key.Public())

	digest := sha256.Sum256([]byte("payload"))
	sig, err := c.Sign(key, digest[:], structures.NullScheme, nil)
	require.NoError(t, err)
	assert.Equal(t, structures.AlgECDSA, sig.Algorithm())

	_, err = c.VerifySignature(key, digest[:], sig)
	require.NoError(t, err)

	other := sha256.Sum256([]byte("tampered"))
	_, err = c.VerifySignature(key, other[:], sig)
	require.Error(t, err)
	assert.False(t, IsLocalValidation(err))
	assert.Equal(t, rc.KindInvalidParameter, KindOf(err))
}

func TestObjectCommands_LocalValidation(t *testing.T) {
	c, mock := newTestContext(t)
	signer := eccSigningKey(t, c)
	storage := eccStorageKey(t, c)
	tmpl := mustTemplate(t, structures.ECCSigningTemplate(structures.CurveNISTP256, structures.AlgSHA256))
	calls := mock.CallCount()

	_, err := c.Create(signer, tmpl, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument, "signing key is not a parent")

	_, err = c.Load(storage, nil, tmpl)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = c.Sign(storage, make([]byte, 32), structures.NullScheme, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument, "storage key cannot sign")

	_, err = c.Sign(signer, nil, structures.NullScheme, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = c.VerifySignature(signer, make([]byte, 32), nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = c.Seal(storage, bytes.Repeat([]byte{1}, structures.MaxSensitiveDataSize+1), nil, nil)
	assert.True(t, IsLocalValidation(err))

	assert.Equal(t, calls, mock.CallCount())
}

func TestSealUnsealWithPassword(t *testing.T) {
	c, _ := newTestContext(t)
	parent := eccStorageKey(t, c)
	sealed, err := c.Seal(parent, []byte("data"), []byte("pw"), nil)
	require.NoError(t, err)

	item, err := c.Load(parent, sealed.Private, sealed.Public)
	require.NoError(t, err)

	_, err = c.Unseal(item)
	require.Error(t, err)
	assert.True(t, IsAuthorizationFailed(err))

	require.NoError(t, c.SetHandleAuth(item, []byte("pw")))
	out, err := c.Unseal(item)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), out)
}

func TestLoadExternal(t *testing.T) {
	c, _ := newTestContext(t)
	modulus := bytes.Repeat([]byte{0xc3}, 256)
	pub := mustTemplate(t, structures.RSAExternalPublicTemplate(modulus, 0))

	h, err := c.LoadExternal(pub, nil)
	require.NoError(t, err)
	assert.Equal(t, HandleTransient, h.Class())
	assert.Equal(t, pub.Name(), h.Name())

	got, name, err := c.ReadPublic(h)
	require.NoError(t, err)
	assert.True(t, got.Equal(pub))
	assert.Equal(t, h.Name(), name)
}

func TestPCRCommands(t *testing.T) {
	c, mock := newTestContext(t)

	pcr, err := PCR(16)
	require.NoError(t, err)
	_, err = PCR(24)
	assert.True(t, IsLocalValidation(err))

	tagged, err := structures.NewTaggedHash(structures.AlgSHA256, bytes.Repeat([]byte{0xab}, 32))
	require.NoError(t, err)
	digests, err := structures.NewDigestValues(tagged)
	require.NoError(t, err)
	require.NoError(t, c.PCRExtend(pcr, digests))

	all := make([]int, structures.NumPCRs)
	for i := range all {
		all[i] = i
	}
	sha1, err := structures.NewPCRSelection(structures.AlgSHA1, all...)
	require.NoError(t, err)
	sha256Bank, err := structures.NewPCRSelection(structures.AlgSHA256, all...)
	require.NoError(t, err)
	sel, err := structures.NewPCRSelectionList(sha1, sha256Bank)
	require.NoError(t, err)

	t.Run("single read is partial", func(t *testing.T) {
		values, err := c.PCRRead(sel)
		require.NoError(t, err)
		assert.Len(t, values.Values, structures.MaxDigests)
	})

	t.Run("read all", func(t *testing.T) {
		before := mock.CountOf(raw.CCPCRRead)
		values, err := c.PCRReadAll(sel)
		require.NoError(t, err)
		require.Len(t, values.Values, 2*structures.NumPCRs)
		assert.Equal(t, 2*structures.NumPCRs/structures.MaxDigests, mock.CountOf(raw.CCPCRRead)-before)

		assert.Equal(t, structures.AlgSHA1, values.Values[0].Hash)
		assert.Equal(t, 0, values.Values[0].Index)
		got, ok := values.Digest(structures.AlgSHA256, 16)
		require.True(t, ok)
		assert.Equal(t, mock.PCR(structures.AlgSHA256, 16), got)
	})

	t.Run("empty selection", func(t *testing.T) {
		_, err := c.PCRReadAll(structures.PCRSelectionList{})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestNVCommands(t *testing.T) {
	c, mock := newTestContext(t)
	const index = 0x01500020
	attrs := structures.NVAuthWrite | structures.NVAuthRead | structures.NVNoDA
	pub, err := structures.NewNVPublic(index, structures.AlgSHA256, attrs, nil, 1500)
	require.NoError(t, err)

	nv, err := c.NVDefineSpace(Owner, []byte("nv"), pub)
	require.NoError(t, err)
	assert.Equal(t, HandleNVIndex, nv.Class())
	assert.Equal(t, pub.Name(), nv.Name())

	_, err = c.NVDefineSpace(Owner, nil, pub)
	assert.ErrorIs(t, err, ErrDuplicateHandle)

	data := bytes.Repeat([]byte("0123456789"), 150)
	require.NoError(t, c.NVWrite(nv, nv, data, 0))
	assert.Equal(t, 2, mock.CountOf(raw.CCNVWrite))
	assert.True(t, nv.NVPublic().Attributes().Has(structures.NVWritten))

	read, err := c.NVRead(nv, nv, uint16(len(data)), 0)
	require.NoError(t, err)
	assert.Equal(t, data, read)
	assert.Equal(t, 2, mock.CountOf(raw.CCNVRead))

	tpmPub, name, err := c.NVReadPublic(nv)
	require.NoError(t, err)
	assert.True(t, tpmPub.Attributes().Has(structures.NVWritten))
	assert.Equal(t, nv.Name(), name)

	key := eccSigningKey(t, c)
	calls := mock.CallCount()
	assert.ErrorIs(t, c.NVWrite(nv, nv, data, 1), ErrInvalidArgument)
	_, err = c.NVRead(nv, nv, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, c.NVWrite(key, nv, data[:4], 0), ErrWrongClass)
	assert.Equal(t, calls, mock.CallCount())

	require.NoError(t, c.NVUndefineSpace(Owner, nv))
	assert.Equal(t, 1, c.HandleCount())
	assert.ErrorIs(t, c.NVUndefineSpace(Owner, nv), ErrUnknownHandle)
}

func TestContextSaveLoad(t *testing.T) {
	c, _ := newTestContext(t)
	key := eccSigningKey(t, c)

	saved, err := c.ContextSave(key)
	require.NoError(t, err)
	require.NoError(t, c.FlushContext(key))

	loaded, err := c.ContextLoad(saved)
	require.NoError(t, err)
	assert.NotSame(t, key, loaded)
	assert.Equal(t, key.Name(), loaded.Name())
	require.NotNil(t, loaded.Public())
	assert.True(t, loaded.Public().IsSigningKey())

	_, err = c.ContextLoad(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEvictControl(t *testing.T) {
	c, mock := newTestContext(t)
	key := eccStorageKey(t, c)
	const persistentValue = 0x81000010

	_, err := c.EvictControl(Owner, key, 0x80000010)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	persistent, err := c.EvictControl(Owner, key, persistentValue)
	require.NoError(t, err)
	assert.Equal(t, HandlePersistent, persistent.Class())
	assert.Equal(t, key.Name(), persistent.Name())
	assert.Equal(t, 2, c.HandleCount())

	same, err := c.TRFromTPMPublic(persistentValue)
	require.NoError(t, err)
	assert.Same(t, persistent, same)

	require.NoError(t, c.TRClose(persistent))
	assert.Equal(t, 1, c.HandleCount())

	reopened, err := c.TRFromTPMPublic(persistentValue)
	require.NoError(t, err)
	assert.Equal(t, persistent.Name(), reopened.Name())
	require.NotNil(t, reopened.Public())

	evicted, err := c.EvictControl(Owner, reopened, persistentValue)
	require.NoError(t, err)
	assert.Nil(t, evicted)
	assert.Equal(t, 1, c.HandleCount())

	_, err = c.TRFromTPMPublic(persistentValue)
	require.Error(t, err)
	assert.False(t, IsLocalValidation(err))

	_, err = c.TRFromTPMPublic(0x80000000)
	assert.ErrorIs(t, err, ErrWrongClass)
	assert.Equal(t, 2, mock.CountOf(raw.CCTRFromTPMPublic))
}

func TestGetRandom(t *testing.T) {
	c, mock := newTestContext(t)
	b, err := c.GetRandom(100)
	require.NoError(t, err)
	assert.Len(t, b, 100)
	assert.Equal(t, 4, mock.CountOf(raw.CCGetRandom))

	_, err = c.GetRandom(0)
	assert.True(t, IsLocalValidation(err))

	mock.DispatchFunc = func(cmd raw.Command, _ []uint32) (*raw.Reply, rc.ReturnCode) {
		return &raw.Reply{Out: raw.GetRandomOut{}}, rc.Success
	}
	_, err = c.GetRandom(8)
	assert.True(t, IsProtocol(err))
	mock.DispatchFunc = nil
}

func TestCapabilities(t *testing.T) {
	c, _ := newTestContext(t)
	eccSigningKey(t, c)
	hmacSession(t, c)

	algs, err := c.SupportedAlgorithms()
	require.NoError(t, err)
	var found bool
	for _, a := range algs {
		if a.Alg == structures.AlgSHA256 {
			found = true
		}
	}
	assert.True(t, found)

	banks, err := c.PCRBanks()
	require.NoError(t, err)
	_, ok := banks.Bank(structures.AlgSHA256)
	assert.True(t, ok)

	manufacturer, err := c.TPMProperty(structures.PTManufacturer)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x4d4f434b), manufacturer)

	props, err := c.TPMProperties(structures.PTFixed)
	require.NoError(t, err)
	assert.NotEmpty(t, props)

	handles, err := c.ActiveHandles(structures.HandleRangeTransient)
	require.NoError(t, err)
	assert.Len(t, handles, 1)

	loaded, err := c.LoadedHandles()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"transient": 1, "session": 1}, loaded)

	_, _, err = c.GetCapability(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCapabilityPaging(t *testing.T) {
	c, mock := newTestContext(t)
	for i := 0; i < 3; i++ {
		eccSigningKey(t, c)
	}
	// Serve handle queries one entry at a time.
	mock.DispatchFunc = func(cmd raw.Command, sessions []uint32) (*raw.Reply, rc.ReturnCode) {
		q := cmd.(raw.GetCapability)
		var hs []uint32
		for _, h := range []uint32{0x80000000, 0x80000001, 0x80000002} {
			if h >= q.Property {
				hs = append(hs, h)
			}
		}
		more := len(hs) > 1
		if more {
			hs = hs[:1]
		}
		data, err := structures.NewHandleCapability(hs...)
		require.NoError(t, err)
		return &raw.Reply{Out: raw.GetCapabilityOut{MoreData: more, CapabilityData: data.Marshal()}}, rc.Success
	}
	handles, err := c.ActiveHandles(structures.HandleRangeTransient)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x80000000, 0x80000001, 0x80000002}, handles)
	assert.Equal(t, 3, mock.CountOf(raw.CCGetCapability))
	mock.DispatchFunc = nil
}

// changingSurface extends PCR 16 before PCR_Read calls, so a multi-read
// sees the update counter move.
type changingSurface struct {
	*mocks.MockTPM
	digests []byte
	reads   int
	always  bool
}

func (s *changingSurface) Dispatch(cmd raw.Command, sessions []uint32) (*raw.Reply, rc.ReturnCode) {
	if cmd.Code() == raw.CCPCRRead {
		s.reads++
		if s.reads == 2 || (s.always && s.reads > 1) {
			s.MockTPM.Dispatch(raw.PCRExtend{PCRHandle: 16, Digests: s.digests}, []uint32{raw.RSPassword})
		}
	}
	return s.MockTPM.Dispatch(cmd, sessions)
}

func TestPCRReadAll_Restarts(t *testing.T) {
	tagged, err := structures.NewTaggedHash(structures.AlgSHA256, bytes.Repeat([]byte{0x01}, 32))
	require.NoError(t, err)
	digests, err := structures.NewDigestValues(tagged)
	require.NoError(t, err)
	sel := structures.MustPCRSelectionList(structures.AlgSHA256, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16)

	tests := []struct {
		name   string
		always bool
		reads  int
	}{
		{"counter moves once", false, 5},
		{"counter keeps moving", true, 2 * (maxPCRReadRestarts + 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			surface := &changingSurface{MockTPM: mocks.NewMockTPM(), digests: digests.Marshal(), always: tt.always}
			c, err := New(surface, WithLogger(logging.Discard()))
			require.NoError(t, err)
			defer c.Close()

			values, err := c.PCRReadAll(sel)
			assert.Equal(t, tt.reads, surface.reads)
			if tt.always {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errPCRsChanging))
				assert.False(t, IsLocalValidation(err))
				return
			}
			require.NoError(t, err)
			require.Len(t, values.Values, 17)
			got, ok := values.Digest(structures.AlgSHA256, 16)
			require.True(t, ok)
			assert.Equal(t, surface.PCR(structures.AlgSHA256, 16), got)
			assert.NotEqual(t, make([]byte, 32), got)
		})
	}
}
