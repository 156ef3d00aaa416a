package esys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-esapi/pkg/raw"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

func TestStartAuthSession_Validation(t *testing.T) {
	c, mock := newTestContext(t)

	tests := []struct {
		name  string
		typ   SessionType
		hash  structures.AlgorithmID
		attrs structures.SessionAttributes
		opts  []SessionOption
		want  error
	}{
		{"unknown type", SessionType(7), structures.AlgSHA256, 0, nil, ErrInvalidArgument},
		{"not a hash", SessionHMAC, structures.AlgAES, 0, nil, ErrInvalidArgument},
		{"encrypt without symmetric", SessionHMAC, structures.AlgSHA256, structures.SessionEncrypt, nil, ErrInvalidArgument},
		{"salt with permanent handle", SessionHMAC, structures.AlgSHA256, 0, []SessionOption{WithSaltKey(Owner)}, ErrWrongClass},
		{"bind with foreign handle", SessionHMAC, structures.AlgSHA256, 0, []SessionOption{WithBind(&Handle{value: 0x80001234, class: HandleTransient})}, ErrForeignHandle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.StartAuthSession(tt.typ, tt.hash, tt.attrs, tt.opts...)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsLocalValidation(err))
		})
	}
	assert.Equal(t, 0, mock.CallCount())
	assert.Equal(t, 0, c.HandleCount())
}

func TestStartAuthSession_Types(t *testing.T) {
	c, _ := newTestContext(t)
	for _, typ := range []SessionType{SessionHMAC, SessionPolicy, SessionTrial} {
		t.Run(typ.String(), func(t *testing.T) {
			s, err := c.StartAuthSession(typ, structures.AlgSHA256, structures.SessionContinue,
				WithSymmetric(structures.AES128CFB()))
			require.NoError(t, err)
			assert.Equal(t, typ, s.Type())
			assert.Equal(t, SessionIdle, s.State())
			assert.Equal(t, HandleSession, s.Handle().Class())
			assert.Equal(t, structures.AlgAES, s.Symmetric().Algorithm())
			if typ == SessionHMAC {
				assert.Nil(t, s.PolicyDigest())
				assert.Equal(t, uint32(0x02), s.Handle().Value()>>24)
			} else {
				assert.Equal(t, make([]byte, 32), s.PolicyDigest())
				assert.Equal(t, uint32(0x03), s.Handle().Value()>>24)
			}
			require.NoError(t, c.EndSession(s))
			assert.Equal(t, SessionEnded, s.State())
		})
	}
}

func TestStartAuthSession_SaltAndBind(t *testing.T) {
	c, mock := newTestContext(t)
	storage := eccStorageKey(t, c)
	s, err := c.StartAuthSession(SessionHMAC, structures.AlgSHA256, structures.SessionContinue,
		WithSaltKey(storage), WithBind(Owner), WithSymmetric(structures.AES256CFB()))
	require.NoError(t, err)

	calls := mock.CallsOf(raw.CCStartAuthSession)
	require.Len(t, calls, 1)
	cmd := calls[0].Command.(raw.StartAuthSession)
	assert.Equal(t, storage.Value(), cmd.TPMKey)
	assert.Equal(t, raw.RHOwner, cmd.Bind)
	assert.Equal(t, uint16(256), s.Symmetric().KeyBits())
}

func TestSetSessionAttributes(t *testing.T) {
	c, mock := newTestContext(t)
	s := hmacSession(t, c)

	err := c.SetSessionAttributes(s, structures.SessionDecrypt, structures.SessionDecrypt)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 0, mock.CountOf(raw.CCSessionSetAttrs))

	enc, err := c.StartAuthSession(SessionHMAC, structures.AlgSHA256, structures.SessionContinue,
		WithSymmetric(structures.AES128CFB()))
	require.NoError(t, err)
	require.NoError(t, c.SetSessionAttributes(enc, structures.SessionDecrypt|structures.SessionEncrypt, encryptionMask))
	assert.True(t, enc.Attributes().Has(structures.SessionDecrypt))
	assert.True(t, enc.Attributes().Has(structures.SessionEncrypt))
	assert.True(t, enc.Attributes().Has(structures.SessionContinue))

	require.NoError(t, c.SetSessionAttributes(enc, 0, structures.SessionContinue))
	assert.False(t, enc.Attributes().Has(structures.SessionContinue))

	require.NoError(t, c.SetSessions(enc))
	_, err = c.GetRandom(4)
	require.NoError(t, err)
	assert.Equal(t, SessionEnded, enc.State())
	assert.Nil(t, c.Sessions()[0])
}

func TestSetSessions(t *testing.T) {
	c, mock := newTestContext(t)
	a := hmacSession(t, c)
	b := hmacSession(t, c)

	assert.ErrorIs(t, c.SetSessions(a, a), ErrSessionInUse)
	assert.ErrorIs(t, c.SetSessions(a, b, nil, nil), ErrTooManySessions)

	require.NoError(t, c.SetSessions(nil, b))
	got := c.Sessions()
	require.Len(t, got, raw.MaxSessions)
	assert.Nil(t, got[0])
	assert.Same(t, b, got[1])

	key := eccSigningKey(t, c)
	_, _, err := c.ReadPublic(key)
	require.NoError(t, err)
	last := mock.CallsOf(raw.CCReadPublic)
	require.Len(t, last, 1)
	assert.Equal(t, []uint32{b.Handle().Value()}, last[0].Sessions)

	creates := mock.CallsOf(raw.CCCreatePrimary)
	assert.Equal(t, []uint32{raw.RSPassword, b.Handle().Value()}, creates[len(creates)-1].Sessions)

	require.NoError(t, c.EndSession(b))
	assert.Nil(t, c.Sessions()[1])

	c.ClearSessions()
	for _, s := range c.Sessions() {
		assert.Nil(t, s)
	}
}

func TestEndSession_InUse(t *testing.T) {
	c, _ := newTestContext(t)
	s := hmacSession(t, c)
	s.state = SessionInUse
	assert.ErrorIs(t, c.EndSession(s), ErrSessionInUse)
	assert.ErrorIs(t, c.FlushContext(s.Handle()), ErrSessionInUse)
	s.state = SessionIdle
	require.NoError(t, c.FlushContext(s.Handle()))
	assert.Equal(t, SessionEnded, s.State())
}

func TestSessionsAttachToUnauthorizedCommands(t *testing.T) {
	c, mock := newTestContext(t)
	key := eccSigningKey(t, c)
	nvPub, err := structures.NewNVPublic(0x01500030, structures.AlgSHA256, structures.NVAuthRead|structures.NVAuthWrite, nil, 8)
	require.NoError(t, err)
	nv, err := c.NVDefineSpace(Owner, nil, nvPub)
	require.NoError(t, err)
	persisted, err := c.EvictControl(Owner, eccStorageKey(t, c), 0x81000030)
	require.NoError(t, err)
	require.NoError(t, c.TRClose(persisted))

	tests := []struct {
		name string
		code raw.CommandCode
		run  func() error
	}{
		{"GetRandom", raw.CCGetRandom, func() error {
			_, err := c.GetRandom(4)
			return err
		}},
		{"PCRRead", raw.CCPCRRead, func() error {
			_, err := c.PCRRead(structures.MustPCRSelectionList(structures.AlgSHA256, 0))
			return err
		}},
		{"GetCapability", raw.CCGetCapability, func() error {
			q, err := structures.NewCapabilityQuery(structures.CapTPMProperties, 0x100, 4)
			require.NoError(t, err)
			_, _, err = c.GetCapability(q)
			return err
		}},
		{"NVReadPublic", raw.CCNVReadPublic, func() error {
			_, _, err := c.NVReadPublic(nv)
			return err
		}},
		{"ContextSave", raw.CCContextSave, func() error {
			_, err := c.ContextSave(key)
			return err
		}},
		{"TRFromTPMPublic", raw.CCTRFromTPMPublic, func() error {
			h, err := c.TRFromTPMPublic(0x81000030)
			if err == nil {
				err = c.TRClose(h)
			}
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := c.StartAuthSession(SessionHMAC, structures.AlgSHA256, 0)
			require.NoError(t, err)
			require.NoError(t, c.SetSessions(s))
			sh := s.Handle().Value()

			require.NoError(t, tt.run())
			calls := mock.CallsOf(tt.code)
			require.NotEmpty(t, calls)
			assert.Equal(t, []uint32{sh}, calls[len(calls)-1].Sessions)
			assert.Equal(t, SessionEnded, s.State())
			assert.Nil(t, c.Sessions()[0])
		})
	}
}
