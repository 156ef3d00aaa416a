package abstraction

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-esapi/pkg/esys"
	"github.com/jeremyhahn/go-esapi/pkg/logging"
	"github.com/jeremyhahn/go-esapi/pkg/raw"
	"github.com/jeremyhahn/go-esapi/pkg/raw/mocks"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

func newESYS(t *testing.T) (*esys.Context, *mocks.MockTPM) {
	t.Helper()
	mock := mocks.NewMockTPM()
	mock.MaxTransient = 8
	ctx, err := esys.New(mock, esys.WithLogger(logging.Discard()))
	require.NoError(t, err)
	return ctx, mock
}

func newTransient(t *testing.T) (*TransientObjectContext, *mocks.MockTPM) {
	t.Helper()
	ctx, mock := newESYS(t)
	toc, err := NewTransientObjectContext(ctx, 1024, 32, nil, WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = toc.Close() })
	return toc, mock
}

func TestNewTransientObjectContext_WrongSizes(t *testing.T) {
	tests := []struct {
		name     string
		keySize  int
		authSize int
	}{
		{"key too small", 512, 16},
		{"key too large", 4096, 16},
		{"auth too long", 2048, 33},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, mock := newESYS(t)
			defer ctx.Close()
			_, err := NewTransientObjectContext(ctx, tt.keySize, tt.authSize, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrWrongParamSize)
			assert.True(t, esys.IsLocalValidation(err))
			assert.Equal(t, 0, mock.CallCount())
		})
	}
}

func TestNewTransientObjectContext(t *testing.T) {
	ctx, mock := newESYS(t)
	mock.SetHierarchyAuth(raw.RHOwner, []byte("owner"))

	_, err := NewTransientObjectContext(ctx, 1024, 16, nil)
	require.Error(t, err)
	assert.True(t, esys.IsAuthorizationFailed(err))

	toc, err := NewTransientObjectContext(ctx, 1024, 16, []byte("owner"), WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer toc.Close()

	assert.Equal(t, 1, mock.LoadedObjects())
	assert.Equal(t, 1, mock.LoadedSessions())
	sessions := ctx.Sessions()
	require.NotNil(t, sessions[0])
	assert.Equal(t, esys.SessionHMAC, sessions[0].Type())
	assert.Equal(t, uint16(256), sessions[0].Symmetric().KeyBits())

	starts := mock.CallsOf(raw.CCStartAuthSession)
	require.Len(t, starts, 1)
	assert.NotEqual(t, raw.RHNull, starts[0].Command.(raw.StartAuthSession).TPMKey, "session is salted")
	assert.Equal(t, raw.RHNull, starts[0].Command.(raw.StartAuthSession).Bind)
}

func TestSignAndVerify(t *testing.T) {
	toc, mock := newTransient(t)

	saved, auth, err := toc.CreateRSASigningKey(1024, 16)
	require.NoError(t, err)
	assert.Len(t, auth, 16)
	assert.Equal(t, 1, mock.LoadedObjects(), "only the root stays loaded")

	digest := sha256.Sum256([]byte("message"))
	sig, err := toc.Sign(saved, auth, digest[:])
	require.NoError(t, err)
	assert.Equal(t, structures.AlgRSASSA, sig.Algorithm())
	assert.Len(t, sig.Bytes(), 128)

	ticket, err := toc.VerifySignature(saved, digest[:], sig)
	require.NoError(t, err)
	assert.Equal(t, structures.TagVerified, ticket.Tag())

	modulus, err := toc.ReadPublicKey(saved)
	require.NoError(t, err)
	assert.Len(t, modulus, 128)

	external, err := toc.LoadExternalRSAPublicKey(modulus)
	require.NoError(t, err)
	_, err = toc.VerifySignature(external, digest[:], sig)
	require.NoError(t, err)

	assert.Equal(t, 1, mock.LoadedObjects())
	for _, call := range mock.CallsOf(raw.CCSign) {
		enc := call.Sessions[0]
		assert.NotEqual(t, raw.RSPassword, enc)
	}
}

func TestKeysFlushedOnFailure(t *testing.T) {
	toc, mock := newTransient(t)
	saved, auth, err := toc.CreateRSASigningKey(1024, 8)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("message"))

	_, err = toc.Sign(saved, []byte("wrong"), digest[:])
	require.Error(t, err)
	assert.True(t, esys.IsAuthorizationFailed(err))
	assert.Equal(t, 1, mock.LoadedObjects())

	_, err = toc.Sign(saved, auth, digest[:20])
	require.Error(t, err)
	assert.False(t, esys.IsLocalValidation(err))
	assert.Equal(t, 1, mock.LoadedObjects())

	sig, err := toc.Sign(saved, auth, digest[:])
	require.NoError(t, err)
	other := sha256.Sum256([]byte("other"))
	_, err = toc.VerifySignature(saved, other[:], sig)
	require.Error(t, err)
	assert.Equal(t, 1, mock.LoadedObjects())
	assert.Equal(t, 2, toc.Context().HandleCount(), "root and session remain registered")
}

func TestCreateRSASigningKey_WrongSizes(t *testing.T) {
	toc, mock := newTransient(t)
	calls := mock.CallCount()

	_, _, err := toc.CreateRSASigningKey(3072, 0)
	assert.ErrorIs(t, err, ErrWrongParamSize)
	_, _, err = toc.CreateRSASigningKey(2048, 64)
	assert.ErrorIs(t, err, ErrWrongParamSize)
	_, err = toc.LoadExternalRSAPublicKey(bytes.Repeat([]byte{0xc5}, 64))
	assert.ErrorIs(t, err, ErrWrongParamSize)
	assert.Equal(t, calls, mock.CallCount())
}

func TestCreateRSASigningKey_NoAuth(t *testing.T) {
	toc, mock := newTransient(t)
	randoms := mock.CountOf(raw.CCGetRandom)
	saved, auth, err := toc.CreateRSASigningKey(1024, 0)
	require.NoError(t, err)
	assert.Empty(t, auth)
	assert.Equal(t, randoms, mock.CountOf(raw.CCGetRandom))

	digest := sha256.Sum256([]byte("message"))
	_, err = toc.Sign(saved, nil, digest[:])
	require.NoError(t, err)
}

func TestReadPublicKey_Unsupported(t *testing.T) {
	toc, mock := newTransient(t)
	ctx := toc.Context()
	tmpl, err := structures.ECCSigningTemplate(structures.CurveNISTP256, structures.AlgSHA256)
	require.NoError(t, err)
	key, err := ctx.CreatePrimary(esys.Owner, tmpl, nil)
	require.NoError(t, err)
	saved, err := ctx.ContextSave(key)
	require.NoError(t, err)
	require.NoError(t, ctx.FlushContext(key))

	_, err = toc.ReadPublicKey(saved)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedParam)
	assert.Equal(t, 1, mock.LoadedObjects())
}

func TestClose(t *testing.T) {
	ctx, mock := newESYS(t)
	toc, err := NewTransientObjectContext(ctx, 1024, 0, nil, WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, toc.Close())
	assert.Equal(t, 0, mock.LoadedObjects())
	assert.Equal(t, 0, mock.LoadedSessions())
	assert.Equal(t, 0, ctx.HandleCount())
}
