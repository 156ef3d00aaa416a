//go:build tpm_simulator

package esys

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-esapi/pkg/logging"
	"github.com/jeremyhahn/go-esapi/pkg/raw/gotpm"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

func openSimulator(t *testing.T) *Context {
	t.Helper()
	c, err := Open(&Config{UseSimulator: true, SimulatorType: gotpm.SimulatorEmbedded}, WithLogger(logging.Discard()))
	require.NoError(t, err)
	return c
}

func TestSimulator_EndToEnd(t *testing.T) {
	c := openSimulator(t)

	key := eccSigningKey(t, c)
	s := hmacSession(t, c)
	require.NoError(t, c.SetSessions(s))

	digest := sha256.Sum256([]byte("simulator"))
	sig, err := c.Sign(key, digest[:], structures.NullScheme, nil)
	require.NoError(t, err)
	_, err = c.VerifySignature(key, digest[:], sig)
	require.NoError(t, err)

	handles, err := c.ActiveHandles(structures.HandleRangeTransient)
	require.NoError(t, err)
	assert.Contains(t, handles, key.Value())

	values, err := c.PCRReadAll(structures.MustPCRSelectionList(structures.AlgSHA256, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9))
	require.NoError(t, err)
	assert.Len(t, values.Values, 10)

	b, err := c.GetRandom(100)
	require.NoError(t, err)
	assert.Len(t, b, 100)

	assert.Equal(t, 2, c.HandleCount())
	require.NoError(t, c.Close())
	assert.Equal(t, 0, c.HandleCount())
}

func TestSimulator_PolicySealUnseal(t *testing.T) {
	c := openSimulator(t)
	defer c.Close()

	parent := eccStorageKey(t, c)
	digest := trialDigest(t, c, func(s *AuthSession) { require.NoError(t, c.PolicyAuthValue(s)) })
	sealed, err := c.Seal(parent, []byte("secret"), []byte("auth"), digest)
	require.NoError(t, err)
	item, err := c.Load(parent, sealed.Private, sealed.Public)
	require.NoError(t, err)
	require.NoError(t, c.SetHandleAuth(item, []byte("auth")))

	policy, err := c.StartAuthSession(SessionPolicy, structures.AlgSHA256, 0)
	require.NoError(t, err)
	require.NoError(t, c.PolicyAuthValue(policy))
	tpmDigest, err := c.PolicyGetDigest(policy)
	require.NoError(t, err)
	assert.Equal(t, digest, tpmDigest)

	require.NoError(t, c.SetSessions(policy))
	out, err := c.Unseal(item)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), out)
}
