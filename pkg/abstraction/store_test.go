package abstraction

import (
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

func TestStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs, "/var/lib/esapi/contexts")

	ids, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, ids)

	a, err := structures.NewSavedContext(1, 0x80000000, 0x40000001, []byte("blob-a"))
	require.NoError(t, err)
	b, err := structures.NewSavedContext(2, 0x80000001, 0x40000001, []byte("blob-b"))
	require.NoError(t, err)

	idA, err := store.Put(a)
	require.NoError(t, err)
	idB, err := store.Put(b)
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB)

	got, err := store.Get(idA)
	require.NoError(t, err)
	assert.True(t, got.Equal(a))

	require.NoError(t, afero.WriteFile(fs, "/var/lib/esapi/contexts/notes.txt", []byte("x"), 0600))
	ids, err = store.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{idA, idB}, ids)

	require.NoError(t, store.Delete(idA))
	_, err = store.Get(idA)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(idA), ErrNotFound)

	_, err = store.Put(nil)
	assert.Error(t, err)
}

func TestStore_CorruptFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs, "/ctx")
	id := uuid.New()
	require.NoError(t, afero.WriteFile(fs, "/ctx/"+id.String()+FSEXT_TPM_CONTEXT, []byte{0x01}, 0600))
	_, err := store.Get(id)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
