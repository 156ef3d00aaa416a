package esys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_AddRemove(t *testing.T) {
	r := newRegistry()
	a := &Handle{value: 0x80000000, class: HandleTransient}
	require.NoError(t, r.add(a))
	assert.ErrorIs(t, r.add(&Handle{value: 0x80000000, class: HandleTransient}), ErrDuplicateHandle)
	assert.Equal(t, 1, r.count(HandleTransient))

	stale := &Handle{value: 0x80000000, class: HandleTransient}
	assert.False(t, r.remove(stale), "a different Handle for the same value is not registered")
	assert.True(t, r.remove(a))
	assert.False(t, r.remove(a))
	assert.Equal(t, 0, r.len())
}

func TestRegistry_Limits(t *testing.T) {
	r := newRegistry()
	r.setLimit(HandleSession, 1)
	assert.False(t, r.full(HandleSession))
	require.NoError(t, r.add(&Handle{value: 0x02000000, class: HandleSession}))
	assert.True(t, r.full(HandleSession))
	assert.False(t, r.full(HandleTransient))

	r.setLimit(HandleSession, 0)
	assert.False(t, r.full(HandleSession))
}

func TestRegistry_TeardownOrder(t *testing.T) {
	r := newRegistry()
	in := []*Handle{
		{value: 0x02000000, class: HandleSession},
		{value: 0x80000000, class: HandleTransient},
		{value: 0x81000001, class: HandlePersistent},
		{value: 0x80000001, class: HandleTransient},
		{value: 0x01500000, class: HandleNVIndex},
		{value: 0x03000001, class: HandleSession},
	}
	for _, h := range in {
		require.NoError(t, r.add(h))
	}

	var got []uint32
	for _, h := range r.teardownOrder() {
		got = append(got, h.value)
	}
	assert.Equal(t, []uint32{
		0x80000001, 0x80000000,
		0x01500000, 0x81000001,
		0x03000001, 0x02000000,
	}, got)

	var created []uint32
	for _, h := range r.handles() {
		created = append(created, h.value)
	}
	assert.Equal(t, []uint32{0x02000000, 0x80000000, 0x81000001, 0x80000001, 0x01500000, 0x03000001}, created)
}
