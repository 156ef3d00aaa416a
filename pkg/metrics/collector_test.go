package metrics

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSampler struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
	calls  int
}

func (f *fakeSampler) LoadedHandles() (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.counts, f.err
}

func (f *fakeSampler) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestCollectOnce(t *testing.T) {
	LoadedHandles.Reset()

	Disable()
	s := &fakeSampler{counts: map[string]int{"transient": 3}}
	require.NoError(t, CollectOnce(s))
	assert.Equal(t, 0, s.Calls())

	Enable()
	defer Disable()
	require.NoError(t, CollectOnce(s))
	assert.Equal(t, float64(3), testutil.ToFloat64(LoadedHandles.WithLabelValues("transient")))

	s.err = errors.New("boom")
	assert.EqualError(t, CollectOnce(s), "boom")
}
