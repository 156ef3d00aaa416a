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

package esys

import (
	"sort"

	"github.com/jeremyhahn/go-esapi/pkg/metrics"
)

// registry maps native handle values to the single Handle describing them.
// A value is never held by two Handles at once.
type registry struct {
	entries map[uint32]*Handle
	counts  map[HandleClass]int
	limits  map[HandleClass]int
	seq     uint64
}

func newRegistry() *registry {
	return &registry{
		entries: make(map[uint32]*Handle),
		counts:  make(map[HandleClass]int),
		limits:  make(map[HandleClass]int),
	}
}

// setLimit bounds the handles of one class; zero removes the bound.
func (r *registry) setLimit(class HandleClass, n int) {
	if n <= 0 {
		delete(r.limits, class)
		return
	}
	r.limits[class] = n
}

func (r *registry) add(h *Handle) error {
	if _, ok := r.entries[h.value]; ok {
		return ErrDuplicateHandle
	}
	r.seq++
	h.seq = r.seq
	r.entries[h.value] = h
	r.counts[h.class]++
	metrics.AddRegisteredHandles(h.class.String(), 1)
	return nil
}

// remove deregisters h if it is the registered Handle for its value.
func (r *registry) remove(h *Handle) bool {
	if !r.contains(h) {
		return false
	}
	delete(r.entries, h.value)
	r.counts[h.class]--
	metrics.AddRegisteredHandles(h.class.String(), -1)
	return true
}

func (r *registry) lookup(value uint32) (*Handle, bool) {
	h, ok := r.entries[value]
	return h, ok
}

func (r *registry) contains(h *Handle) bool {
	cur, ok := r.entries[h.value]
	return ok && cur == h
}

func (r *registry) len() int {
	return len(r.entries)
}

func (r *registry) count(class HandleClass) int {
	return r.counts[class]
}

// full reports whether one more handle of class would exceed its limit.
func (r *registry) full(class HandleClass) bool {
	limit, ok := r.limits[class]
	return ok && r.counts[class] >= limit
}

// handles returns the registered handles in creation order.
func (r *registry) handles() []*Handle {
	out := make([]*Handle, 0, len(r.entries))
	for _, h := range r.entries {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// teardownOrder returns every handle in release order: transient objects,
// then persistent objects and NV indices, then sessions. Each group is in
// reverse creation order so children go before their parents and sessions
// outlive the objects they authorized.
func (r *registry) teardownOrder() []*Handle {
	rank := func(c HandleClass) int {
		switch c {
		case HandleTransient:
			return 0
		case HandlePersistent, HandleNVIndex:
			return 1
		}
		return 2
	}
	out := r.handles()
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i].class), rank(out[j].class)
		if ri != rj {
			return ri < rj
		}
		return out[i].seq > out[j].seq
	})
	return out
}
