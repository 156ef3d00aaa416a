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
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-esapi/pkg/raw"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

// maxCapabilityPages bounds the GetCapability calls a paged query issues.
const maxCapabilityPages = 64

// GetCapability issues one GetCapability and reports whether the TPM has
// more data past the returned entries.
func (c *Context) GetCapability(q *structures.CapabilityQuery) (*structures.CapabilityData, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q == nil {
		return nil, false, localError("GetCapability", fmt.Errorf("%w: nil query", ErrInvalidArgument))
	}
	return c.getCapability("GetCapability", q)
}

func (c *Context) getCapability(op string, q *structures.CapabilityQuery) (*structures.CapabilityData, bool, error) {
	cmd := raw.GetCapability{
		Capability:    uint32(q.Capability()),
		Property:      q.Property(),
		PropertyCount: q.Count(),
	}
	res, err := c.run(op, cmd, c.sessionsFor(cmd))
	if err != nil {
		return nil, false, err
	}
	out, ok := res.Out.(raw.GetCapabilityOut)
	if !ok {
		return nil, false, c.unexpected(op, res.Out)
	}
	data, err := structures.UnmarshalCapabilityData(out.CapabilityData)
	if err != nil {
		return nil, false, protocolError(op, err)
	}
	if data.Capability() != q.Capability() {
		return nil, false, protocolError(op, fmt.Errorf("asked for capability %d, TPM returned %d", q.Capability(), data.Capability()))
	}
	return data, out.MoreData, nil
}

// pages runs a paged query from property start, calling next for every
// page. next returns the property the following page starts at.
func (c *Context) pages(op string, capability structures.Capability, start uint32, next func(*structures.CapabilityData) (uint32, bool)) error {
	property := start
	for i := 0; i < maxCapabilityPages; i++ {
		q, err := structures.NewCapabilityQuery(capability, property, structures.MaxCapabilityCount)
		if err != nil {
			return localError(op, err)
		}
		data, more, err := c.getCapability(op, q)
		if err != nil {
			return err
		}
		following, ok := next(data)
		if !more {
			return nil
		}
		if !ok || data.Len() == 0 {
			return protocolError(op, errors.New("TPM reported more data after an empty page"))
		}
		property = following
	}
	return protocolError(op, fmt.Errorf("more than %d capability pages", maxCapabilityPages))
}

// SupportedAlgorithms lists every algorithm the TPM implements.
func (c *Context) SupportedAlgorithms() ([]structures.AlgProperty, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var algs []structures.AlgProperty
	err := c.pages("SupportedAlgorithms", structures.CapAlgorithms, 0, func(d *structures.CapabilityData) (uint32, bool) {
		page := d.Algorithms()
		algs = append(algs, page...)
		if len(page) == 0 {
			return 0, false
		}
		return uint32(page[len(page)-1].Alg) + 1, true
	})
	if err != nil {
		return nil, err
	}
	return algs, nil
}

// PCRBanks returns the allocated PCR banks.
func (c *Context) PCRBanks() (structures.PCRSelectionList, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, err := structures.NewCapabilityQuery(structures.CapPCRs, 0, 1)
	if err != nil {
		return structures.PCRSelectionList{}, localError("PCRBanks", err)
	}
	data, _, err := c.getCapability("PCRBanks", q)
	if err != nil {
		return structures.PCRSelectionList{}, err
	}
	return data.PCRs(), nil
}

// TPMProperty reads one TPM_PT property.
func (c *Context) TPMProperty(property uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "TPMProperty"
	q, err := structures.NewCapabilityQuery(structures.CapTPMProperties, property, 1)
	if err != nil {
		return 0, localError(op, err)
	}
	data, _, err := c.getCapability(op, q)
	if err != nil {
		return 0, err
	}
	v, ok := data.Property(property)
	if !ok {
		return 0, localError(op, fmt.Errorf("%w: TPM does not report property 0x%x", ErrInvalidArgument, property))
	}
	return v, nil
}

// TPMProperties lists the fixed and variable properties from start on.
func (c *Context) TPMProperties(start uint32) ([]structures.TaggedProperty, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var props []structures.TaggedProperty
	err := c.pages("TPMProperties", structures.CapTPMProperties, start, func(d *structures.CapabilityData) (uint32, bool) {
		page := d.Properties()
		props = append(props, page...)
		if len(page) == 0 {
			return 0, false
		}
		return page[len(page)-1].Property + 1, true
	})
	if err != nil {
		return nil, err
	}
	return props, nil
}

// ActiveHandles lists the TPM handles in the range starting at rangeStart,
// one of the structures.HandleRange values.
func (c *Context) ActiveHandles(rangeStart uint32) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeHandles("ActiveHandles", rangeStart)
}

func (c *Context) activeHandles(op string, rangeStart uint32) ([]uint32, error) {
	var handles []uint32
	err := c.pages(op, structures.CapHandles, rangeStart, func(d *structures.CapabilityData) (uint32, bool) {
		page := d.Handles()
		for _, h := range page {
			if h>>24 == rangeStart>>24 {
				handles = append(handles, h)
			}
		}
		if len(page) == 0 {
			return 0, false
		}
		return page[len(page)-1] + 1, true
	})
	if err != nil {
		return nil, err
	}
	return handles, nil
}

// LoadedHandles counts the transient objects and sessions loaded in the TPM,
// keyed by handle class. It is the metrics.HandleSampler used to compare
// the TPM with the registry.
func (c *Context) LoadedHandles() (map[string]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "LoadedHandles"
	counts := make(map[string]int, 2)
	for _, r := range []struct {
		class HandleClass
		start uint32
	}{
		{HandleTransient, structures.HandleRangeTransient},
		{HandleSession, structures.HandleRangeHMAC},
		{HandleSession, structures.HandleRangePolicy},
	} {
		hs, err := c.activeHandles(op, r.start)
		if err != nil {
			return nil, err
		}
		counts[r.class.String()] += len(hs)
	}
	return counts, nil
}
