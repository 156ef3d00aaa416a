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
	"github.com/jeremyhahn/go-esapi/pkg/rc"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

// maxPCRReadRestarts bounds how often PCRReadAll starts over because a PCR
// changed between two reads.
const maxPCRReadRestarts = 4

var errPCRsChanging = errors.New("esys: PCR values kept changing during read")

// PCRRead issues one PCR_Read. The TPM may return fewer PCRs than selected;
// the values describe exactly the PCRs it returned.
func (c *Context) PCRRead(sel structures.PCRSelectionList) (*structures.PCRValues, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "PCRRead"
	if sel.Count() == 0 {
		return nil, localError(op, fmt.Errorf("%w: empty PCR selection", ErrInvalidArgument))
	}
	values, _, err := c.pcrRead(op, sel)
	return values, err
}

func (c *Context) pcrRead(op string, sel structures.PCRSelectionList) (*structures.PCRValues, structures.PCRSelectionList, error) {
	cmd := raw.PCRRead{Selection: sel.Marshal()}
	res, err := c.run(op, cmd, c.sessionsFor(cmd))
	if err != nil {
		return nil, structures.PCRSelectionList{}, err
	}
	out, ok := res.Out.(raw.PCRReadOut)
	if !ok {
		return nil, structures.PCRSelectionList{}, c.unexpected(op, res.Out)
	}
	got, err := structures.UnmarshalPCRSelectionList(out.Selection)
	if err != nil {
		return nil, structures.PCRSelectionList{}, protocolError(op, err)
	}
	if got.Subtract(sel).Count() != 0 {
		return nil, structures.PCRSelectionList{}, protocolError(op, errors.New("TPM returned PCRs that were not selected"))
	}
	values, err := structures.ZipPCRValues(got, out.Digests)
	if err != nil {
		return nil, structures.PCRSelectionList{}, protocolError(op, err)
	}
	return &structures.PCRValues{UpdateCounter: out.UpdateCounter, Values: values}, got, nil
}

// PCRReadAll reads every selected PCR, issuing as many PCR_Read commands as
// needed. The result is consistent: if the update counter moves between
// reads the whole selection is read again.
func (c *Context) PCRReadAll(sel structures.PCRSelectionList) (*structures.PCRValues, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "PCRReadAll"
	if sel.Count() == 0 {
		return nil, localError(op, fmt.Errorf("%w: empty PCR selection", ErrInvalidArgument))
	}
	return c.pcrReadAll(op, sel)
}

func (c *Context) pcrReadAll(op string, sel structures.PCRSelectionList) (*structures.PCRValues, error) {
restart:
	for attempt := 0; attempt <= maxPCRReadRestarts; attempt++ {
		var all []structures.PCRValue
		var counter uint32
		remaining := sel
		for first := true; remaining.Count() > 0; first = false {
			values, got, err := c.pcrRead(op, remaining)
			if err != nil {
				return nil, err
			}
			if got.Count() == 0 {
				return nil, protocolError(op, fmt.Errorf("TPM returned no PCRs for %d selected", remaining.Count()))
			}
			if first {
				counter = values.UpdateCounter
			} else if values.UpdateCounter != counter {
				c.logger.Debug("PCR update counter changed, reading again", "attempt", attempt)
				continue restart
			}
			all = append(all, values.Values...)
			remaining = remaining.Subtract(got)
		}
		return &structures.PCRValues{UpdateCounter: counter, Values: inSelectionOrder(sel, all)}, nil
	}
	return nil, &Error{Class: ClassTPM, Op: op, Kind: rc.KindUnknown, Err: errPCRsChanging}
}

// inSelectionOrder orders values as sel lists them: banks in list order,
// indices ascending.
func inSelectionOrder(sel structures.PCRSelectionList, values []structures.PCRValue) []structures.PCRValue {
	out := make([]structures.PCRValue, 0, len(values))
	for _, bank := range sel.Selections() {
		for _, pcr := range bank.PCRs() {
			for _, v := range values {
				if v.Hash == bank.Hash() && v.Index == pcr {
					out = append(out, v)
					break
				}
			}
		}
	}
	return out
}

// PCRExtend extends a PCR with one digest per bank.
func (c *Context) PCRExtend(pcr *Handle, digests structures.DigestValues) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "PCRExtend"
	if err := c.checkHandle(pcr, HandlePCR); err != nil {
		return localError(op, err)
	}
	if len(digests.Digests()) == 0 {
		return localError(op, fmt.Errorf("%w: no digests", ErrInvalidArgument))
	}
	cmd := raw.PCRExtend{PCRHandle: pcr.value, Digests: digests.Marshal()}
	_, err := c.run(op, cmd, c.sessionsFor(cmd))
	return err
}
