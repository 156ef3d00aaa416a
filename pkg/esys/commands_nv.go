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
	"fmt"

	"github.com/jeremyhahn/go-esapi/pkg/raw"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

// checkNVAuth accepts the owner or platform hierarchy, or the index itself,
// as the authorization handle of an NV access.
func (c *Context) checkNVAuth(auth, index *Handle) error {
	if err := c.checkHandle(auth, HandlePermanent, HandleNVIndex); err != nil {
		return err
	}
	if auth.class == HandleNVIndex && auth != index {
		return fmt.Errorf("%w: %s does not authorize %s", ErrInvalidArgument, auth, index)
	}
	return nil
}

// NVDefineSpace defines an NV index under auth, the owner or platform
// hierarchy, and registers it.
func (c *Context) NVDefineSpace(auth *Handle, nvAuth []byte, public *structures.NVPublic) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "NVDefineSpace"
	if err := c.checkHandle(auth, HandlePermanent); err != nil {
		return nil, localError(op, err)
	}
	if auth.value != raw.RHOwner && auth.value != raw.RHPlatform {
		return nil, localError(op, fmt.Errorf("%w: %s cannot define NV indices", ErrWrongClass, auth))
	}
	if public == nil {
		return nil, localError(op, fmt.Errorf("%w: nil NV public area", ErrInvalidArgument))
	}
	if len(nvAuth) > structures.MaxAuthSize {
		return nil, localError(op, fmt.Errorf("%w: auth length %d exceeds %d", ErrInvalidArgument, len(nvAuth), structures.MaxAuthSize))
	}
	if public.Attributes().Has(structures.NVWritten) {
		return nil, localError(op, fmt.Errorf("%w: a new index cannot be written", ErrInvalidArgument))
	}
	if _, ok := c.registry.lookup(public.Index()); ok {
		return nil, localError(op, fmt.Errorf("%w: 0x%08x", ErrDuplicateHandle, public.Index()))
	}
	cmd := raw.NVDefineSpace{AuthHandle: auth.value, Auth: nvAuth, PublicInfo: public.Marshal()}
	res, err := c.run(op, cmd, c.sessionsFor(cmd))
	if err != nil {
		return nil, err
	}
	return res.Handle, nil
}

// NVUndefineSpace deletes an index and deregisters it.
func (c *Context) NVUndefineSpace(auth, index *Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "NVUndefineSpace"
	if err := c.checkHandle(auth, HandlePermanent); err != nil {
		return localError(op, err)
	}
	if err := c.checkHandle(index, HandleNVIndex); err != nil {
		return localError(op, err)
	}
	cmd := raw.NVUndefineSpace{AuthHandle: auth.value, NVIndex: index.value}
	_, err := c.run(op, cmd, c.sessionsFor(cmd))
	return err
}

// nvBounds checks an access of n bytes at offset against the index size
// when it is known.
func nvBounds(index *Handle, n, offset int) error {
	if n <= 0 {
		return fmt.Errorf("%w: empty NV access", ErrInvalidArgument)
	}
	limit := structures.MaxNVIndexSize
	if index.nvPublic != nil {
		limit = int(index.nvPublic.DataSize())
	}
	if offset < 0 || offset+n > limit {
		return fmt.Errorf("%w: %d bytes at offset %d exceed index size %d", ErrInvalidArgument, n, offset, limit)
	}
	return nil
}

// NVWrite writes data at offset, split into transfers of at most
// MaxNVBufferSize bytes.
func (c *Context) NVWrite(auth, index *Handle, data []byte, offset uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "NVWrite"
	if err := c.checkHandle(index, HandleNVIndex); err != nil {
		return localError(op, err)
	}
	if err := c.checkNVAuth(auth, index); err != nil {
		return localError(op, err)
	}
	if err := nvBounds(index, len(data), int(offset)); err != nil {
		return localError(op, err)
	}
	for written := 0; written < len(data); {
		n := min(len(data)-written, structures.MaxNVBufferSize)
		cmd := raw.NVWrite{
			AuthHandle: auth.value,
			NVIndex:    index.value,
			Data:       data[written : written+n],
			Offset:     offset + uint16(written),
		}
		if _, err := c.run(op, cmd, c.sessionsFor(cmd)); err != nil {
			return err
		}
		written += n
	}
	return nil
}

// NVRead reads size bytes at offset, split into transfers of at most
// MaxNVBufferSize bytes.
func (c *Context) NVRead(auth, index *Handle, size, offset uint16) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "NVRead"
	if err := c.checkHandle(index, HandleNVIndex); err != nil {
		return nil, localError(op, err)
	}
	if err := c.checkNVAuth(auth, index); err != nil {
		return nil, localError(op, err)
	}
	if err := nvBounds(index, int(size), int(offset)); err != nil {
		return nil, localError(op, err)
	}
	out := make([]byte, 0, size)
	for len(out) < int(size) {
		n := min(int(size)-len(out), structures.MaxNVBufferSize)
		cmd := raw.NVRead{
			AuthHandle: auth.value,
			NVIndex:    index.value,
			Size:       uint16(n),
			Offset:     offset + uint16(len(out)),
		}
		res, err := c.run(op, cmd, c.sessionsFor(cmd))
		if err != nil {
			return nil, err
		}
		data := res.Out.(raw.NVReadOut).Data
		if len(data) != n {
			return nil, protocolError(op, fmt.Errorf("TPM returned %d bytes, requested %d", len(data), n))
		}
		out = append(out, data...)
	}
	return out, nil
}

// NVReadPublic reads an index's public area and name and refreshes them on
// the handle.
func (c *Context) NVReadPublic(index *Handle) (*structures.NVPublic, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "NVReadPublic"
	if err := c.checkHandle(index, HandleNVIndex); err != nil {
		return nil, nil, localError(op, err)
	}
	cmd := raw.NVReadPublic{NVIndex: index.value}
	res, err := c.run(op, cmd, c.sessionsFor(cmd))
	if err != nil {
		return nil, nil, err
	}
	out := res.Out.(raw.NVReadPublicOut)
	pub, err := structures.UnmarshalNVPublic(out.NVPublic)
	if err != nil {
		return nil, nil, protocolError(op, err)
	}
	return pub, append([]byte(nil), out.NVName...), nil
}
