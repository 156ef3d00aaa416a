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

// maxRandomRequest is the largest TPM2B_DIGEST a GetRandom returns.
const maxRandomRequest = 64

// ContextSave saves a transient object's context. The object stays loaded
// and registered.
func (c *Context) ContextSave(object *Handle) (*structures.SavedContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "ContextSave"
	if err := c.checkHandle(object, HandleTransient); err != nil {
		return nil, localError(op, err)
	}
	cmd := raw.ContextSave{SaveHandle: object.value}
	res, err := c.run(op, cmd, c.sessionsFor(cmd))
	if err != nil {
		return nil, err
	}
	saved, err := structures.UnmarshalSavedContext(res.Out.(raw.ContextSaveOut).Context)
	if err != nil {
		return nil, protocolError(op, err)
	}
	return saved, nil
}

// ContextLoad loads a saved context into a new transient handle and reads
// its public area.
func (c *Context) ContextLoad(saved *structures.SavedContext) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "ContextLoad"
	if saved == nil {
		return nil, localError(op, fmt.Errorf("%w: nil saved context", ErrInvalidArgument))
	}
	cmd := raw.ContextLoad{Context: saved.Marshal()}
	res, err := c.run(op, cmd, c.sessionsFor(cmd))
	if err != nil {
		return nil, err
	}
	if res.Handle.class == HandleTransient {
		if _, _, err := c.readPublic(op, res.Handle); err != nil {
			c.logger.Warnf("esys: reading public area of %s: %v", res.Handle, err)
		}
	}
	return res.Handle, nil
}

// EvictControl makes a transient object persistent at persistent and
// returns the new persistent handle. Called with a persistent object and
// its own value it evicts the object, deregisters it and returns nil.
func (c *Context) EvictControl(auth, object *Handle, persistent uint32) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "EvictControl"
	if err := c.checkHandle(auth, HandlePermanent); err != nil {
		return nil, localError(op, err)
	}
	if auth.value != raw.RHOwner && auth.value != raw.RHPlatform {
		return nil, localError(op, fmt.Errorf("%w: %s cannot evict objects", ErrWrongClass, auth))
	}
	if err := c.checkHandle(object, objectClasses...); err != nil {
		return nil, localError(op, err)
	}
	if class, ok := ClassOf(persistent); !ok || class != HandlePersistent {
		return nil, localError(op, fmt.Errorf("%w: 0x%08x is not a persistent handle", ErrInvalidArgument, persistent))
	}
	if object.class == HandlePersistent && object.value != persistent {
		return nil, localError(op, fmt.Errorf("%w: evicting %s requires its own handle value", ErrInvalidArgument, object))
	}
	if object.class == HandleTransient {
		if _, ok := c.registry.lookup(persistent); ok {
			return nil, localError(op, fmt.Errorf("%w: 0x%08x", ErrDuplicateHandle, persistent))
		}
	}
	cmd := raw.EvictControl{Auth: auth.value, ObjectHandle: object.value, PersistentHandle: persistent}
	res, err := c.run(op, cmd, c.sessionsFor(cmd))
	if err != nil {
		return nil, err
	}
	return res.Handle, nil
}

// TRFromTPMPublic returns a handle for an existing persistent object or NV
// index, reading its public area from the TPM. A value already registered
// returns the registered handle.
func (c *Context) TRFromTPMPublic(value uint32) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "TRFromTPMPublic"
	class, ok := ClassOf(value)
	if !ok || (class != HandlePersistent && class != HandleNVIndex) {
		return nil, localError(op, fmt.Errorf("%w: 0x%08x is not a persistent or NV handle", ErrWrongClass, value))
	}
	if h, ok := c.registry.lookup(value); ok {
		return h, nil
	}
	cmd := raw.TRFromTPMPublic{Handle: value}
	res, err := c.run(op, cmd, c.sessionsFor(cmd))
	if err != nil {
		return nil, err
	}
	return res.Handle, nil
}

// TRClose forgets a persistent object or NV index without affecting the
// TPM.
func (c *Context) TRClose(h *Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "TRClose"
	if err := c.checkHandle(h, HandlePersistent, HandleNVIndex); err != nil {
		return localError(op, err)
	}
	_, err := c.run(op, raw.TRClose{Handle: h.value}, nil)
	return err
}

// SetHandleAuth sets the auth value used to authorize h with a password or
// an HMAC session.
func (c *Context) SetHandleAuth(h *Handle, auth []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "SetHandleAuth"
	if err := c.checkHandle(h, HandleTransient, HandlePersistent, HandleNVIndex, HandlePermanent); err != nil {
		return localError(op, err)
	}
	if len(auth) > structures.MaxAuthSize {
		return localError(op, fmt.Errorf("%w: auth length %d exceeds %d", ErrInvalidArgument, len(auth), structures.MaxAuthSize))
	}
	_, err := c.run(op, raw.SetAuth{Handle: h.value, Auth: auth}, nil)
	return err
}

// GetRandom returns n random bytes, issuing as many GetRandom commands as
// the TPM needs.
func (c *Context) GetRandom(n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "GetRandom"
	if n <= 0 {
		return nil, localError(op, fmt.Errorf("%w: requested %d bytes", ErrInvalidArgument, n))
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		want := min(n-len(out), maxRandomRequest)
		cmd := raw.GetRandom{BytesRequested: uint16(want)}
		res, err := c.run(op, cmd, c.sessionsFor(cmd))
		if err != nil {
			return nil, err
		}
		b := res.Out.(raw.GetRandomOut).Random
		if len(b) == 0 {
			return nil, protocolError(op, errors.New("TPM returned no random bytes"))
		}
		if len(b) > want {
			b = b[:want]
		}
		out = append(out, b...)
	}
	return out, nil
}
