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

// HandleClass is the resource class of a TPM handle, derived from the most
// significant octet of its value.
type HandleClass uint8

const (
	HandleTransient HandleClass = iota + 1
	HandlePersistent
	HandleSession
	HandlePCR
	HandleNVIndex
	HandlePermanent
)

func (c HandleClass) String() string {
	switch c {
	case HandleTransient:
		return "transient"
	case HandlePersistent:
		return "persistent"
	case HandleSession:
		return "session"
	case HandlePCR:
		return "pcr"
	case HandleNVIndex:
		return "nv"
	case HandlePermanent:
		return "permanent"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// ClassOf classifies a native handle value. The second result is false for
// values outside every handle range.
func ClassOf(value uint32) (HandleClass, bool) {
	switch value >> 24 {
	case 0x00:
		return HandlePCR, true
	case 0x01:
		return HandleNVIndex, true
	case 0x02, 0x03:
		return HandleSession, true
	case 0x40:
		return HandlePermanent, true
	case 0x80:
		return HandleTransient, true
	case 0x81:
		return HandlePersistent, true
	}
	return 0, false
}

// Handle references a TPM resource. Handles other than permanent and PCR
// handles are issued by a Context and are valid only while registered in it.
type Handle struct {
	value    uint32
	class    HandleClass
	name     []byte
	public   *structures.Public
	nvPublic *structures.NVPublic
	session  *AuthSession
	owner    *Context
	seq      uint64
}

// Hierarchy and null handles. They belong to no context.
var (
	Owner       = &Handle{value: raw.RHOwner, class: HandlePermanent}
	Endorsement = &Handle{value: raw.RHEndorsement, class: HandlePermanent}
	Platform    = &Handle{value: raw.RHPlatform, class: HandlePermanent}
	Lockout     = &Handle{value: raw.RHLockout, class: HandlePermanent}
	Null        = &Handle{value: raw.RHNull, class: HandlePermanent}
)

// PCR returns the handle of a platform configuration register.
func PCR(index int) (*Handle, error) {
	if index < 0 || index >= structures.NumPCRs {
		return nil, localError("PCR", fmt.Errorf("%w: PCR index %d not in 0-%d", ErrInvalidArgument, index, structures.NumPCRs-1))
	}
	return &Handle{value: uint32(index), class: HandlePCR}, nil
}

func (h *Handle) Value() uint32      { return h.value }
func (h *Handle) Class() HandleClass { return h.class }

// Name returns the TPM name of the resource, nil when it is not known.
func (h *Handle) Name() []byte {
	if h.name == nil {
		return nil
	}
	return append([]byte(nil), h.name...)
}

// Public returns the public area of an object handle.
func (h *Handle) Public() *structures.Public { return h.public }

// NVPublic returns the public area of an NV index handle.
func (h *Handle) NVPublic() *structures.NVPublic { return h.nvPublic }

func (h *Handle) String() string {
	return fmt.Sprintf("%s(0x%08x)", h.class, h.value)
}

// authPolicy returns the policy digest that authorizes the resource.
func (h *Handle) authPolicy() []byte {
	switch {
	case h.public != nil:
		return h.public.AuthPolicy()
	case h.nvPublic != nil:
		return h.nvPublic.AuthPolicy()
	}
	return nil
}

// unowned reports whether the handle is valid in every context.
func (h *Handle) unowned() bool {
	return h.class == HandlePermanent || h.class == HandlePCR
}

func isHierarchy(h *Handle) bool {
	switch h.value {
	case raw.RHOwner, raw.RHEndorsement, raw.RHPlatform, raw.RHNull:
		return true
	}
	return false
}
