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

package structures

import "bytes"

// MaxContextBlobSize bounds the encrypted context blob.
const MaxContextBlobSize = 5120

// SavedContext is TPMS_CONTEXT, the output of ContextSave.
type SavedContext struct {
	sequence    uint64
	savedHandle uint32
	hierarchy   uint32
	blob        []byte
}

// NewSavedContext validates a saved context. savedHandle must be in the
// transient, HMAC session or policy session range.
func NewSavedContext(sequence uint64, savedHandle, hierarchy uint32, blob []byte) (*SavedContext, error) {
	switch savedHandle >> 24 {
	case 0x80, 0x02, 0x03:
	default:
		return nil, invalid("SavedContext", "savedHandle", "0x%08x cannot be context saved", savedHandle)
	}
	if len(blob) == 0 || len(blob) > MaxContextBlobSize {
		return nil, invalid("SavedContext", "contextBlob", "length %d out of range", len(blob))
	}
	return &SavedContext{
		sequence:    sequence,
		savedHandle: savedHandle,
		hierarchy:   hierarchy,
		blob:        cloneBytes(blob),
	}, nil
}

func (c *SavedContext) Sequence() uint64    { return c.sequence }
func (c *SavedContext) SavedHandle() uint32 { return c.savedHandle }
func (c *SavedContext) Hierarchy() uint32   { return c.hierarchy }
func (c *SavedContext) Blob() []byte        { return cloneBytes(c.blob) }

func (c *SavedContext) Equal(o *SavedContext) bool {
	if c == nil || o == nil {
		return c == o
	}
	return bytes.Equal(c.Marshal(), o.Marshal())
}

// Marshal returns the TPMS_CONTEXT encoding.
func (c *SavedContext) Marshal() []byte {
	var e encoder
	e.u64(c.sequence)
	e.u32(c.savedHandle)
	e.u32(c.hierarchy)
	e.b16(c.blob)
	return e.bytes()
}

// UnmarshalSavedContext decodes a TPMS_CONTEXT.
func UnmarshalSavedContext(b []byte) (*SavedContext, error) {
	d := newDecoder("SavedContext", b)
	seq := d.u64("sequence")
	handle := d.u32("savedHandle")
	hierarchy := d.u32("hierarchy")
	blob := d.b16("contextBlob")
	var c *SavedContext
	if d.err == nil {
		var err error
		c, err = NewSavedContext(seq, handle, hierarchy, blob)
		d.check(err)
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return c, nil
}
