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

import (
	"bytes"
	"fmt"

	"github.com/google/go-tpm/tpmutil"
)

// encoder accumulates wire elements and packs them big-endian.
type encoder struct {
	elts []interface{}
}

func (e *encoder) u8(v uint8)   { e.elts = append(e.elts, v) }
func (e *encoder) u16(v uint16) { e.elts = append(e.elts, v) }
func (e *encoder) u32(v uint32) { e.elts = append(e.elts, v) }
func (e *encoder) u64(v uint64) { e.elts = append(e.elts, v) }

// b16 appends a TPM2B buffer: a 16-bit size followed by the bytes.
func (e *encoder) b16(v []byte) {
	buf := tpmutil.U16Bytes(v)
	e.elts = append(e.elts, &buf)
}

func (e *encoder) raw(v []byte) {
	e.elts = append(e.elts, tpmutil.RawBytes(v))
}

// nested appends another structure prefixed with its 16-bit size.
func (e *encoder) nested(v []byte) { e.b16(v) }

// bytes packs the accumulated elements. Constructors guarantee every
// buffer fits its size prefix, so a pack failure is an invariant violation.
func (e *encoder) bytes() []byte {
	b, err := tpmutil.Pack(e.elts...)
	if err != nil {
		panic(fmt.Sprintf("structures: packing validated value: %v", err))
	}
	return b
}

// decoder reads wire elements, recording the first failure together with
// the field being decoded.
type decoder struct {
	structure string
	r         *bytes.Reader
	err       error
}

func newDecoder(structure string, b []byte) *decoder {
	return &decoder{structure: structure, r: bytes.NewReader(b)}
}

func (d *decoder) read(field string, v interface{}) {
	if d.err != nil {
		return
	}
	if err := tpmutil.UnpackBuf(d.r, v); err != nil {
		d.err = &DecodeError{Structure: d.structure, Field: field, Err: err}
	}
}

func (d *decoder) u8(field string) uint8 {
	var v uint8
	d.read(field, &v)
	return v
}

func (d *decoder) u16(field string) uint16 {
	var v uint16
	d.read(field, &v)
	return v
}

func (d *decoder) u32(field string) uint32 {
	var v uint32
	d.read(field, &v)
	return v
}

func (d *decoder) u64(field string) uint64 {
	var v uint64
	d.read(field, &v)
	return v
}

// b16 reads a TPM2B buffer. The size is read on its own so an empty buffer
// at the end of the input decodes without touching the exhausted reader.
func (d *decoder) b16(field string) []byte {
	n := d.u16(field)
	if d.err != nil {
		return nil
	}
	if int(n) > d.r.Len() {
		d.fail(field, fmt.Sprintf("size %d exceeds %d remaining bytes", n, d.r.Len()))
		return nil
	}
	return d.fixed(field, int(n))
}

func (d *decoder) fixed(field string, n int) []byte {
	if d.err != nil {
		return nil
	}
	if n == 0 {
		return nil
	}
	v := make(tpmutil.RawBytes, n)
	d.read(field, &v)
	if d.err != nil {
		return nil
	}
	return []byte(v)
}

func (d *decoder) fail(field, reason string) {
	if d.err == nil {
		d.err = &DecodeError{Structure: d.structure, Field: field, Err: fmt.Errorf("%s", reason)}
	}
}

// check converts a validation failure of the decoded value into a decode
// error for the same field.
func (d *decoder) check(err error) {
	if d.err != nil || err == nil {
		return
	}
	field := ""
	if ve, ok := err.(*ValidationError); ok {
		field = ve.Field
	}
	d.err = &DecodeError{Structure: d.structure, Field: field, Err: err}
}

// finish reports the first error or any unconsumed trailing bytes.
func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if d.r.Len() > 0 {
		return &DecodeError{
			Structure: d.structure,
			Field:     "trailing data",
			Err:       fmt.Errorf("%d unexpected bytes", d.r.Len()),
		}
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
