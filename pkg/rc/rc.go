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

// Package rc decodes the 32-bit return codes produced by a TPM 2.0 and the
// software stack layered above it.
//
// A return code is split into a layer (bits 16-23) identifying the component
// that produced it and a 16-bit base code. Codes from the TPM layer use the
// TPM 2.0 response code encoding: format-zero codes carry a version, vendor
// and warning flag, format-one codes carry the index of the handle, session
// or parameter the error applies to.
package rc

import "fmt"

// ReturnCode is a raw 32-bit return code.
type ReturnCode uint32

// Success is the only non-error return code.
const Success ReturnCode = 0

// Layer identifies the software or hardware component a code came from.
type Layer uint8

const (
	LayerTPM         Layer = 0
	LayerFeature     Layer = 6
	LayerESAPI       Layer = 7
	LayerSAPI        Layer = 8
	LayerMU          Layer = 9
	LayerTCTI        Layer = 10
	LayerResMgr      Layer = 11
	LayerResMgrTPM   Layer = 12
	layerShift             = 16
	layerMask              = 0xff << layerShift
	baseMask               = 0xffff
	formatOne              = 1 << 7
	fmt0ErrorMask          = 0x7f
	fmt0Version            = 1 << 8
	fmt0Vendor             = 1 << 10
	fmt0Severity           = 1 << 11
	fmt1ErrorMask          = 0x3f
	fmt1Parameter          = 1 << 6
	fmt1Session            = 1 << 11
	fmt1IndexShift         = 8
	fmt1ParameterIndexMask = 0xf00
	fmt1HandleIndexMask    = 0x700
)

var layerNames = map[Layer]string{
	LayerTPM:       "tpm",
	LayerFeature:   "fapi",
	LayerESAPI:     "esapi",
	LayerSAPI:      "sys",
	LayerMU:        "mu",
	LayerTCTI:      "tcti",
	LayerResMgr:    "rmt",
	LayerResMgrTPM: "rm",
}

func (l Layer) String() string {
	if name, ok := layerNames[l]; ok {
		return name
	}
	return fmt.Sprintf("layer(%d)", uint8(l))
}

// IndexKind says which part of a command a format-one code refers to.
type IndexKind uint8

const (
	IndexNone IndexKind = iota
	IndexHandle
	IndexParameter
	IndexSession
)

func (k IndexKind) String() string {
	switch k {
	case IndexHandle:
		return "handle"
	case IndexParameter:
		return "parameter"
	case IndexSession:
		return "session"
	}
	return "none"
}

// New builds a return code from a layer and base code.
func New(layer Layer, base uint16) ReturnCode {
	return ReturnCode(uint32(layer)<<layerShift | uint32(base))
}

// Layer returns the producing layer.
func (c ReturnCode) Layer() Layer {
	return Layer((uint32(c) & layerMask) >> layerShift)
}

// Base returns the layer specific 16-bit code.
func (c ReturnCode) Base() uint16 {
	return uint16(uint32(c) & baseMask)
}

// IsTPMFormat reports whether the base code uses the TPM 2.0 response code
// encoding.
func (c ReturnCode) IsTPMFormat() bool {
	l := c.Layer()
	return l == LayerTPM || l == LayerResMgrTPM
}

// IsFormatOne reports whether a TPM format code carries an index.
func (c ReturnCode) IsFormatOne() bool {
	return c.Base()&formatOne != 0
}

// IsTPM12 reports a format-zero code without the TPM 2.0 version bit.
func (c ReturnCode) IsTPM12() bool {
	return !c.IsFormatOne() && c.Base()&fmt0Version == 0
}

// IsVendor reports a vendor defined format-zero code.
func (c ReturnCode) IsVendor() bool {
	return !c.IsFormatOne() && c.Base()&fmt0Vendor != 0
}

// IsWarning reports a format-zero warning.
func (c ReturnCode) IsWarning() bool {
	return !c.IsFormatOne() && c.Base()&fmt0Severity != 0
}

// Number returns the error number within its format.
func (c ReturnCode) Number() uint8 {
	if c.IsFormatOne() {
		return uint8(c.Base() & fmt1ErrorMask)
	}
	return uint8(c.Base() & fmt0ErrorMask)
}

// Index returns the handle, parameter or session a format-one code refers
// to. Indices are 1-based, IndexNone is returned with 0 when absent.
func (c ReturnCode) Index() (IndexKind, int) {
	if !c.IsTPMFormat() || !c.IsFormatOne() {
		return IndexNone, 0
	}
	base := c.Base()
	switch {
	case base&fmt1Parameter != 0:
		return IndexParameter, int((base & fmt1ParameterIndexMask) >> fmt1IndexShift)
	case base&fmt1Session != 0:
		return IndexSession, int((base & fmt1HandleIndexMask) >> fmt1IndexShift)
	}
	n := int((base & fmt1HandleIndexMask) >> fmt1IndexShift)
	if n == 0 {
		return IndexNone, 0
	}
	return IndexHandle, n
}

// Code returns the TPM error constant the code reduces to once the index
// bits are stripped. For format-zero codes this is the base code without
// the vendor bit.
func (c ReturnCode) Code() TPMCode {
	if c.IsFormatOne() {
		return TPMCode(formatOne | uint16(c.Number()))
	}
	return TPMCode(c.Base() &^ fmt0Vendor)
}

// WithHandle attaches a 1-based handle index to a format-one TPM code.
func (c TPMCode) WithHandle(n int) ReturnCode {
	return ReturnCode(uint16(c) | uint16(n&0x7)<<fmt1IndexShift)
}

// WithParameter attaches a 1-based parameter index to a format-one TPM code.
func (c TPMCode) WithParameter(n int) ReturnCode {
	return ReturnCode(uint16(c) | fmt1Parameter | uint16(n&0xf)<<fmt1IndexShift)
}

// WithSession attaches a 1-based session index to a format-one TPM code.
func (c TPMCode) WithSession(n int) ReturnCode {
	return ReturnCode(uint16(c) | fmt1Session | uint16(n&0x7)<<fmt1IndexShift)
}

func (c ReturnCode) String() string {
	return Format(c)
}
