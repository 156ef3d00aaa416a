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

import "fmt"

// Capability is a TPM_CAP group.
type Capability uint32

const (
	CapAlgorithms    Capability = 0
	CapHandles       Capability = 1
	CapCommands      Capability = 2
	CapPCRs          Capability = 5
	CapTPMProperties Capability = 6
	CapECCCurves     Capability = 8
)

// MaxCapabilityCount bounds propertyCount and the lists decoded from a
// capability response.
const MaxCapabilityCount = 256

// TPM_PT property tags.
const (
	PTFixed             uint32 = 0x100
	PTFamilyIndicator   uint32 = PTFixed + 0
	PTLevel             uint32 = PTFixed + 1
	PTRevision          uint32 = PTFixed + 2
	PTManufacturer      uint32 = PTFixed + 5
	PTVendorString1     uint32 = PTFixed + 6
	PTFirmwareVersion1  uint32 = PTFixed + 11
	PTHRTransientMin    uint32 = PTFixed + 14
	PTHRPersistentMin   uint32 = PTFixed + 15
	PTHRLoadedMin       uint32 = PTFixed + 16
	PTActiveSessionsMax uint32 = PTFixed + 17
	PTPCRCount          uint32 = PTFixed + 18
	PTMaxDigest         uint32 = PTFixed + 32
	PTVar               uint32 = 0x200
	PTHRLoadedAvail     uint32 = PTVar + 3
	PTHRActiveAvail     uint32 = PTVar + 5
	PTHRTransientAvail  uint32 = PTVar + 7
)

// Handle ranges used as the property of a CapHandles query.
const (
	HandleRangePCR        uint32 = 0x00000000
	HandleRangeNV         uint32 = 0x01000000
	HandleRangeHMAC       uint32 = 0x02000000
	HandleRangePolicy     uint32 = 0x03000000
	HandleRangePermanent  uint32 = 0x40000000
	HandleRangeTransient  uint32 = 0x80000000
	HandleRangePersistent uint32 = 0x81000000
)

// CapabilityQuery is the input of TPM2_GetCapability.
type CapabilityQuery struct {
	capability Capability
	property   uint32
	count      uint32
}

// NewCapabilityQuery validates the capability group and count.
func NewCapabilityQuery(c Capability, property, count uint32) (*CapabilityQuery, error) {
	switch c {
	case CapAlgorithms, CapHandles, CapCommands, CapPCRs, CapTPMProperties, CapECCCurves:
	default:
		return nil, invalid("CapabilityQuery", "capability", "unsupported capability 0x%x", uint32(c))
	}
	if count == 0 || count > MaxCapabilityCount {
		return nil, invalid("CapabilityQuery", "propertyCount", "%d not in 1-%d", count, MaxCapabilityCount)
	}
	return &CapabilityQuery{capability: c, property: property, count: count}, nil
}

func (q *CapabilityQuery) Capability() Capability { return q.capability }
func (q *CapabilityQuery) Property() uint32       { return q.property }
func (q *CapabilityQuery) Count() uint32          { return q.count }

// Marshal returns the capability, property, propertyCount parameter area.
func (q *CapabilityQuery) Marshal() []byte {
	var e encoder
	e.u32(uint32(q.capability))
	e.u32(q.property)
	e.u32(q.count)
	return e.bytes()
}

// UnmarshalCapabilityQuery decodes a GetCapability parameter area.
func UnmarshalCapabilityQuery(b []byte) (*CapabilityQuery, error) {
	d := newDecoder("CapabilityQuery", b)
	c := Capability(d.u32("capability"))
	prop := d.u32("property")
	count := d.u32("propertyCount")
	var q *CapabilityQuery
	if d.err == nil {
		var err error
		q, err = NewCapabilityQuery(c, prop, count)
		d.check(err)
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return q, nil
}

// AlgProperty is TPMS_ALG_PROPERTY.
type AlgProperty struct {
	Alg        AlgorithmID
	Properties uint32
}

// TaggedProperty is TPMS_TAGGED_PROPERTY.
type TaggedProperty struct {
	Property uint32
	Value    uint32
}

// CapabilityData is TPMS_CAPABILITY_DATA. Exactly one of the lists is
// populated, selected by Capability.
type CapabilityData struct {
	capability Capability
	algs       []AlgProperty
	handles    []uint32
	commands   []uint32
	pcrs       PCRSelectionList
	props      []TaggedProperty
	curves     []ECCCurve
}

func (c *CapabilityData) Capability() Capability { return c.capability }

func (c *CapabilityData) Algorithms() []AlgProperty {
	return append([]AlgProperty(nil), c.algs...)
}

func (c *CapabilityData) Handles() []uint32 {
	return append([]uint32(nil), c.handles...)
}

// Commands returns TPMA_CC values; the low 16 bits are the command index.
func (c *CapabilityData) Commands() []uint32 {
	return append([]uint32(nil), c.commands...)
}

func (c *CapabilityData) PCRs() PCRSelectionList { return c.pcrs }

func (c *CapabilityData) Properties() []TaggedProperty {
	return append([]TaggedProperty(nil), c.props...)
}

func (c *CapabilityData) Curves() []ECCCurve {
	return append([]ECCCurve(nil), c.curves...)
}

// Property returns the value of a TPM property, if present.
func (c *CapabilityData) Property(tag uint32) (uint32, bool) {
	for _, p := range c.props {
		if p.Property == tag {
			return p.Value, true
		}
	}
	return 0, false
}

// Len returns the number of entries in the populated list.
func (c *CapabilityData) Len() int {
	switch c.capability {
	case CapAlgorithms:
		return len(c.algs)
	case CapHandles:
		return len(c.handles)
	case CapCommands:
		return len(c.commands)
	case CapPCRs:
		return c.pcrs.Len()
	case CapTPMProperties:
		return len(c.props)
	case CapECCCurves:
		return len(c.curves)
	}
	return 0
}

// NewAlgorithmCapability builds algorithm capability data.
func NewAlgorithmCapability(algs ...AlgProperty) (*CapabilityData, error) {
	if len(algs) > MaxCapabilityCount {
		return nil, invalid("CapabilityData", "algorithms", "too many entries")
	}
	return &CapabilityData{capability: CapAlgorithms, algs: append([]AlgProperty(nil), algs...)}, nil
}

// NewHandleCapability builds handle capability data.
func NewHandleCapability(handles ...uint32) (*CapabilityData, error) {
	if len(handles) > MaxCapabilityCount {
		return nil, invalid("CapabilityData", "handles", "too many entries")
	}
	return &CapabilityData{capability: CapHandles, handles: append([]uint32(nil), handles...)}, nil
}

// NewCommandCapability builds command capability data.
func NewCommandCapability(commands ...uint32) (*CapabilityData, error) {
	if len(commands) > MaxCapabilityCount {
		return nil, invalid("CapabilityData", "commands", "too many entries")
	}
	return &CapabilityData{capability: CapCommands, commands: append([]uint32(nil), commands...)}, nil
}

// NewPCRCapability builds PCR bank capability data.
func NewPCRCapability(banks PCRSelectionList) *CapabilityData {
	return &CapabilityData{capability: CapPCRs, pcrs: banks}
}

// NewPropertyCapability builds TPM property capability data.
func NewPropertyCapability(props ...TaggedProperty) (*CapabilityData, error) {
	if len(props) > MaxCapabilityCount {
		return nil, invalid("CapabilityData", "properties", "too many entries")
	}
	return &CapabilityData{capability: CapTPMProperties, props: append([]TaggedProperty(nil), props...)}, nil
}

// NewCurveCapability builds ECC curve capability data.
func NewCurveCapability(curves ...ECCCurve) (*CapabilityData, error) {
	if len(curves) > MaxCapabilityCount {
		return nil, invalid("CapabilityData", "curves", "too many entries")
	}
	return &CapabilityData{capability: CapECCCurves, curves: append([]ECCCurve(nil), curves...)}, nil
}

// Marshal returns the TPMS_CAPABILITY_DATA encoding.
func (c *CapabilityData) Marshal() []byte {
	var e encoder
	e.u32(uint32(c.capability))
	switch c.capability {
	case CapAlgorithms:
		e.u32(uint32(len(c.algs)))
		for _, a := range c.algs {
			e.u16(uint16(a.Alg))
			e.u32(a.Properties)
		}
	case CapHandles:
		e.u32(uint32(len(c.handles)))
		for _, h := range c.handles {
			e.u32(h)
		}
	case CapCommands:
		e.u32(uint32(len(c.commands)))
		for _, cc := range c.commands {
			e.u32(cc)
		}
	case CapPCRs:
		c.pcrs.encode(&e)
	case CapTPMProperties:
		e.u32(uint32(len(c.props)))
		for _, p := range c.props {
			e.u32(p.Property)
			e.u32(p.Value)
		}
	case CapECCCurves:
		e.u32(uint32(len(c.curves)))
		for _, cv := range c.curves {
			e.u16(uint16(cv))
		}
	}
	return e.bytes()
}

// UnmarshalCapabilityData decodes a TPMS_CAPABILITY_DATA.
func UnmarshalCapabilityData(b []byte) (*CapabilityData, error) {
	d := newDecoder("CapabilityData", b)
	c := &CapabilityData{capability: Capability(d.u32("capability"))}
	if d.err == nil {
		decodeCapabilityBody(d, c)
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return c, nil
}

func decodeCapabilityBody(d *decoder, c *CapabilityData) {
	if c.capability == CapPCRs {
		c.pcrs = decodePCRSelectionList(d)
		return
	}
	switch c.capability {
	case CapAlgorithms, CapHandles, CapCommands, CapTPMProperties, CapECCCurves:
	default:
		d.fail("capability", fmt.Sprintf("unsupported capability 0x%x", uint32(c.capability)))
		return
	}
	count := d.u32("count")
	if d.err != nil {
		return
	}
	if count > MaxCapabilityCount {
		d.fail("count", fmt.Sprintf("%d entries exceeds %d", count, MaxCapabilityCount))
		return
	}
	for i := 0; i < int(count) && d.err == nil; i++ {
		switch c.capability {
		case CapAlgorithms:
			alg := AlgorithmID(d.u16(fmt.Sprintf("algorithms[%d].alg", i)))
			props := d.u32(fmt.Sprintf("algorithms[%d].algProperties", i))
			c.algs = append(c.algs, AlgProperty{Alg: alg, Properties: props})
		case CapHandles:
			c.handles = append(c.handles, d.u32(fmt.Sprintf("handles[%d]", i)))
		case CapCommands:
			c.commands = append(c.commands, d.u32(fmt.Sprintf("commands[%d]", i)))
		case CapTPMProperties:
			prop := d.u32(fmt.Sprintf("properties[%d].property", i))
			val := d.u32(fmt.Sprintf("properties[%d].value", i))
			c.props = append(c.props, TaggedProperty{Property: prop, Value: val})
		case CapECCCurves:
			c.curves = append(c.curves, ECCCurve(d.u16(fmt.Sprintf("curves[%d]", i))))
		}
	}
}
