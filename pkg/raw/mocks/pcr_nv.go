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

package mocks

import (
	"bytes"
	"sort"

	"github.com/jeremyhahn/go-esapi/pkg/raw"
	"github.com/jeremyhahn/go-esapi/pkg/rc"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

type nvIndex struct {
	public *structures.NVPublic
	auth   []byte
	data   []byte
}

func (m *MockTPM) pcrRead(c raw.PCRRead) (any, rc.ReturnCode) {
	sel, err := structures.UnmarshalPCRSelectionList(c.Selection)
	if err != nil {
		return nil, rc.Value.WithParameter(1)
	}
	var (
		digests [][]byte
		read    []structures.PCRSelection
	)
	for _, bank := range sel.Selections() {
		values, ok := m.pcrs[bank.Hash()]
		if !ok {
			continue
		}
		var pcrs []int
		for _, pcr := range bank.PCRs() {
			if len(digests) == structures.MaxDigests {
				break
			}
			digests = append(digests, append([]byte(nil), values[pcr]...))
			pcrs = append(pcrs, pcr)
		}
		if len(pcrs) == 0 {
			continue
		}
		s, err := structures.NewPCRSelection(bank.Hash(), pcrs...)
		if err != nil {
			return nil, tpm(rc.Failure)
		}
		read = append(read, s)
	}
	out, err := structures.NewPCRSelectionList(read...)
	if err != nil {
		return nil, tpm(rc.Failure)
	}
	return raw.PCRReadOut{UpdateCounter: m.pcrUpdates, Selection: out.Marshal(), Digests: digests}, rc.Success
}

func (m *MockTPM) pcrExtend(c raw.PCRExtend) rc.ReturnCode {
	if c.PCRHandle >= structures.NumPCRs {
		return rc.Value.WithHandle(1)
	}
	values, err := structures.UnmarshalDigestValues(c.Digests)
	if err != nil {
		return rc.Value.WithParameter(1)
	}
	for _, d := range values.Digests() {
		bank, ok := m.pcrs[d.Hash()]
		if !ok {
			continue
		}
		h := d.Hash().Hash().New()
		h.Write(bank[c.PCRHandle])
		h.Write(d.Digest())
		bank[c.PCRHandle] = h.Sum(nil)
	}
	m.pcrUpdates++
	return rc.Success
}

func (m *MockTPM) nvDefineSpace(c raw.NVDefineSpace) (any, rc.ReturnCode) {
	if c.AuthHandle != raw.RHOwner && c.AuthHandle != raw.RHPlatform {
		return nil, rc.Hierarchy.WithHandle(1)
	}
	if len(c.Auth) > structures.MaxAuthSize {
		return nil, rc.Size.WithParameter(1)
	}
	pub, err := structures.UnmarshalNVPublic(c.PublicInfo)
	if err != nil {
		return nil, rc.Value.WithParameter(2)
	}
	attrs := pub.Attributes()
	if attrs.Has(structures.NVWritten) || attrs.Has(structures.NVWriteLocked) || attrs.Has(structures.NVReadLocked) {
		return nil, rc.Attributes.WithParameter(2)
	}
	if attrs.Has(structures.NVPlatformCreate) != (c.AuthHandle == raw.RHPlatform) {
		return nil, rc.Attributes.WithParameter(2)
	}
	if _, exists := m.nv[pub.Index()]; exists {
		return nil, tpm(rc.NVDefined)
	}
	if len(m.nv) >= m.MaxNVIndices {
		return nil, tpm(rc.NVSpace)
	}
	data := bytes.Repeat([]byte{0xff}, int(pub.DataSize()))
	m.nv[pub.Index()] = &nvIndex{public: pub, auth: append([]byte(nil), c.Auth...), data: data}
	m.auth[pub.Index()] = append([]byte(nil), c.Auth...)
	return raw.NVDefineSpaceOut{NVIndex: pub.Index(), Name: pub.Name()}, rc.Success
}

func (m *MockTPM) nvUndefineSpace(c raw.NVUndefineSpace) rc.ReturnCode {
	if c.AuthHandle != raw.RHOwner && c.AuthHandle != raw.RHPlatform {
		return rc.Hierarchy.WithHandle(1)
	}
	idx, ok := m.nv[c.NVIndex]
	if !ok {
		return rc.Handle.WithHandle(2)
	}
	attrs := idx.public.Attributes()
	if attrs.Has(structures.NVPolicyDelete) {
		return rc.Attributes.WithHandle(2)
	}
	if attrs.Has(structures.NVPlatformCreate) != (c.AuthHandle == raw.RHPlatform) {
		return tpm(rc.NVAuthorization)
	}
	delete(m.nv, c.NVIndex)
	delete(m.auth, c.NVIndex)
	return rc.Success
}

// nvAccess checks that authHandle may perform the access selected by the
// owner and platform attribute bits.
func nvAccess(idx *nvIndex, authHandle uint32, ownerBit, ppBit structures.NVAttributes) rc.ReturnCode {
	attrs := idx.public.Attributes()
	switch authHandle {
	case idx.public.Index():
		return rc.Success
	case raw.RHOwner:
		if !attrs.Has(ownerBit) {
			return tpm(rc.NVAuthorization)
		}
	case raw.RHPlatform:
		if !attrs.Has(ppBit) {
			return tpm(rc.NVAuthorization)
		}
	default:
		return rc.Handle.WithHandle(1)
	}
	return rc.Success
}

func (m *MockTPM) nvWrite(c raw.NVWrite) rc.ReturnCode {
	idx, ok := m.nv[c.NVIndex]
	if !ok {
		return rc.Handle.WithHandle(2)
	}
	if code := nvAccess(idx, c.AuthHandle, structures.NVOwnerWrite, structures.NVPPWrite); code != rc.Success {
		return code
	}
	attrs := idx.public.Attributes()
	if attrs.Has(structures.NVWriteLocked) {
		return tpm(rc.NVLocked)
	}
	if attrs.Type() != structures.NVTypeOrdinary {
		return rc.Attributes.WithHandle(2)
	}
	if len(c.Data) > structures.MaxNVBufferSize {
		return rc.Value.WithParameter(1)
	}
	end := int(c.Offset) + len(c.Data)
	if end > len(idx.data) {
		return tpm(rc.NVRange)
	}
	if attrs.Has(structures.NVWriteAll) && (c.Offset != 0 || end != len(idx.data)) {
		return tpm(rc.NVRange)
	}
	copy(idx.data[c.Offset:], c.Data)
	if !attrs.Has(structures.NVWritten) {
		idx.public = idx.public.WithAttributes(attrs | structures.NVWritten)
	}
	return rc.Success
}

func (m *MockTPM) nvRead(c raw.NVRead) (any, rc.ReturnCode) {
	idx, ok := m.nv[c.NVIndex]
	if !ok {
		return nil, rc.Handle.WithHandle(2)
	}
	if code := nvAccess(idx, c.AuthHandle, structures.NVOwnerRead, structures.NVPPRead); code != rc.Success {
		return nil, code
	}
	attrs := idx.public.Attributes()
	if attrs.Has(structures.NVReadLocked) {
		return nil, tpm(rc.NVLocked)
	}
	if !attrs.Has(structures.NVWritten) {
		return nil, tpm(rc.NVUninitialized)
	}
	if int(c.Size) > structures.MaxNVBufferSize {
		return nil, rc.Value.WithParameter(1)
	}
	end := int(c.Offset) + int(c.Size)
	if end > len(idx.data) {
		return nil, tpm(rc.NVRange)
	}
	return raw.NVReadOut{Data: append([]byte(nil), idx.data[c.Offset:end]...)}, rc.Success
}

func (m *MockTPM) nvReadPublic(c raw.NVReadPublic) (any, rc.ReturnCode) {
	idx, ok := m.nv[c.NVIndex]
	if !ok {
		return nil, rc.Handle.WithHandle(1)
	}
	return raw.NVReadPublicOut{NVPublic: idx.public.Marshal(), NVName: idx.public.Name()}, rc.Success
}

var supportedAlgs = []structures.AlgProperty{
	{Alg: structures.AlgRSA, Properties: 0x9},
	{Alg: structures.AlgSHA1, Properties: 0x4},
	{Alg: structures.AlgHMAC, Properties: 0x104},
	{Alg: structures.AlgAES, Properties: 0x2},
	{Alg: structures.AlgKeyedHash, Properties: 0x308},
	{Alg: structures.AlgSHA256, Properties: 0x4},
	{Alg: structures.AlgSHA384, Properties: 0x4},
	{Alg: structures.AlgNull, Properties: 0x0},
	{Alg: structures.AlgRSASSA, Properties: 0x101},
	{Alg: structures.AlgRSAPSS, Properties: 0x101},
	{Alg: structures.AlgECDSA, Properties: 0x501},
	{Alg: structures.AlgECC, Properties: 0x9},
	{Alg: structures.AlgSymCipher, Properties: 0x8},
	{Alg: structures.AlgCFB, Properties: 0x202},
}

func (m *MockTPM) properties() []structures.TaggedProperty {
	return []structures.TaggedProperty{
		{Property: structures.PTFamilyIndicator, Value: 0x322e3000},
		{Property: structures.PTLevel, Value: 0},
		{Property: structures.PTRevision, Value: 159},
		{Property: structures.PTManufacturer, Value: 0x4d4f434b},
		{Property: structures.PTVendorString1, Value: 0x676f2d65},
		{Property: structures.PTFirmwareVersion1, Value: 1},
		{Property: structures.PTHRTransientMin, Value: uint32(m.MaxTransient)},
		{Property: structures.PTHRPersistentMin, Value: maxPersistent},
		{Property: structures.PTHRLoadedMin, Value: uint32(m.MaxSessions)},
		{Property: structures.PTActiveSessionsMax, Value: 64},
		{Property: structures.PTPCRCount, Value: structures.NumPCRs},
		{Property: structures.PTMaxDigest, Value: 64},
		{Property: structures.PTHRLoadedAvail, Value: uint32(m.MaxSessions - len(m.sessions))},
		{Property: structures.PTHRActiveAvail, Value: uint32(64 - len(m.sessions))},
		{Property: structures.PTHRTransientAvail, Value: uint32(m.MaxTransient - len(m.objects))},
	}
}

func (m *MockTPM) handlesInRange(first uint32) []uint32 {
	var hs []uint32
	add := func(h uint32) {
		if h>>24 == first>>24 && h >= first {
			hs = append(hs, h)
		}
	}
	for h := range m.objects {
		add(h)
	}
	for h := range m.persistent {
		add(h)
	}
	for h := range m.sessions {
		add(h)
	}
	for h := range m.nv {
		add(h)
	}
	if first>>24 == structures.HandleRangePCR>>24 {
		for i := uint32(0); i < structures.NumPCRs; i++ {
			add(i)
		}
	}
	if first>>24 == structures.HandleRangePermanent>>24 {
		for _, h := range []uint32{raw.RHOwner, raw.RHNull, raw.RSPassword, raw.RHLockout, raw.RHEndorsement, raw.RHPlatform} {
			add(h)
		}
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

// page cuts a sorted result list to count entries and reports whether more
// remain.
func page[T any](all []T, count uint32) ([]T, bool) {
	if uint32(len(all)) > count {
		return all[:count], true
	}
	return all, false
}

func (m *MockTPM) getCapability(c raw.GetCapability) (any, rc.ReturnCode) {
	q, err := structures.NewCapabilityQuery(structures.Capability(c.Capability), c.Property, c.PropertyCount)
	if err != nil {
		return nil, rc.Value.WithParameter(1)
	}
	var (
		data *structures.CapabilityData
		more bool
	)
	switch q.Capability() {
	case structures.CapAlgorithms:
		var algs []structures.AlgProperty
		for _, a := range supportedAlgs {
			if uint32(a.Alg) >= q.Property() {
				algs = append(algs, a)
			}
		}
		algs, more = page(algs, q.Count())
		data, err = structures.NewAlgorithmCapability(algs...)
	case structures.CapHandles:
		var hs []uint32
		hs, more = page(m.handlesInRange(q.Property()), q.Count())
		data, err = structures.NewHandleCapability(hs...)
	case structures.CapCommands:
		var ccs []uint32
		for cc := range commandHandles {
			if uint32(cc) >= q.Property() {
				ccs = append(ccs, uint32(cc))
			}
		}
		sort.Slice(ccs, func(i, j int) bool { return ccs[i] < ccs[j] })
		ccs, more = page(ccs, q.Count())
		attrs := make([]uint32, len(ccs))
		for i, cc := range ccs {
			attrs[i] = cc | uint32(commandHandles[raw.CommandCode(cc)])<<25
		}
		data, err = structures.NewCommandCapability(attrs...)
	case structures.CapPCRs:
		var banks []structures.PCRSelection
		for _, bank := range []structures.AlgorithmID{structures.AlgSHA1, structures.AlgSHA256} {
			s, serr := structures.NewPCRSelection(bank, allPCRs()...)
			if serr != nil {
				return nil, tpm(rc.Failure)
			}
			banks = append(banks, s)
		}
		var list structures.PCRSelectionList
		list, err = structures.NewPCRSelectionList(banks...)
		data = structures.NewPCRCapability(list)
	case structures.CapTPMProperties:
		var props []structures.TaggedProperty
		for _, p := range m.properties() {
			if p.Property >= q.Property() {
				props = append(props, p)
			}
		}
		props, more = page(props, q.Count())
		data, err = structures.NewPropertyCapability(props...)
	case structures.CapECCCurves:
		var curves []structures.ECCCurve
		for _, cv := range []structures.ECCCurve{structures.CurveNISTP256, structures.CurveNISTP384} {
			if uint32(cv) >= q.Property() {
				curves = append(curves, cv)
			}
		}
		curves, more = page(curves, q.Count())
		data, err = structures.NewCurveCapability(curves...)
	}
	if err != nil || data == nil {
		return nil, tpm(rc.Failure)
	}
	return raw.GetCapabilityOut{MoreData: more, CapabilityData: data.Marshal()}, rc.Success
}

func allPCRs() []int {
	pcrs := make([]int, structures.NumPCRs)
	for i := range pcrs {
		pcrs[i] = i
	}
	return pcrs
}

// commandHandles lists the emulated commands with their handle counts.
var commandHandles = map[raw.CommandCode]int{
	raw.CCEvictControl:      2,
	raw.CCNVUndefineSpace:   2,
	raw.CCNVDefineSpace:     1,
	raw.CCCreatePrimary:     1,
	raw.CCNVWrite:           2,
	raw.CCNVRead:            2,
	raw.CCCreate:            1,
	raw.CCLoad:              1,
	raw.CCSign:              1,
	raw.CCUnseal:            1,
	raw.CCContextLoad:       0,
	raw.CCContextSave:       1,
	raw.CCFlushContext:      0,
	raw.CCLoadExternal:      0,
	raw.CCNVReadPublic:      1,
	raw.CCPolicyAuthValue:   1,
	raw.CCPolicyCommandCode: 1,
	raw.CCReadPublic:        1,
	raw.CCStartAuthSession:  2,
	raw.CCVerifySignature:   1,
	raw.CCGetCapability:     0,
	raw.CCGetRandom:         0,
	raw.CCPCRRead:           0,
	raw.CCPolicyPCR:         1,
	raw.CCPolicyRestart:     1,
	raw.CCPCRExtend:         1,
	raw.CCPolicyGetDigest:   1,
	raw.CCPolicyPassword:    1,
}

func (m *MockTPM) getRandom(c raw.GetRandom) (any, rc.ReturnCode) {
	n := int(c.BytesRequested)
	if n > m.MaxRandom {
		n = m.MaxRandom
	}
	return raw.GetRandomOut{Random: randomBytes(n)}, rc.Success
}
