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
	"sync"

	"github.com/jeremyhahn/go-esapi/pkg/raw"
	"github.com/jeremyhahn/go-esapi/pkg/rc"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

// CommandCall represents a recorded dispatch.
type CommandCall struct {
	Command  raw.Command
	Sessions []uint32
	Code     rc.ReturnCode
}

// Failure makes matching dispatches fail with RC before the command runs.
// A zero Handle matches any handle; Skip lets that many matching calls
// through first; Times limits how often the failure fires, zero meaning
// every time.
type Failure struct {
	Code   raw.CommandCode
	Handle uint32
	Skip   int
	Times  int
	RC     rc.ReturnCode
}

// MockTPM is an in-memory implementation of raw.Surface for testing.
// It emulates enough of a TPM 2.0 to exercise the esys layer without
// hardware or a simulator.
//
// The mock supports:
//   - Transient, persistent and external objects with real RSA, ECDSA and
//     HMAC signing
//   - HMAC, policy and trial sessions with password, HMAC and policy
//     authorization checks
//   - SHA-1 and SHA-256 PCR banks, NV indices and capability queries
//   - Object and session slot limits
//   - Error injection and call history for verification
//
// Example usage:
//
//	mock := NewMockTPM()
//	mock.Inject(Failure{Code: raw.CCFlushContext, RC: rc.Handle.WithParameter(1)})
//	ctx, err := esys.New(mock)
type MockTPM struct {
	mu sync.Mutex

	// DispatchFunc, when set, handles every dispatch instead of the
	// emulation. Calls are still recorded.
	DispatchFunc func(cmd raw.Command, sessions []uint32) (*raw.Reply, rc.ReturnCode)

	// CloseFunc is called by Close(). If nil, returns rc.Success.
	CloseFunc func() rc.ReturnCode

	// MaxTransient and MaxSessions bound the loaded objects and sessions.
	MaxTransient int
	MaxSessions  int
	// MaxNVIndices bounds the defined NV indices.
	MaxNVIndices int
	// MaxRandom bounds the bytes a single GetRandom returns.
	MaxRandom int

	Calls      []CommandCall
	CloseCalls int

	failures      []*Failure
	objects       map[uint32]*object
	persistent    map[uint32]*object
	sessions      map[uint32]*session
	nv            map[uint32]*nvIndex
	pcrs          map[structures.AlgorithmID][][]byte
	auth          map[uint32][]byte
	hierarchyAuth map[uint32][]byte
	blobs         map[string]*object
	contexts      map[string]*object
	primaries     map[string]*keyMaterial
	nextTransient uint32
	nextSession   uint32
	contextSeq    uint64
	pcrUpdates    uint32
	closed        bool
}

// NewMockTPM creates a MockTPM with three object and three session slots,
// the limits of a typical discrete TPM.
func NewMockTPM() *MockTPM {
	m := &MockTPM{
		MaxTransient:  3,
		MaxSessions:   3,
		MaxNVIndices:  16,
		MaxRandom:     32,
		objects:       make(map[uint32]*object),
		persistent:    make(map[uint32]*object),
		sessions:      make(map[uint32]*session),
		nv:            make(map[uint32]*nvIndex),
		pcrs:          make(map[structures.AlgorithmID][][]byte),
		auth:          make(map[uint32][]byte),
		hierarchyAuth: make(map[uint32][]byte),
		blobs:         make(map[string]*object),
		contexts:      make(map[string]*object),
		primaries:     make(map[string]*keyMaterial),
		nextTransient: 0x80000000,
		nextSession:   0,
	}
	for _, bank := range []structures.AlgorithmID{structures.AlgSHA1, structures.AlgSHA256} {
		values := make([][]byte, structures.NumPCRs)
		for i := range values {
			values[i] = make([]byte, bank.DigestSize())
		}
		m.pcrs[bank] = values
	}
	return m
}

// Inject registers a failure.
func (m *MockTPM) Inject(f Failure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, &f)
}

// ClearFailures removes every injected failure.
func (m *MockTPM) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = nil
}

// SetHierarchyAuth sets the TPM side auth value of a hierarchy.
func (m *MockTPM) SetHierarchyAuth(hierarchy uint32, auth []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hierarchyAuth[hierarchy] = append([]byte(nil), auth...)
}

// CallCount returns the number of dispatches received.
func (m *MockTPM) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// CountOf returns the number of dispatches of one command.
func (m *MockTPM) CountOf(code raw.CommandCode) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c.Command.Code() == code {
			n++
		}
	}
	return n
}

// CallsOf returns the recorded dispatches of one command.
func (m *MockTPM) CallsOf(code raw.CommandCode) []CommandCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CommandCall
	for _, c := range m.Calls {
		if c.Command.Code() == code {
			out = append(out, c)
		}
	}
	return out
}

// LoadedObjects returns the number of loaded transient objects.
func (m *MockTPM) LoadedObjects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// LoadedSessions returns the number of loaded sessions.
func (m *MockTPM) LoadedSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// PCR returns the current value of a PCR.
func (m *MockTPM) PCR(bank structures.AlgorithmID, index int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	values, ok := m.pcrs[bank]
	if !ok || index < 0 || index >= len(values) {
		return nil
	}
	return append([]byte(nil), values[index]...)
}

// Dispatch implements raw.Surface.
func (m *MockTPM) Dispatch(cmd raw.Command, sessions []uint32) (*raw.Reply, rc.ReturnCode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call := CommandCall{Command: cmd, Sessions: append([]uint32(nil), sessions...)}
	reply, code := m.dispatch(cmd, sessions)
	call.Code = code
	m.Calls = append(m.Calls, call)
	if code != rc.Success {
		return nil, code
	}
	return reply, code
}

func (m *MockTPM) dispatch(cmd raw.Command, sessions []uint32) (*raw.Reply, rc.ReturnCode) {
	if m.closed {
		return nil, raw.TCTIError(rc.NoConnection)
	}
	if code := m.injected(cmd); code != rc.Success {
		return nil, code
	}
	if m.DispatchFunc != nil {
		return m.DispatchFunc(cmd, sessions)
	}
	if len(sessions) > raw.MaxSessions {
		return nil, raw.ESAPIError(rc.InvalidSessions)
	}
	if cmd.Code().IsLocal() {
		out, code := m.local(cmd)
		if code != rc.Success {
			return nil, code
		}
		return &raw.Reply{Out: out}, rc.Success
	}
	if code := m.authorize(cmd, sessions); code != rc.Success {
		return nil, code
	}
	out, code := m.execute(cmd)
	if code != rc.Success {
		return nil, code
	}
	return &raw.Reply{Out: out, Continued: m.afterCommand(cmd, sessions)}, rc.Success
}

func (m *MockTPM) injected(cmd raw.Command) rc.ReturnCode {
	for i, f := range m.failures {
		if f.Code != cmd.Code() || !matchesHandle(cmd, f.Handle) {
			continue
		}
		if f.Skip > 0 {
			f.Skip--
			continue
		}
		if f.Times > 0 {
			f.Times--
			if f.Times == 0 {
				m.failures = append(m.failures[:i], m.failures[i+1:]...)
			}
		}
		return f.RC
	}
	return rc.Success
}

func matchesHandle(cmd raw.Command, h uint32) bool {
	if h == 0 {
		return true
	}
	for _, x := range cmd.Handles() {
		if x == h {
			return true
		}
	}
	return false
}

func (m *MockTPM) execute(cmd raw.Command) (any, rc.ReturnCode) {
	switch c := cmd.(type) {
	case raw.GetRandom:
		return m.getRandom(c)
	case raw.StartAuthSession:
		return m.startAuthSession(c)
	case raw.FlushContext:
		return nil, m.flushContext(c)
	case raw.CreatePrimary:
		return m.createPrimary(c)
	case raw.Create:
		return m.create(c)
	case raw.Load:
		return m.load(c)
	case raw.LoadExternal:
		return m.loadExternal(c)
	case raw.ReadPublic:
		return m.readPublic(c)
	case raw.Sign:
		return m.sign(c)
	case raw.VerifySignature:
		return m.verifySignature(c)
	case raw.Unseal:
		return m.unseal(c)
	case raw.PCRRead:
		return m.pcrRead(c)
	case raw.PCRExtend:
		return nil, m.pcrExtend(c)
	case raw.NVDefineSpace:
		return m.nvDefineSpace(c)
	case raw.NVUndefineSpace:
		return nil, m.nvUndefineSpace(c)
	case raw.NVWrite:
		return nil, m.nvWrite(c)
	case raw.NVRead:
		return m.nvRead(c)
	case raw.NVReadPublic:
		return m.nvReadPublic(c)
	case raw.GetCapability:
		return m.getCapability(c)
	case raw.ContextSave:
		return m.contextSave(c)
	case raw.ContextLoad:
		return m.contextLoad(c)
	case raw.EvictControl:
		return m.evictControl(c)
	case raw.PolicyPCR:
		return nil, m.policyPCR(c)
	case raw.PolicyAuthValue:
		return nil, m.policyAuthValue(c.PolicySession)
	case raw.PolicyPassword:
		return nil, m.policyAuthValue(c.PolicySession)
	case raw.PolicyCommandCode:
		return nil, m.policyCommandCode(c)
	case raw.PolicyGetDigest:
		return m.policyGetDigest(c)
	case raw.PolicyRestart:
		return nil, m.policyRestart(c)
	}
	return nil, tpm(rc.CommandCode)
}

func (m *MockTPM) local(cmd raw.Command) (any, rc.ReturnCode) {
	switch c := cmd.(type) {
	case raw.SetAuth:
		if len(c.Auth) > structures.MaxAuthSize {
			return nil, raw.ESAPIError(rc.BadSize)
		}
		m.auth[c.Handle] = append([]byte(nil), c.Auth...)
		return nil, rc.Success
	case raw.TRClose:
		if _, ok := m.persistent[c.Handle]; !ok {
			if _, ok := m.nv[c.Handle]; !ok {
				return nil, raw.ESAPIError(rc.BadTR)
			}
		}
		delete(m.auth, c.Handle)
		return nil, rc.Success
	case raw.TRFromTPMPublic:
		return m.trFromTPMPublic(c)
	case raw.SessionSetAttributes:
		s, ok := m.sessions[c.Session]
		if !ok {
			return nil, raw.ESAPIError(rc.BadTR)
		}
		attrs, err := structures.NewSessionAttributes(uint8(s.attrs.Apply(
			structures.SessionAttributes(c.Attributes), structures.SessionAttributes(c.Mask))))
		if err != nil {
			return nil, raw.ESAPIError(rc.BadValue)
		}
		s.attrs = attrs
		return nil, rc.Success
	}
	return nil, raw.ESAPIError(rc.NotImplemented)
}

func (m *MockTPM) trFromTPMPublic(c raw.TRFromTPMPublic) (any, rc.ReturnCode) {
	if obj, ok := m.persistent[c.Handle]; ok {
		return raw.TRFromTPMPublicOut{Name: obj.public.Name(), Public: obj.public.Marshal()}, rc.Success
	}
	if idx, ok := m.nv[c.Handle]; ok {
		return raw.TRFromTPMPublicOut{Name: idx.public.Name(), Public: idx.public.Marshal()}, rc.Success
	}
	return nil, rc.Handle.WithHandle(1)
}

// Close implements raw.Surface.
func (m *MockTPM) Close() rc.ReturnCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	m.closed = true
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return rc.Success
}

// Closed reports whether Close was called.
func (m *MockTPM) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func tpm(c rc.TPMCode) rc.ReturnCode {
	return rc.ReturnCode(c)
}
