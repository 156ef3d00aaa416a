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
	"encoding/binary"

	"github.com/jeremyhahn/go-esapi/pkg/raw"
	"github.com/jeremyhahn/go-esapi/pkg/rc"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

const (
	hmacSessionFirst   uint32 = 0x02000000
	policySessionFirst uint32 = 0x03000000
)

type session struct {
	typ       uint8
	hash      structures.AlgorithmID
	symmetric structures.SymDef
	attrs     structures.SessionAttributes
	bind      uint32

	digest      []byte
	authValue   bool
	commandCode raw.CommandCode
	pcrCounter  uint32
	pcrChecked  bool
}

func (s *session) reset() {
	s.digest = make([]byte, s.hash.DigestSize())
	s.authValue = false
	s.commandCode = 0
	s.pcrChecked = false
}

func (m *MockTPM) startAuthSession(c raw.StartAuthSession) (any, rc.ReturnCode) {
	if c.TPMKey != raw.RHNull {
		key, ok := m.lookupObject(c.TPMKey)
		if !ok {
			return nil, rc.Handle.WithHandle(1)
		}
		if !key.public.Attributes().Has(structures.AttrDecrypt) || key.public.Type() == structures.AlgKeyedHash {
			return nil, rc.Key.WithHandle(1)
		}
	}
	if c.Bind != raw.RHNull {
		if _, ok := m.entity(c.Bind, nil); !ok {
			return nil, rc.Handle.WithHandle(2)
		}
	}
	switch c.SessionType {
	case raw.SessionHMAC, raw.SessionPolicy, raw.SessionTrial:
	default:
		return nil, rc.Value.WithParameter(3)
	}
	sym, err := structures.UnmarshalSymDef(c.Symmetric)
	if err != nil {
		return nil, rc.Symmetric.WithParameter(4)
	}
	hash := structures.AlgorithmID(c.AuthHash)
	if !hash.IsHash() {
		return nil, rc.Hash.WithParameter(5)
	}
	attrs, err := structures.NewSessionAttributes(c.Attributes)
	if err != nil {
		return nil, raw.ESAPIError(rc.BadValue)
	}
	if len(m.sessions) >= m.MaxSessions {
		return nil, tpm(rc.SessionMemory)
	}
	first := hmacSessionFirst
	if c.SessionType != raw.SessionHMAC {
		first = policySessionFirst
	}
	h := first
	for ; ; h++ {
		if _, used := m.sessions[h]; !used {
			break
		}
	}
	s := &session{typ: c.SessionType, hash: hash, symmetric: sym, attrs: attrs, bind: c.Bind}
	s.reset()
	m.sessions[h] = s
	return raw.StartAuthSessionOut{SessionHandle: h}, rc.Success
}

// authEntity describes how a handle may be authorized.
type authEntity struct {
	auth        []byte
	policy      []byte
	allowAuth   bool
	allowPolicy bool
	noDA        bool
}

// entity resolves a handle to its authorization rules. cmd selects the NV
// read or write rules and may be nil.
func (m *MockTPM) entity(h uint32, cmd raw.Command) (authEntity, bool) {
	if obj, ok := m.lookupObject(h); ok {
		attrs := obj.public.Attributes()
		return authEntity{
			auth:        obj.auth,
			policy:      obj.public.AuthPolicy(),
			allowAuth:   attrs.Has(structures.AttrUserWithAuth),
			allowPolicy: true,
			noDA:        attrs.Has(structures.AttrNoDA),
		}, true
	}
	if idx, ok := m.nv[h]; ok {
		attrs := idx.public.Attributes()
		e := authEntity{auth: idx.auth, policy: idx.public.AuthPolicy(), noDA: attrs.Has(structures.NVNoDA)}
		switch cmd.(type) {
		case raw.NVWrite:
			e.allowAuth, e.allowPolicy = attrs.Has(structures.NVAuthWrite), attrs.Has(structures.NVPolicyWrite)
		case raw.NVRead:
			e.allowAuth, e.allowPolicy = attrs.Has(structures.NVAuthRead), attrs.Has(structures.NVPolicyRead)
		default:
			e.allowAuth, e.allowPolicy = true, true
		}
		return e, true
	}
	switch h {
	case raw.RHOwner, raw.RHEndorsement, raw.RHPlatform, raw.RHLockout:
		return authEntity{
			auth:      m.hierarchyAuth[h],
			allowAuth: true,
			noDA:      h != raw.RHLockout,
		}, true
	}
	if h < structures.NumPCRs {
		return authEntity{allowAuth: true, noDA: true}, true
	}
	return authEntity{}, false
}

// authorize checks every session slot of a command before it executes.
func (m *MockTPM) authorize(cmd raw.Command, sessions []uint32) rc.ReturnCode {
	handles := cmd.Handles()
	n := cmd.AuthHandles()
	if len(sessions) < n {
		return tpm(rc.AuthMissing)
	}
	for i, sh := range sessions {
		idx := i + 1
		var s *session
		if sh != raw.RSPassword {
			var ok bool
			if s, ok = m.sessions[sh]; !ok {
				return rc.Value.WithSession(idx)
			}
			encrypting := s.attrs.Has(structures.SessionDecrypt) || s.attrs.Has(structures.SessionEncrypt)
			if encrypting && s.symmetric.IsNull() {
				return rc.Symmetric.WithSession(idx)
			}
		}
		if i >= n {
			if s == nil || s.typ != raw.SessionHMAC {
				return tpm(rc.AuthContext)
			}
			continue
		}
		if code := m.checkAuth(cmd, handles[i], s, idx); code != rc.Success {
			return code
		}
	}
	return rc.Success
}

func (m *MockTPM) checkAuth(cmd raw.Command, h uint32, s *session, idx int) rc.ReturnCode {
	e, ok := m.entity(h, cmd)
	if !ok {
		return rc.Handle.WithHandle(idx)
	}
	badAuth := func() rc.ReturnCode {
		if e.noDA {
			return rc.BadAuth.WithSession(idx)
		}
		return rc.AuthFail.WithSession(idx)
	}
	known := m.auth[h]
	switch {
	case s == nil || s.typ == raw.SessionHMAC:
		if !e.allowAuth {
			if _, isNV := m.nv[h]; isNV {
				return tpm(rc.NVAuthorization)
			}
			return tpm(rc.AuthUnavailable)
		}
		if !authEqual(known, e.auth) {
			return badAuth()
		}
	case s.typ == raw.SessionTrial:
		return tpm(rc.AuthType)
	default:
		if !e.allowPolicy || len(e.policy) == 0 {
			return tpm(rc.AuthUnavailable)
		}
		if s.commandCode != 0 && s.commandCode != cmd.Code() {
			return rc.PolicyCC.WithSession(idx)
		}
		if s.pcrChecked && s.pcrCounter != m.pcrUpdates {
			return tpm(rc.PCRChanged)
		}
		if !bytes.Equal(s.digest, e.policy) {
			return rc.PolicyFail.WithSession(idx)
		}
		if s.authValue && !authEqual(known, e.auth) {
			return badAuth()
		}
	}
	return rc.Success
}

// authEqual compares auth values the way the TPM does, ignoring trailing
// zero octets.
func authEqual(a, b []byte) bool {
	return bytes.Equal(bytes.TrimRight(a, "\x00"), bytes.TrimRight(b, "\x00"))
}

// afterCommand applies continueSession and reports which sessions remain.
func (m *MockTPM) afterCommand(cmd raw.Command, sessions []uint32) []bool {
	continued := make([]bool, len(sessions))
	for i, sh := range sessions {
		if sh == raw.RSPassword {
			continued[i] = true
			continue
		}
		s, ok := m.sessions[sh]
		if !ok {
			continue
		}
		if i < cmd.AuthHandles() && s.typ == raw.SessionPolicy {
			s.reset()
		}
		if !s.attrs.Has(structures.SessionContinue) {
			delete(m.sessions, sh)
			continue
		}
		continued[i] = true
	}
	return continued
}

func (m *MockTPM) policySession(h uint32) (*session, rc.ReturnCode) {
	s, ok := m.sessions[h]
	if !ok {
		return nil, rc.Value.WithHandle(1)
	}
	if s.typ == raw.SessionHMAC {
		return nil, tpm(rc.AuthType)
	}
	return s, rc.Success
}

func (s *session) extend(cc raw.CommandCode, params ...[]byte) {
	h := s.hash.Hash().New()
	h.Write(s.digest)
	h.Write(binary.BigEndian.AppendUint32(nil, uint32(cc)))
	for _, p := range params {
		h.Write(p)
	}
	s.digest = h.Sum(nil)
}

func (m *MockTPM) policyPCR(c raw.PolicyPCR) rc.ReturnCode {
	s, code := m.policySession(c.PolicySession)
	if code != rc.Success {
		return code
	}
	sel, err := structures.UnmarshalPCRSelectionList(c.PCRs)
	if err != nil {
		return rc.Value.WithParameter(2)
	}
	h := s.hash.Hash().New()
	for _, bank := range sel.Selections() {
		values, ok := m.pcrs[bank.Hash()]
		if !ok {
			return rc.Value.WithParameter(2)
		}
		for _, pcr := range bank.PCRs() {
			h.Write(values[pcr])
		}
	}
	computed := h.Sum(nil)
	digest := computed
	if len(c.PCRDigest) > 0 {
		if s.typ == raw.SessionPolicy && !bytes.Equal(c.PCRDigest, computed) {
			return rc.Value.WithParameter(1)
		}
		digest = c.PCRDigest
	}
	s.extend(raw.CCPolicyPCR, c.PCRs, digest)
	s.pcrChecked = true
	s.pcrCounter = m.pcrUpdates
	return rc.Success
}

// policyAuthValue handles PolicyAuthValue and PolicyPassword; both extend
// the digest with TPM_CC_PolicyAuthValue.
func (m *MockTPM) policyAuthValue(h uint32) rc.ReturnCode {
	s, code := m.policySession(h)
	if code != rc.Success {
		return code
	}
	s.extend(raw.CCPolicyAuthValue)
	s.authValue = true
	return rc.Success
}

func (m *MockTPM) policyCommandCode(c raw.PolicyCommandCode) rc.ReturnCode {
	s, code := m.policySession(c.PolicySession)
	if code != rc.Success {
		return code
	}
	cc := raw.CommandCode(c.CommandCode)
	if s.commandCode != 0 && s.commandCode != cc {
		return rc.Value.WithParameter(1)
	}
	s.extend(raw.CCPolicyCommandCode, binary.BigEndian.AppendUint32(nil, c.CommandCode))
	s.commandCode = cc
	return rc.Success
}

func (m *MockTPM) policyGetDigest(c raw.PolicyGetDigest) (any, rc.ReturnCode) {
	s, code := m.policySession(c.PolicySession)
	if code != rc.Success {
		return nil, code
	}
	return raw.PolicyGetDigestOut{PolicyDigest: append([]byte(nil), s.digest...)}, rc.Success
}

func (m *MockTPM) policyRestart(c raw.PolicyRestart) rc.ReturnCode {
	s, code := m.policySession(c.SessionHandle)
	if code != rc.Success {
		return code
	}
	s.reset()
	return rc.Success
}
