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

package gotpm

import (
	"github.com/google/go-tpm/tpm2"

	"github.com/jeremyhahn/go-esapi/pkg/raw"
	"github.com/jeremyhahn/go-esapi/pkg/rc"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

const encryptionMask = structures.SessionDecrypt | structures.SessionEncrypt

type session struct {
	typ    uint8
	hash   tpm2.TPMIAlgHash
	sym    structures.SymDef
	attrs  structures.SessionAttributes
	enc    []tpm2.AuthOption
	setup  []tpm2.AuthOption // salt and bind
	tpm    tpm2.Session
	closer func() error
}

// encrypting reports whether the session asks for parameter encryption.
func (s *session) encrypting() bool {
	return s.attrs&encryptionMask != 0
}

// encryptionOptions translates the decrypt and encrypt attributes into a
// go-tpm AES-CFB option.
func encryptionOptions(sym structures.SymDef, attrs structures.SessionAttributes) ([]tpm2.AuthOption, rc.ReturnCode) {
	if sym.IsNull() || attrs&encryptionMask == 0 {
		return nil, rc.Success
	}
	if sym.Algorithm() != structures.AlgAES || sym.Mode() != structures.AlgCFB {
		return nil, raw.ESAPIError(rc.NotSupported)
	}
	bits := tpm2.TPMKeyBits(sym.KeyBits())
	switch {
	case attrs.Has(structures.SessionDecrypt) && attrs.Has(structures.SessionEncrypt):
		return []tpm2.AuthOption{tpm2.AESEncryption(bits, tpm2.EncryptInOut)}, rc.Success
	case attrs.Has(structures.SessionDecrypt):
		return []tpm2.AuthOption{tpm2.AESEncryption(bits, tpm2.EncryptIn)}, rc.Success
	default:
		return []tpm2.AuthOption{tpm2.AESEncryption(bits, tpm2.EncryptOut)}, rc.Success
	}
}

func (b *Backend) startAuthSession(c raw.StartAuthSession) (any, rc.ReturnCode) {
	sym, err := structures.UnmarshalSymDef(c.Symmetric)
	if err != nil {
		return nil, raw.MUError(rc.BadValue)
	}
	attrs, err := structures.NewSessionAttributes(c.Attributes)
	if err != nil {
		return nil, raw.ESAPIError(rc.BadValue)
	}
	hash := structures.AlgorithmID(c.AuthHash)
	if !hash.IsHash() {
		return nil, rc.Hash.WithParameter(5)
	}
	enc, code := encryptionOptions(sym, attrs)
	if code != rc.Success {
		return nil, code
	}

	var setup []tpm2.AuthOption
	if c.TPMKey != raw.RHNull {
		rsp, err := tpm2.ReadPublic{ObjectHandle: tpm2.TPMHandle(c.TPMKey)}.Execute(b.transport)
		if err != nil {
			return nil, codeOf(err)
		}
		pub, err := rsp.OutPublic.Contents()
		if err != nil {
			return nil, raw.ESAPIError(rc.MalformedResponse)
		}
		setup = append(setup, tpm2.Salted(tpm2.TPMHandle(c.TPMKey), *pub))
	}
	if c.Bind != raw.RHNull {
		name, code := b.nameOf(c.Bind)
		if code != rc.Success {
			return nil, code
		}
		setup = append(setup, tpm2.Bound(tpm2.TPMHandle(c.Bind), tpm2.TPM2BName{Buffer: name}, b.auth[c.Bind]))
	}
	opts := append(append([]tpm2.AuthOption(nil), enc...), setup...)

	var (
		s      tpm2.Session
		closer func() error
	)
	algHash := tpm2.TPMIAlgHash(c.AuthHash)
	switch c.SessionType {
	case raw.SessionHMAC:
		s, closer, err = tpm2.HMACSession(b.transport, algHash, nonceSize, opts...)
	case raw.SessionPolicy:
		s, closer, err = tpm2.PolicySession(b.transport, algHash, nonceSize, opts...)
	case raw.SessionTrial:
		s, closer, err = tpm2.PolicySession(b.transport, algHash, nonceSize, append(opts, tpm2.Trial())...)
	default:
		return nil, rc.Value.WithParameter(3)
	}
	if err != nil {
		return nil, codeOf(err)
	}
	h := uint32(s.Handle())
	b.sessions[h] = &session{
		typ:    c.SessionType,
		hash:   algHash,
		sym:    sym,
		attrs:  attrs,
		enc:    enc,
		setup:  setup,
		tpm:    s,
		closer: closer,
	}
	b.logger.Debug("session started", "handle", h, "type", c.SessionType)
	return raw.StartAuthSessionOut{SessionHandle: h}, rc.Success
}

func (b *Backend) setSessionAttributes(c raw.SessionSetAttributes) rc.ReturnCode {
	s, ok := b.sessions[c.Session]
	if !ok {
		return raw.ESAPIError(rc.BadTR)
	}
	next := s.attrs.Apply(structures.SessionAttributes(c.Attributes), structures.SessionAttributes(c.Mask))
	attrs, err := structures.NewSessionAttributes(uint8(next))
	if err != nil {
		return raw.ESAPIError(rc.BadValue)
	}
	if attrs&encryptionMask != s.attrs&encryptionMask && !s.sym.IsNull() {
		return raw.ESAPIError(rc.NotSupported)
	}
	s.attrs = attrs
	return rc.Success
}

// authorizations builds the go-tpm sessions for a command: one per
// authorized handle, in handle order, followed by the extra sessions.
func (b *Backend) authorizations(cmd raw.Command, sessions []uint32) ([]tpm2.Session, []tpm2.Session, rc.ReturnCode) {
	handles := cmd.Handles()
	n := cmd.AuthHandles()
	if len(sessions) < n {
		return nil, nil, rc.ReturnCode(rc.AuthMissing)
	}
	auths := make([]tpm2.Session, 0, n)
	var extra []tpm2.Session
	for i, sh := range sessions {
		idx := i + 1
		if sh == raw.RSPassword {
			if i >= n {
				return nil, nil, rc.ReturnCode(rc.AuthContext)
			}
			auths = append(auths, tpm2.PasswordAuth(b.auth[handles[i]]))
			continue
		}
		s, ok := b.sessions[sh]
		if !ok {
			return nil, nil, rc.Value.WithSession(idx)
		}
		if s.encrypting() && s.sym.IsNull() {
			return nil, nil, rc.Symmetric.WithSession(idx)
		}
		if i >= n {
			if s.typ != raw.SessionHMAC {
				return nil, nil, rc.ReturnCode(rc.AuthContext)
			}
			extra = append(extra, s.tpm)
			continue
		}
		auths = append(auths, b.authSession(s, handles[i]))
	}
	return auths, extra, rc.Success
}

// authSession returns the go-tpm session that authorizes h. go-tpm binds
// the entity auth to a session when it starts, so entities with an auth
// value are authorized through a one-shot HMAC session started with the
// same salt, bind and encryption as s.
func (b *Backend) authSession(s *session, h uint32) tpm2.Session {
	auth := b.auth[h]
	if s.typ != raw.SessionHMAC || len(auth) == 0 {
		return s.tpm
	}
	opts := make([]tpm2.AuthOption, 0, 1+len(s.setup)+len(s.enc))
	opts = append(opts, tpm2.Auth(auth))
	opts = append(opts, s.setup...)
	opts = append(opts, s.enc...)
	return tpm2.HMAC(s.hash, nonceSize, opts...)
}

// afterCommand flushes sessions without the continue attribute and reports
// which sessions are still loaded.
func (b *Backend) afterCommand(sessions []uint32) []bool {
	continued := make([]bool, len(sessions))
	for i, sh := range sessions {
		if sh == raw.RSPassword {
			continued[i] = true
			continue
		}
		s, ok := b.sessions[sh]
		if !ok {
			continue
		}
		if s.attrs.Has(structures.SessionContinue) {
			continued[i] = true
			continue
		}
		if err := s.closer(); err != nil {
			b.logger.Warnf("gotpm: flushing session 0x%08x: %v", sh, err)
		}
		delete(b.sessions, sh)
	}
	return continued
}

func (b *Backend) flushSession(h uint32) rc.ReturnCode {
	s := b.sessions[h]
	if err := s.closer(); err != nil {
		return codeOf(err)
	}
	delete(b.sessions, h)
	return rc.Success
}
