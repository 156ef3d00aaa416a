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

// SessionType is the TPM_SE type of an authorization session.
type SessionType uint8

const (
	SessionHMAC   = SessionType(raw.SessionHMAC)
	SessionPolicy = SessionType(raw.SessionPolicy)
	SessionTrial  = SessionType(raw.SessionTrial)
)

func (t SessionType) String() string {
	switch t {
	case SessionHMAC:
		return "hmac"
	case SessionPolicy:
		return "policy"
	case SessionTrial:
		return "trial"
	}
	return fmt.Sprintf("SessionType(%d)", uint8(t))
}

// SessionState is the position of a session in its lifecycle.
type SessionState uint8

const (
	SessionIdle SessionState = iota
	SessionInUse
	SessionEnded
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionInUse:
		return "in use"
	case SessionEnded:
		return "ended"
	}
	return fmt.Sprintf("SessionState(%d)", uint8(s))
}

// AuthSession is an authorization session started by a Context. Its
// attributes change only through Context.SetSessionAttributes.
type AuthSession struct {
	handle *Handle
	typ    SessionType
	hash   structures.AlgorithmID
	sym    structures.SymDef
	attrs  structures.SessionAttributes
	state  SessionState
	digest []byte
}

func newAuthSession(cmd raw.StartAuthSession) *AuthSession {
	s := &AuthSession{
		typ:   SessionType(cmd.SessionType),
		hash:  structures.AlgorithmID(cmd.AuthHash),
		sym:   structures.SymNull,
		attrs: structures.SessionAttributes(cmd.Attributes),
	}
	if sym, err := structures.UnmarshalSymDef(cmd.Symmetric); err == nil {
		s.sym = sym
	}
	s.resetDigest()
	return s
}

func (s *AuthSession) Handle() *Handle                         { return s.handle }
func (s *AuthSession) Type() SessionType                       { return s.typ }
func (s *AuthSession) Hash() structures.AlgorithmID            { return s.hash }
func (s *AuthSession) Symmetric() structures.SymDef            { return s.sym }
func (s *AuthSession) Attributes() structures.SessionAttributes { return s.attrs }
func (s *AuthSession) State() SessionState                     { return s.state }

// PolicyDigest returns the policy digest accumulated by a policy or trial
// session, nil for HMAC sessions.
func (s *AuthSession) PolicyDigest() []byte {
	if s.digest == nil {
		return nil
	}
	return append([]byte(nil), s.digest...)
}

func (s *AuthSession) String() string {
	return fmt.Sprintf("%s session 0x%08x (%s)", s.typ, s.handle.value, s.state)
}

func (s *AuthSession) isPolicy() bool {
	return s.typ == SessionPolicy || s.typ == SessionTrial
}

func (s *AuthSession) resetDigest() {
	if !s.isPolicy() {
		return
	}
	s.digest = make([]byte, s.hash.DigestSize())
}

type sessionOptions struct {
	salt *Handle
	bind *Handle
	sym  structures.SymDef
}

// SessionOption configures StartAuthSession.
type SessionOption func(*sessionOptions)

// WithSaltKey salts the session with a loaded decryption key.
func WithSaltKey(key *Handle) SessionOption {
	return func(o *sessionOptions) { o.salt = key }
}

// WithBind binds the session to an entity whose auth value seeds the
// session key.
func WithBind(entity *Handle) SessionOption {
	return func(o *sessionOptions) { o.bind = entity }
}

// WithSymmetric sets the parameter encryption algorithm. It is required
// before the decrypt or encrypt attribute can be set.
func WithSymmetric(sym structures.SymDef) SessionOption {
	return func(o *sessionOptions) { o.sym = sym }
}

// StartAuthSession starts and registers a session in the Idle state.
func (c *Context) StartAuthSession(typ SessionType, hash structures.AlgorithmID, attrs structures.SessionAttributes, opts ...SessionOption) (*AuthSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "StartAuthSession"

	o := sessionOptions{sym: structures.SymNull}
	for _, opt := range opts {
		opt(&o)
	}
	switch typ {
	case SessionHMAC, SessionPolicy, SessionTrial:
	default:
		return nil, localError(op, fmt.Errorf("%w: session type %d", ErrInvalidArgument, uint8(typ)))
	}
	if !hash.IsHash() {
		return nil, localError(op, fmt.Errorf("%w: %v is not a hash algorithm", ErrInvalidArgument, hash))
	}
	if _, err := structures.NewSessionAttributes(uint8(attrs)); err != nil {
		return nil, localError(op, err)
	}
	if attrs&encryptionMask != 0 && o.sym.IsNull() {
		return nil, localError(op, fmt.Errorf("%w: parameter encryption needs a symmetric algorithm", ErrInvalidArgument))
	}
	cmd := raw.StartAuthSession{
		TPMKey:      raw.RHNull,
		Bind:        raw.RHNull,
		SessionType: uint8(typ),
		Symmetric:   o.sym.Marshal(),
		AuthHash:    uint16(hash),
		Attributes:  uint8(attrs),
	}
	if o.salt != nil {
		if err := c.checkHandle(o.salt, HandleTransient, HandlePersistent); err != nil {
			return nil, localError(op, err)
		}
		cmd.TPMKey = o.salt.value
	}
	if o.bind != nil {
		if err := c.checkHandle(o.bind, HandleTransient, HandlePersistent, HandleNVIndex, HandlePermanent); err != nil {
			return nil, localError(op, err)
		}
		cmd.Bind = o.bind.value
	}
	res, err := c.run(op, cmd, nil)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("session started", "session", res.Session.String())
	return res.Session, nil
}

const encryptionMask = structures.SessionDecrypt | structures.SessionEncrypt

// EndSession flushes an Idle session. It fails with ErrSessionInUse while
// the session is attached and with ErrSessionEnded once it has ended.
func (c *Context) EndSession(s *AuthSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "EndSession"
	if err := c.checkSession(s); err != nil {
		return localError(op, err)
	}
	_, err := c.run(op, raw.FlushContext{FlushHandle: s.handle.value}, nil)
	return err
}

// SetSessionAttributes replaces the attributes selected by mask with the
// corresponding bits of attrs.
func (c *Context) SetSessionAttributes(s *AuthSession, attrs, mask structures.SessionAttributes) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "SetSessionAttributes"
	if err := c.checkSession(s); err != nil {
		return localError(op, err)
	}
	next, err := structures.NewSessionAttributes(uint8(s.attrs.Apply(attrs, mask)))
	if err != nil {
		return localError(op, err)
	}
	if next&encryptionMask != 0 && s.sym.IsNull() {
		return localError(op, fmt.Errorf("%w: %s has no symmetric algorithm for parameter encryption", ErrInvalidArgument, s))
	}
	_, err = c.run(op, raw.SessionSetAttributes{
		Session:    s.handle.value,
		Attributes: uint8(attrs),
		Mask:       uint8(mask),
	}, nil)
	return err
}

// SetSessions sets the sessions the typed command methods attach. Slot i
// authorizes the command's i-th authorized handle; a nil slot uses the
// password. HMAC sessions in slots beyond a command's authorized handles
// are attached for parameter encryption.
func (c *Context) SetSessions(sessions ...*AuthSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "SetSessions"
	if len(sessions) > raw.MaxSessions {
		return localError(op, fmt.Errorf("%w: got %d", ErrTooManySessions, len(sessions)))
	}
	var next [raw.MaxSessions]*AuthSession
	for i, s := range sessions {
		if s == nil {
			continue
		}
		if err := c.checkSession(s); err != nil {
			return localError(op, err)
		}
		for j := 0; j < i; j++ {
			if next[j] == s {
				return localError(op, fmt.Errorf("%w: %s set twice", ErrSessionInUse, s))
			}
		}
		next[i] = s
	}
	c.defaults = next
	return nil
}

// Sessions returns the three session slots set by SetSessions.
func (c *Context) Sessions() []*AuthSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*AuthSession, raw.MaxSessions)
	copy(out, c.defaults[:])
	return out
}

// ClearSessions resets every slot to password authorization.
func (c *Context) ClearSessions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaults = [raw.MaxSessions]*AuthSession{}
}

// sessionsFor returns the sessions a typed command attaches to cmd.
func (c *Context) sessionsFor(cmd raw.Command) []*AuthSession {
	n := cmd.AuthHandles()
	var out []*AuthSession
	for i, s := range c.defaults {
		switch {
		case i < n:
			out = append(out, s)
		case s != nil && s.typ == SessionHMAC:
			out = append(out, s)
		}
	}
	return out
}
