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

// Package esys is a type and lifetime safe layer over a raw TPM 2.0 call
// surface.
//
// A Context owns one TPM connection and a registry of every handle it
// created. Handles are registered only after the TPM confirmed the command
// that produced them and deregistered only after the command releasing them
// succeeded, so a Handle that is not registered can never reach the TPM.
// Close releases every registered handle exactly once and reports the ones
// that failed as a multierror of *FlushError values.
//
// Authorization sessions follow an explicit state machine. A started
// session is Idle, it is InUse while a command it authorizes is in flight,
// and it ends when the TPM reports it was not continued or when it is
// flushed. Policy and trial sessions mirror their policy digest on the
// client so a mismatching policy session is refused before any native call.
//
// A Context serializes every command. Handles and sessions are bound to the
// Context that issued them and are rejected by any other.
package esys

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/jeremyhahn/go-esapi/pkg/logging"
	"github.com/jeremyhahn/go-esapi/pkg/metrics"
	"github.com/jeremyhahn/go-esapi/pkg/raw"
	"github.com/jeremyhahn/go-esapi/pkg/raw/gotpm"
	"github.com/jeremyhahn/go-esapi/pkg/rc"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

// Context owns one TPM connection and the handles created through it.
type Context struct {
	mu       sync.Mutex
	id       uuid.UUID
	surface  raw.Surface
	registry *registry
	logger   *logging.Logger
	defaults [raw.MaxSessions]*AuthSession
	closed   bool
}

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the context logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Context) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMaxObjects bounds the transient objects the context registers.
func WithMaxObjects(n int) Option {
	return func(c *Context) {
		c.registry.setLimit(HandleTransient, n)
	}
}

// WithMaxSessions bounds the sessions the context registers.
func WithMaxSessions(n int) Option {
	return func(c *Context) {
		c.registry.setLimit(HandleSession, n)
	}
}

// Result is the outcome of ExecuteWithSessions. Handle is set when the
// command created or resolved a handle, Session when it started a session.
type Result struct {
	Out     any
	Handle  *Handle
	Session *AuthSession
}

func newContext(opts []Option) *Context {
	c := &Context{
		id:       uuid.New(),
		registry: newRegistry(),
		logger:   logging.DefaultLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("context", c.id.String())
	return c
}

// Open connects to the TPM selected by cfg. A nil cfg uses DefaultConfig.
func Open(cfg *Config, opts ...Option) (*Context, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, localError("Open", err)
	}
	base := []Option{
		WithLogger(logging.NewLogger(cfg.Debug)),
		WithMaxObjects(cfg.MaxObjects),
		WithMaxSessions(cfg.MaxSessions),
	}
	c := newContext(append(base, opts...))
	backend, err := gotpm.Open(cfg.target(), c.logger)
	if err != nil {
		return nil, &Error{Class: ClassConnection, Op: "Open", Kind: rc.KindTransportFailure, Err: err}
	}
	c.surface = backend
	c.opened()
	return c, nil
}

// New wraps an open raw surface. The context closes it on Close.
func New(surface raw.Surface, opts ...Option) (*Context, error) {
	if surface == nil {
		return nil, localError("New", fmt.Errorf("%w: nil surface", ErrInvalidArgument))
	}
	c := newContext(opts)
	c.surface = surface
	c.opened()
	return c, nil
}

func (c *Context) opened() {
	metrics.ContextOpened()
	c.logger.Debug("context opened")
}

// ID returns the identifier used to label the context's log records.
func (c *Context) ID() uuid.UUID {
	return c.id
}

// Handles returns the registered handles in creation order.
func (c *Context) Handles() []*Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.handles()
}

// HandleCount returns the number of registered handles.
func (c *Context) HandleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.len()
}

// Lookup returns the registered handle with the given native value.
func (c *Context) Lookup(value uint32) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.lookup(value)
}

// ExecuteWithSessions dispatches cmd with up to three sessions. A nil
// session authorizes with the entity's password; missing authorization
// slots are filled with password authorizations. Every handle referenced
// by cmd must be registered unless it is a permanent or PCR handle. Handles
// the command creates are registered, and handles it releases
// deregistered, before ExecuteWithSessions returns.
func (c *Context) ExecuteWithSessions(cmd raw.Command, sessions ...*AuthSession) (*Result, error) {
	if cmd == nil {
		return nil, localError("ExecuteWithSessions", fmt.Errorf("%w: nil command", ErrInvalidArgument))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run(cmd.Code().String(), cmd, sessions)
}

// run executes cmd and applies its effect on the registry.
func (c *Context) run(op string, cmd raw.Command, sessions []*AuthSession) (*Result, error) {
	reply, err := c.execute(op, cmd, sessions)
	if err != nil {
		return nil, err
	}
	return c.absorb(op, cmd, reply.Out)
}

func (c *Context) execute(op string, cmd raw.Command, sessions []*AuthSession) (*raw.Reply, error) {
	if c.closed {
		return nil, &Error{Class: ClassConnection, Op: op, Kind: rc.KindTransportFailure, Err: ErrClosed}
	}
	if len(sessions) > raw.MaxSessions {
		return nil, localError(op, fmt.Errorf("%w: got %d", ErrTooManySessions, len(sessions)))
	}
	sessions = append([]*AuthSession(nil), sessions...)
	for len(sessions) < cmd.AuthHandles() {
		sessions = append(sessions, nil)
	}
	if err := c.checkHandles(cmd); err != nil {
		return nil, localError(op, err)
	}
	if class, ok := produces(cmd); ok && c.registry.full(class) {
		return nil, localError(op, fmt.Errorf("%w: %d %s handles registered", ErrCapacity, c.registry.count(class), class))
	}
	if err := c.attach(cmd, sessions); err != nil {
		return nil, localError(op, err)
	}

	values := make([]uint32, len(sessions))
	for i, s := range sessions {
		values[i] = raw.RSPassword
		if s != nil {
			values[i] = s.handle.value
		}
	}
	name := cmd.Code().String()
	start := time.Now()
	reply, code := c.surface.Dispatch(cmd, values)
	elapsed := time.Since(start)
	metrics.RecordCommand(name, metrics.StatusOf(code == rc.Success), elapsed.Seconds())
	c.logger.Debug("dispatch", "command", name, "sessions", len(sessions), "duration", elapsed, "rc", code.String())

	if code != rc.Success {
		c.detach(sessions)
		e := codeError(op, code)
		metrics.RecordError(name, e.Kind.String())
		return nil, e
	}
	if reply == nil {
		reply = &raw.Reply{}
	}
	c.complete(cmd, sessions, reply.Continued)
	return reply, nil
}

// checkHandles verifies every handle of cmd is known to the context.
func (c *Context) checkHandles(cmd raw.Command) error {
	for _, v := range cmd.Handles() {
		class, ok := ClassOf(v)
		if !ok {
			return fmt.Errorf("%w: 0x%08x", ErrUnknownHandle, v)
		}
		if class == HandlePermanent || class == HandlePCR {
			continue
		}
		if _, ok := c.registry.lookup(v); !ok {
			return fmt.Errorf("%w: 0x%08x", ErrUnknownHandle, v)
		}
	}
	return nil
}

// checkHandle verifies h was issued by this context, is still registered
// and, when classes are given, has one of them.
func (c *Context) checkHandle(h *Handle, classes ...HandleClass) error {
	if h == nil {
		return fmt.Errorf("%w: nil handle", ErrInvalidArgument)
	}
	if len(classes) > 0 {
		ok := false
		for _, class := range classes {
			if h.class == class {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrWrongClass, h)
		}
	}
	if h.unowned() {
		return nil
	}
	if h.owner != c {
		return fmt.Errorf("%w: %s", ErrForeignHandle, h)
	}
	if !c.registry.contains(h) {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return nil
}

// checkSession verifies s can be attached to a command.
func (c *Context) checkSession(s *AuthSession) error {
	if s == nil || s.handle == nil {
		return fmt.Errorf("%w: nil session", ErrInvalidArgument)
	}
	if s.handle.owner != c {
		return fmt.Errorf("%w: %s", ErrForeignHandle, s.handle)
	}
	switch s.state {
	case SessionEnded:
		return fmt.Errorf("%w: %s", ErrSessionEnded, s.handle)
	case SessionInUse:
		return fmt.Errorf("%w: %s", ErrSessionInUse, s.handle)
	}
	if !c.registry.contains(s.handle) {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, s.handle)
	}
	return nil
}

// attach moves every session to InUse. Sessions in authorization slots are
// checked against the entity they authorize. On failure no session is left
// attached.
func (c *Context) attach(cmd raw.Command, sessions []*AuthSession) error {
	handles := cmd.Handles()
	n := cmd.AuthHandles()
	var attached []*AuthSession
	fail := func(err error) error {
		c.detach(attached)
		return err
	}
	for i, s := range sessions {
		if s == nil {
			if i >= n {
				return fail(fmt.Errorf("%w: password authorization in session slot %d without an authorized handle", ErrInvalidArgument, i+1))
			}
			continue
		}
		if err := c.checkSession(s); err != nil {
			return fail(err)
		}
		if i < n {
			if err := c.checkPolicy(s, handles[i]); err != nil {
				return fail(err)
			}
		}
		s.state = SessionInUse
		attached = append(attached, s)
	}
	return nil
}

// checkPolicy refuses trial sessions and policy sessions whose digest does
// not match the auth policy of the entity they authorize.
func (c *Context) checkPolicy(s *AuthSession, entity uint32) error {
	switch s.typ {
	case SessionTrial:
		return fmt.Errorf("%w: %s", ErrTrialSession, s.handle)
	case SessionPolicy:
		h, ok := c.registry.lookup(entity)
		if !ok {
			return nil
		}
		if policy := h.authPolicy(); len(policy) > 0 && !bytes.Equal(policy, s.digest) {
			return fmt.Errorf("%w: %s", ErrPolicyMismatch, h)
		}
	}
	return nil
}

// detach returns sessions to Idle after a failed command.
func (c *Context) detach(sessions []*AuthSession) {
	for _, s := range sessions {
		if s != nil && s.state == SessionInUse {
			s.state = SessionIdle
		}
	}
}

// complete applies the TPM's continueSession report after a successful
// command. Policy sessions that authorized the command start over.
func (c *Context) complete(cmd raw.Command, sessions []*AuthSession, continued []bool) {
	n := cmd.AuthHandles()
	for i, s := range sessions {
		if s == nil {
			continue
		}
		if i < n && s.typ == SessionPolicy {
			s.resetDigest()
		}
		if i < len(continued) && continued[i] {
			s.state = SessionIdle
			continue
		}
		c.logger.Debug("session ended", "session", s.handle.String())
		c.endSession(s)
	}
}

// endSession moves s to Ended and forgets it.
func (c *Context) endSession(s *AuthSession) {
	s.state = SessionEnded
	c.registry.remove(s.handle)
	for i, d := range c.defaults {
		if d == s {
			c.defaults[i] = nil
		}
	}
}

// produces returns the class of the handle cmd creates.
func produces(cmd raw.Command) (HandleClass, bool) {
	switch cmd.(type) {
	case raw.CreatePrimary, raw.Load, raw.LoadExternal, raw.ContextLoad:
		return HandleTransient, true
	case raw.StartAuthSession:
		return HandleSession, true
	}
	return 0, false
}

// register adds a handle created by a confirmed command.
// register adds a handle the TPM just produced. A handle that cannot be
// registered is flushed again so it does not hold a TPM slot.
func (c *Context) register(op string, h *Handle) error {
	h.owner = c
	err := c.registry.add(h)
	if err == nil {
		return nil
	}
	perr := protocolError(op, fmt.Errorf("%w: TPM returned %s", err, h))
	if h.class != HandleTransient && h.class != HandleSession {
		return perr
	}
	if ferr := c.release(h); ferr != nil {
		c.logger.Errorf("esys: flushing unregistered %s: %v", h, ferr)
		return multierror.Append(perr, &FlushError{Handle: h.value, Class: h.class, Err: ferr})
	}
	return perr
}

func (c *Context) unexpected(op string, out any) error {
	return protocolError(op, fmt.Errorf("unexpected reply %T", out))
}

// absorb applies the effect of a successful command on the registry and
// the session table.
func (c *Context) absorb(op string, cmd raw.Command, out any) (*Result, error) {
	res := &Result{Out: out}
	switch x := cmd.(type) {
	case raw.StartAuthSession:
		o, ok := out.(raw.StartAuthSessionOut)
		if !ok {
			return nil, c.unexpected(op, out)
		}
		s := newAuthSession(x)
		s.handle = &Handle{value: o.SessionHandle, class: HandleSession, session: s}
		if err := c.register(op, s.handle); err != nil {
			return nil, err
		}
		res.Handle, res.Session = s.handle, s

	case raw.CreatePrimary:
		o, ok := out.(raw.CreatePrimaryOut)
		if !ok {
			return nil, c.unexpected(op, out)
		}
		h := &Handle{value: o.ObjectHandle, class: HandleTransient, name: o.Name, public: c.parsePublic(o.OutPublic)}
		if err := c.register(op, h); err != nil {
			return nil, err
		}
		res.Handle = h

	case raw.Load:
		o, ok := out.(raw.LoadOut)
		if !ok {
			return nil, c.unexpected(op, out)
		}
		h := &Handle{value: o.ObjectHandle, class: HandleTransient, name: o.Name, public: c.parsePublic(x.InPublic)}
		if err := c.register(op, h); err != nil {
			return nil, err
		}
		res.Handle = h

	case raw.LoadExternal:
		o, ok := out.(raw.LoadExternalOut)
		if !ok {
			return nil, c.unexpected(op, out)
		}
		h := &Handle{value: o.ObjectHandle, class: HandleTransient, name: o.Name, public: c.parsePublic(x.InPublic)}
		if err := c.register(op, h); err != nil {
			return nil, err
		}
		res.Handle = h

	case raw.ContextLoad:
		o, ok := out.(raw.ContextLoadOut)
		if !ok {
			return nil, c.unexpected(op, out)
		}
		if existing, ok := c.registry.lookup(o.LoadedHandle); ok && existing.class == HandleSession {
			res.Handle, res.Session = existing, existing.session
			break
		}
		h := &Handle{value: o.LoadedHandle, class: HandleTransient, name: o.Name}
		if err := c.register(op, h); err != nil {
			return nil, err
		}
		res.Handle = h

	case raw.EvictControl:
		o, ok := out.(raw.EvictControlOut)
		if !ok {
			return nil, c.unexpected(op, out)
		}
		if o.NewHandle == 0 {
			if h, ok := c.registry.lookup(x.ObjectHandle); ok {
				c.registry.remove(h)
			}
			break
		}
		h := &Handle{value: o.NewHandle, class: HandlePersistent, name: o.Name}
		if obj, ok := c.registry.lookup(x.ObjectHandle); ok {
			h.public = obj.public
		}
		if err := c.register(op, h); err != nil {
			return nil, err
		}
		res.Handle = h

	case raw.NVDefineSpace:
		o, ok := out.(raw.NVDefineSpaceOut)
		if !ok {
			return nil, c.unexpected(op, out)
		}
		h := &Handle{value: o.NVIndex, class: HandleNVIndex, name: o.Name}
		if pub, err := structures.UnmarshalNVPublic(x.PublicInfo); err == nil {
			h.nvPublic = pub
		}
		if err := c.register(op, h); err != nil {
			return nil, err
		}
		res.Handle = h

	case raw.TRFromTPMPublic:
		o, ok := out.(raw.TRFromTPMPublicOut)
		if !ok {
			return nil, c.unexpected(op, out)
		}
		if existing, ok := c.registry.lookup(x.Handle); ok {
			res.Handle = existing
			break
		}
		class, _ := ClassOf(x.Handle)
		h := &Handle{value: x.Handle, class: class, name: o.Name}
		switch class {
		case HandlePersistent:
			h.public = c.parsePublic(o.Public)
		case HandleNVIndex:
			pub, err := structures.UnmarshalNVPublic(o.Public)
			if err != nil {
				return nil, protocolError(op, err)
			}
			h.nvPublic = pub
		default:
			return nil, protocolError(op, fmt.Errorf("%w: %s", ErrWrongClass, h))
		}
		if err := c.register(op, h); err != nil {
			return nil, err
		}
		res.Handle = h

	case raw.FlushContext:
		if h, ok := c.registry.lookup(x.FlushHandle); ok {
			if h.session != nil {
				c.endSession(h.session)
			} else {
				c.registry.remove(h)
			}
		}

	case raw.NVUndefineSpace:
		if h, ok := c.registry.lookup(x.NVIndex); ok {
			c.registry.remove(h)
		}

	case raw.TRClose:
		if h, ok := c.registry.lookup(x.Handle); ok {
			c.registry.remove(h)
		}

	case raw.ReadPublic:
		o, ok := out.(raw.ReadPublicOut)
		if !ok {
			return nil, c.unexpected(op, out)
		}
		if h, ok := c.registry.lookup(x.ObjectHandle); ok {
			h.name = o.Name
			if pub := c.parsePublic(o.OutPublic); pub != nil {
				h.public = pub
			}
			res.Handle = h
		}

	case raw.NVReadPublic:
		o, ok := out.(raw.NVReadPublicOut)
		if !ok {
			return nil, c.unexpected(op, out)
		}
		if h, ok := c.registry.lookup(x.NVIndex); ok {
			h.name = o.NVName
			if pub, err := structures.UnmarshalNVPublic(o.NVPublic); err == nil {
				h.nvPublic = pub
			}
			res.Handle = h
		}

	case raw.NVWrite:
		if h, ok := c.registry.lookup(x.NVIndex); ok && h.nvPublic != nil {
			attrs := h.nvPublic.Attributes()
			if !attrs.Has(structures.NVWritten) {
				h.nvPublic = h.nvPublic.WithAttributes(attrs | structures.NVWritten)
				h.name = h.nvPublic.Name()
			}
		}

	case raw.SessionSetAttributes:
		if h, ok := c.registry.lookup(x.Session); ok && h.session != nil {
			s := h.session
			s.attrs = s.attrs.Apply(structures.SessionAttributes(x.Attributes), structures.SessionAttributes(x.Mask))
			res.Session = s
		}

	case raw.PolicyPCR, raw.PolicyAuthValue, raw.PolicyPassword, raw.PolicyCommandCode,
		raw.PolicyRestart, raw.PolicyGetDigest:
		if err := c.trackPolicy(op, cmd, out); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// parsePublic decodes a public area the TPM accepted or returned. Areas
// this package cannot represent leave the handle without a public area.
func (c *Context) parsePublic(b []byte) *structures.Public {
	pub, err := structures.UnmarshalPublic(b)
	if err != nil {
		c.logger.Debug("public area not decoded", "error", err)
		return nil
	}
	return pub
}

// FlushContext releases a transient object or a session. The handle must
// be registered; it is deregistered only once the TPM confirmed the flush.
func (c *Context) FlushContext(h *Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "FlushContext"
	if err := c.checkHandle(h, HandleTransient, HandleSession); err != nil {
		return localError(op, err)
	}
	if h.session != nil {
		if err := c.checkSession(h.session); err != nil {
			return localError(op, err)
		}
	}
	_, err := c.run(op, raw.FlushContext{FlushHandle: h.value}, nil)
	return err
}

// Close releases every registered handle and closes the connection.
// Transient objects are flushed first, then persistent objects and NV
// indices are closed, then sessions are flushed. Failures do not stop the
// teardown; they are returned together as a *multierror.Error. Closing a
// closed context does nothing.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	var result *multierror.Error
	order := c.registry.teardownOrder()
	failed := 0
	for _, h := range order {
		if err := c.release(h); err != nil {
			failed++
			c.logger.Errorf("esys: releasing %s: %v", h, err)
			metrics.RecordTeardownFailure(h.class.String())
			result = multierror.Append(result, &FlushError{Handle: h.value, Class: h.class, Err: err})
		}
		c.registry.remove(h)
		if h.session != nil {
			h.session.state = SessionEnded
		}
	}
	c.defaults = [raw.MaxSessions]*AuthSession{}
	c.closed = true
	if code := c.surface.Close(); code != rc.Success {
		result = multierror.Append(result, codeError("Close", code))
	}
	metrics.ContextClosed()
	c.logger.Debug("context closed", "released", len(order), "failed", failed)
	return result.ErrorOrNil()
}

// release frees one handle during teardown.
func (c *Context) release(h *Handle) error {
	var cmd raw.Command = raw.FlushContext{FlushHandle: h.value}
	if h.class == HandlePersistent || h.class == HandleNVIndex {
		cmd = raw.TRClose{Handle: h.value}
	}
	name := cmd.Code().String()
	start := time.Now()
	_, code := c.surface.Dispatch(cmd, nil)
	metrics.RecordCommand(name, metrics.StatusOf(code == rc.Success), time.Since(start).Seconds())
	if code != rc.Success {
		e := codeError("Close", code)
		metrics.RecordError(name, e.Kind.String())
		return e
	}
	return nil
}
