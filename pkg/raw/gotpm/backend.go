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

// Package gotpm implements raw.Surface on top of go-tpm's tpm2 command
// package. It keeps the per-handle metadata go-tpm expects callers to carry
// (names, auth values and session objects) so commands can be expressed with
// plain handle values.
//
// go-tpm fixes a session's parameter encryption when the session starts.
// Changing the decrypt or encrypt attribute of a started session therefore
// fails with an ESAPI NotSupported code; every other attribute may change.
// Only AES in CFB mode is accepted for parameter encryption.
package gotpm

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/jeremyhahn/go-esapi/pkg/logging"
	"github.com/jeremyhahn/go-esapi/pkg/raw"
	"github.com/jeremyhahn/go-esapi/pkg/rc"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

const nonceSize = 16

// Handle type octets.
const (
	htPCR        = 0x00
	htNVIndex    = 0x01
	htHMAC       = 0x02
	htPolicy     = 0x03
	htPermanent  = 0x40
	htTransient  = 0x80
	htPersistent = 0x81
)

// Backend is a raw.Surface backed by a go-tpm transport.
type Backend struct {
	mu        sync.Mutex
	transport transport.TPM
	closer    io.Closer
	logger    *logging.Logger
	names     map[uint32][]byte
	auth      map[uint32][]byte
	sessions  map[uint32]*session
	closed    bool
}

// New returns a backend issuing commands over t. closer, when not nil, is
// closed by Close after every session has been flushed.
func New(t transport.TPM, closer io.Closer, logger *logging.Logger) *Backend {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Backend{
		transport: t,
		closer:    closer,
		logger:    logger,
		names:     make(map[uint32][]byte),
		auth:      make(map[uint32][]byte),
		sessions:  make(map[uint32]*session),
	}
}

// Transport returns the underlying go-tpm transport.
func (b *Backend) Transport() transport.TPM {
	return b.transport
}

// Dispatch implements raw.Surface.
func (b *Backend) Dispatch(cmd raw.Command, sessions []uint32) (*raw.Reply, rc.ReturnCode) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, raw.TCTIError(rc.NoConnection)
	}
	if len(sessions) > raw.MaxSessions {
		return nil, raw.ESAPIError(rc.InvalidSessions)
	}
	if cmd.Code().IsLocal() {
		out, code := b.local(cmd)
		if code != rc.Success {
			return nil, code
		}
		return &raw.Reply{Out: out}, rc.Success
	}
	auths, extra, code := b.authorizations(cmd, sessions)
	if code != rc.Success {
		return nil, code
	}
	out, code := b.execute(cmd, auths, extra)
	if code != rc.Success {
		b.logger.Debug("command failed", "command", cmd.Code().String(), "rc", code.String())
		return nil, code
	}
	return &raw.Reply{Out: out, Continued: b.afterCommand(sessions)}, rc.Success
}

// Close flushes the sessions the backend started and closes the transport.
func (b *Backend) Close() rc.ReturnCode {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return rc.Success
	}
	b.closed = true
	code := rc.Success
	for h, s := range b.sessions {
		if err := s.closer(); err != nil {
			b.logger.Errorf("gotpm: flushing session 0x%08x: %v", h, err)
			code = codeOf(err)
		}
		delete(b.sessions, h)
	}
	if b.closer != nil {
		if err := b.closer.Close(); err != nil {
			b.logger.Error(err)
			return raw.TCTIError(rc.IOError)
		}
	}
	return code
}

func (b *Backend) local(cmd raw.Command) (any, rc.ReturnCode) {
	switch c := cmd.(type) {
	case raw.SetAuth:
		if len(c.Auth) > structures.MaxAuthSize {
			return nil, raw.ESAPIError(rc.BadSize)
		}
		b.auth[c.Handle] = append([]byte(nil), c.Auth...)
		return nil, rc.Success
	case raw.TRClose:
		switch handleType(c.Handle) {
		case htPersistent, htNVIndex:
		default:
			return nil, raw.ESAPIError(rc.BadTR)
		}
		delete(b.auth, c.Handle)
		delete(b.names, c.Handle)
		return nil, rc.Success
	case raw.TRFromTPMPublic:
		return b.fromTPMPublic(c.Handle)
	case raw.SessionSetAttributes:
		return nil, b.setSessionAttributes(c)
	}
	return nil, raw.ESAPIError(rc.NotImplemented)
}

func (b *Backend) fromTPMPublic(h uint32) (any, rc.ReturnCode) {
	switch handleType(h) {
	case htPersistent:
		rsp, err := tpm2.ReadPublic{ObjectHandle: tpm2.TPMHandle(h)}.Execute(b.transport)
		if err != nil {
			return nil, codeOf(err)
		}
		pub, err := rsp.OutPublic.Contents()
		if err != nil {
			return nil, raw.ESAPIError(rc.MalformedResponse)
		}
		b.names[h] = rsp.Name.Buffer
		return raw.TRFromTPMPublicOut{Name: rsp.Name.Buffer, Public: tpm2.Marshal(*pub)}, rc.Success
	case htNVIndex:
		rsp, err := tpm2.NVReadPublic{NVIndex: tpm2.TPMHandle(h)}.Execute(b.transport)
		if err != nil {
			return nil, codeOf(err)
		}
		pub, err := rsp.NVPublic.Contents()
		if err != nil {
			return nil, raw.ESAPIError(rc.MalformedResponse)
		}
		b.names[h] = rsp.NVName.Buffer
		return raw.TRFromTPMPublicOut{Name: rsp.NVName.Buffer, Public: tpm2.Marshal(*pub)}, rc.Success
	}
	return nil, rc.Handle.WithHandle(1)
}

// nameOf returns the name go-tpm needs to authorize h, reading it from the
// TPM the first time an object or NV index is referenced.
func (b *Backend) nameOf(h uint32) ([]byte, rc.ReturnCode) {
	if name, ok := b.names[h]; ok {
		return name, rc.Success
	}
	switch handleType(h) {
	case htTransient, htPersistent:
		rsp, err := tpm2.ReadPublic{ObjectHandle: tpm2.TPMHandle(h)}.Execute(b.transport)
		if err != nil {
			return nil, codeOf(err)
		}
		b.names[h] = rsp.Name.Buffer
		return rsp.Name.Buffer, rc.Success
	case htNVIndex:
		rsp, err := tpm2.NVReadPublic{NVIndex: tpm2.TPMHandle(h)}.Execute(b.transport)
		if err != nil {
			return nil, codeOf(err)
		}
		b.names[h] = rsp.NVName.Buffer
		return rsp.NVName.Buffer, rc.Success
	}
	return binary.BigEndian.AppendUint32(nil, h), rc.Success
}

func (b *Backend) named(h uint32) (tpm2.NamedHandle, rc.ReturnCode) {
	name, code := b.nameOf(h)
	if code != rc.Success {
		return tpm2.NamedHandle{}, code
	}
	return tpm2.NamedHandle{Handle: tpm2.TPMHandle(h), Name: tpm2.TPM2BName{Buffer: name}}, rc.Success
}

func (b *Backend) forget(h uint32) {
	delete(b.names, h)
	delete(b.auth, h)
}

func handleType(h uint32) uint8 {
	return uint8(h >> 24)
}

// codeOf maps an error returned by go-tpm to a return code. TPM responses
// keep their code; connection failures map to the TCTI layer and anything
// else to a malformed response.
func codeOf(err error) rc.ReturnCode {
	if err == nil {
		return rc.Success
	}
	var tpmErr tpm2.TPMRC
	if errors.As(err, &tpmErr) {
		return rc.ReturnCode(tpmErr)
	}
	var netErr net.Error
	var pathErr *os.PathError
	var sysErr *os.SyscallError
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe), errors.Is(err, os.ErrClosed):
		return raw.TCTIError(rc.IOError)
	case errors.As(err, &netErr), errors.As(err, &pathErr), errors.As(err, &sysErr):
		return raw.TCTIError(rc.IOError)
	}
	return raw.ESAPIError(rc.MalformedResponse)
}
