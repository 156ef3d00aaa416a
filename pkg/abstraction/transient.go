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

// Package abstraction offers a simplified key API on top of esys. Keys
// live outside the TPM as saved contexts and are loaded only for the
// duration of a single operation.
package abstraction

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/jeremyhahn/go-esapi/pkg/esys"
	"github.com/jeremyhahn/go-esapi/pkg/logging"
	"github.com/jeremyhahn/go-esapi/pkg/rc"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

var (
	ErrWrongParamSize   = errors.New("abstraction: wrong parameter size")
	ErrUnsupportedParam = errors.New("abstraction: unsupported parameter")
)

// MaxAuthSize bounds the random auth values generated for the root key
// and for signing keys.
const MaxAuthSize = 32

var signingScheme = structures.Scheme{Alg: structures.AlgRSASSA, Hash: structures.AlgSHA256}

// TransientObjectContext keeps one RSA storage root and one salted HMAC
// session loaded. Every other key is handed to the caller as a saved
// context and flushed again after each call.
type TransientObjectContext struct {
	ctx     *esys.Context
	root    *esys.Handle
	session *esys.AuthSession
	logger  *logging.Logger
}

// Option configures a TransientObjectContext.
type Option func(*TransientObjectContext)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(t *TransientObjectContext) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func wrongSize(op, format string, args ...any) error {
	return &esys.Error{
		Class: esys.ClassLocalValidation,
		Op:    op,
		Kind:  rc.KindInvalidParameter,
		Err:   fmt.Errorf("%w: "+format, append([]any{ErrWrongParamSize}, args...)...),
	}
}

func checkRSABits(op string, bits int) error {
	if bits != 1024 && bits != 2048 {
		return wrongSize(op, "RSA key size %d, only 1024 and 2048 are supported", bits)
	}
	return nil
}

func checkAuthSize(op string, n int) error {
	if n < 0 || n > MaxAuthSize {
		return wrongSize(op, "auth size %d not in 0-%d", n, MaxAuthSize)
	}
	return nil
}

// NewTransientObjectContext creates the RSA storage root under the owner
// hierarchy with a random auth value of rootKeyAuthSize bytes and starts a
// session salted with it, using AES-256-CFB parameter encryption. The
// session becomes the default session of ctx. ownerAuth, when set, is the
// owner hierarchy's auth value.
//
// The returned context owns ctx and closes it on Close. On failure ctx is
// left open and the root key, if created, is flushed.
func NewTransientObjectContext(ctx *esys.Context, rootKeySize, rootKeyAuthSize int, ownerAuth []byte, opts ...Option) (*TransientObjectContext, error) {
	const op = "NewTransientObjectContext"
	if err := checkAuthSize(op, rootKeyAuthSize); err != nil {
		return nil, err
	}
	if err := checkRSABits(op, rootKeySize); err != nil {
		return nil, err
	}
	t := &TransientObjectContext{ctx: ctx, logger: logging.DefaultLogger()}
	for _, opt := range opts {
		opt(t)
	}

	var rootAuth []byte
	if rootKeyAuthSize > 0 {
		var err error
		if rootAuth, err = ctx.GetRandom(rootKeyAuthSize); err != nil {
			return nil, err
		}
	}
	if len(ownerAuth) > 0 {
		if err := ctx.SetHandleAuth(esys.Owner, ownerAuth); err != nil {
			return nil, err
		}
	}
	tmpl, err := structures.RSAStorageTemplate(uint16(rootKeySize))
	if err != nil {
		return nil, err
	}
	sensitive, err := structures.NewSensitiveCreate(rootAuth, nil)
	if err != nil {
		return nil, err
	}
	root, err := ctx.CreatePrimary(esys.Owner, tmpl, sensitive)
	if err != nil {
		return nil, err
	}
	session, err := ctx.StartAuthSession(esys.SessionHMAC, structures.AlgSHA256, structures.SessionContinue,
		esys.WithSaltKey(root), esys.WithSymmetric(structures.AES256CFB()))
	if err == nil {
		err = ctx.SetSessions(session)
	}
	if err != nil {
		if ferr := ctx.FlushContext(root); ferr != nil {
			t.logger.Warnf("abstraction: flushing root key: %v", ferr)
		}
		return nil, err
	}
	t.root, t.session = root, session
	t.logger.Debug("transient object context ready", "root", root.String(), "session", session.String())
	return t, nil
}

// setSessionAttrs turns on parameter encryption in both directions for
// the next command.
func (t *TransientObjectContext) setSessionAttrs() error {
	const enc = structures.SessionDecrypt | structures.SessionEncrypt
	return t.ctx.SetSessionAttributes(t.session, enc, enc)
}

// save context-saves a freshly loaded key and flushes it.
func (t *TransientObjectContext) save(key *esys.Handle) (saved *structures.SavedContext, err error) {
	defer func() { err = t.flush(key, err) }()
	if err := t.setSessionAttrs(); err != nil {
		return nil, err
	}
	return t.ctx.ContextSave(key)
}

// flush releases key and folds a flush failure into err.
func (t *TransientObjectContext) flush(key *esys.Handle, err error) error {
	if ferr := t.ctx.FlushContext(key); ferr != nil {
		t.logger.Warnf("abstraction: flushing %s: %v", key, ferr)
		return multierror.Append(err, ferr).ErrorOrNil()
	}
	return err
}

// withKey loads saved, runs fn with the loaded handle and flushes it on
// every path.
func (t *TransientObjectContext) withKey(saved *structures.SavedContext, fn func(*esys.Handle) error) (err error) {
	if err := t.setSessionAttrs(); err != nil {
		return err
	}
	key, err := t.ctx.ContextLoad(saved)
	if err != nil {
		return err
	}
	defer func() { err = t.flush(key, err) }()
	return fn(key)
}

// CreateRSASigningKey creates an RSASSA-SHA256 signing key of keySize bits
// under the root with a random auth value of authSize bytes. It returns
// the key's saved context and auth value.
func (t *TransientObjectContext) CreateRSASigningKey(keySize, authSize int) (*structures.SavedContext, []byte, error) {
	const op = "CreateRSASigningKey"
	if err := checkAuthSize(op, authSize); err != nil {
		return nil, nil, err
	}
	if err := checkRSABits(op, keySize); err != nil {
		return nil, nil, err
	}
	var auth []byte
	if authSize > 0 {
		if err := t.setSessionAttrs(); err != nil {
			return nil, nil, err
		}
		var err error
		if auth, err = t.ctx.GetRandom(authSize); err != nil {
			return nil, nil, err
		}
	}
	tmpl, err := structures.RSASigningTemplate(uint16(keySize), signingScheme)
	if err != nil {
		return nil, nil, err
	}
	sensitive, err := structures.NewSensitiveCreate(auth, nil)
	if err != nil {
		return nil, nil, err
	}
	if err := t.setSessionAttrs(); err != nil {
		return nil, nil, err
	}
	created, err := t.ctx.Create(t.root, tmpl, sensitive)
	if err != nil {
		return nil, nil, err
	}
	if err := t.setSessionAttrs(); err != nil {
		return nil, nil, err
	}
	key, err := t.ctx.Load(t.root, created.Private, created.Public)
	if err != nil {
		return nil, nil, err
	}
	saved, err := t.save(key)
	if err != nil {
		return nil, nil, err
	}
	return saved, auth, nil
}

// LoadExternalRSAPublicKey loads an RSA public key given by its 1024 or
// 2048 bit modulus under the owner hierarchy and returns its saved
// context.
func (t *TransientObjectContext) LoadExternalRSAPublicKey(modulus []byte) (*structures.SavedContext, error) {
	const op = "LoadExternalRSAPublicKey"
	if len(modulus) != 128 && len(modulus) != 256 {
		return nil, wrongSize(op, "modulus length %d, want 128 or 256", len(modulus))
	}
	pub, err := structures.NewPublicBuilder(structures.AlgRSA).
		WithAttributes(structures.AttrUserWithAuth | structures.AttrSignEncrypt).
		WithScheme(signingScheme).
		WithRSA(uint16(len(modulus)*8), 0).
		WithUnique(modulus).
		Build()
	if err != nil {
		return nil, err
	}
	if err := t.setSessionAttrs(); err != nil {
		return nil, err
	}
	key, err := t.ctx.LoadExternal(pub, esys.Owner)
	if err != nil {
		return nil, err
	}
	return t.save(key)
}

// ReadPublicKey returns the modulus of an RSA key.
func (t *TransientObjectContext) ReadPublicKey(saved *structures.SavedContext) ([]byte, error) {
	var modulus []byte
	err := t.withKey(saved, func(key *esys.Handle) error {
		if err := t.setSessionAttrs(); err != nil {
			return err
		}
		pub, _, err := t.ctx.ReadPublic(key)
		if err != nil {
			return err
		}
		if pub.Type() != structures.AlgRSA {
			return &esys.Error{
				Class: esys.ClassLocalValidation,
				Op:    "ReadPublicKey",
				Kind:  rc.KindInvalidParameter,
				Err:   fmt.Errorf("%w: %v key", ErrUnsupportedParam, pub.Type()),
			}
		}
		modulus = pub.Unique()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return modulus, nil
}

// Sign signs digest with the key's scheme, authorizing with auth.
func (t *TransientObjectContext) Sign(saved *structures.SavedContext, auth, digest []byte) (*structures.Signature, error) {
	var sig *structures.Signature
	err := t.withKey(saved, func(key *esys.Handle) error {
		if err := t.ctx.SetHandleAuth(key, auth); err != nil {
			return err
		}
		if err := t.setSessionAttrs(); err != nil {
			return err
		}
		var err error
		sig, err = t.ctx.Sign(key, digest, structures.NullScheme, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// VerifySignature checks sig over digest and returns the verification
// ticket.
func (t *TransientObjectContext) VerifySignature(saved *structures.SavedContext, digest []byte, sig *structures.Signature) (*structures.Ticket, error) {
	var ticket *structures.Ticket
	err := t.withKey(saved, func(key *esys.Handle) error {
		if err := t.setSessionAttrs(); err != nil {
			return err
		}
		var err error
		ticket, err = t.ctx.VerifySignature(key, digest, sig)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ticket, nil
}

// Context returns the underlying esys context.
func (t *TransientObjectContext) Context() *esys.Context {
	return t.ctx
}

// Close flushes the root key and the session and closes the esys context.
func (t *TransientObjectContext) Close() error {
	return t.ctx.Close()
}
