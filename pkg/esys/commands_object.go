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

// CreateResult holds the wrapped private and the public area of an object
// created under a parent. Load turns it into a handle.
type CreateResult struct {
	Private []byte
	Public  *structures.Public
}

var objectClasses = []HandleClass{HandleTransient, HandlePersistent}

// CreatePrimary creates a primary object under a hierarchy. A nil
// sensitive creates the object without auth value or data.
func (c *Context) CreatePrimary(hierarchy *Handle, public *structures.Public, sensitive *structures.SensitiveCreate) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "CreatePrimary"
	if err := c.checkHandle(hierarchy, HandlePermanent); err != nil {
		return nil, localError(op, err)
	}
	if !isHierarchy(hierarchy) {
		return nil, localError(op, fmt.Errorf("%w: %s is not a hierarchy", ErrWrongClass, hierarchy))
	}
	if public == nil {
		return nil, localError(op, fmt.Errorf("%w: nil public template", ErrInvalidArgument))
	}
	if sensitive == nil {
		sensitive = structures.EmptySensitive()
	}
	cmd := raw.CreatePrimary{
		PrimaryHandle: hierarchy.value,
		InSensitive:   sensitive.Marshal(),
		InPublic:      public.Marshal(),
		CreationPCR:   structures.PCRSelectionList{}.Marshal(),
	}
	res, err := c.run(op, cmd, c.sessionsFor(cmd))
	if err != nil {
		return nil, err
	}
	return res.Handle, nil
}

// Create creates an ordinary object under a loaded storage parent.
func (c *Context) Create(parent *Handle, public *structures.Public, sensitive *structures.SensitiveCreate) (*CreateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.create("Create", parent, public, sensitive)
}

func (c *Context) create(op string, parent *Handle, public *structures.Public, sensitive *structures.SensitiveCreate) (*CreateResult, error) {
	if err := c.checkParent(parent); err != nil {
		return nil, localError(op, err)
	}
	if public == nil {
		return nil, localError(op, fmt.Errorf("%w: nil public template", ErrInvalidArgument))
	}
	if sensitive == nil {
		sensitive = structures.EmptySensitive()
	}
	cmd := raw.Create{
		ParentHandle: parent.value,
		InSensitive:  sensitive.Marshal(),
		InPublic:     public.Marshal(),
		CreationPCR:  structures.PCRSelectionList{}.Marshal(),
	}
	res, err := c.run(op, cmd, c.sessionsFor(cmd))
	if err != nil {
		return nil, err
	}
	out, ok := res.Out.(raw.CreateOut)
	if !ok {
		return nil, c.unexpected(op, res.Out)
	}
	pub, err := structures.UnmarshalPublic(out.OutPublic)
	if err != nil {
		return nil, protocolError(op, err)
	}
	return &CreateResult{Private: out.OutPrivate, Public: pub}, nil
}

// checkParent accepts registered objects that can act as storage parents.
func (c *Context) checkParent(parent *Handle) error {
	if err := c.checkHandle(parent, objectClasses...); err != nil {
		return err
	}
	if parent.public != nil && !parent.public.IsStorageParent() {
		return fmt.Errorf("%w: %s is not a storage parent", ErrInvalidArgument, parent)
	}
	return nil
}

// Load loads an object created under parent.
func (c *Context) Load(parent *Handle, private []byte, public *structures.Public) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "Load"
	if err := c.checkParent(parent); err != nil {
		return nil, localError(op, err)
	}
	if len(private) == 0 || public == nil {
		return nil, localError(op, fmt.Errorf("%w: private and public parts are required", ErrInvalidArgument))
	}
	cmd := raw.Load{ParentHandle: parent.value, InPrivate: private, InPublic: public.Marshal()}
	res, err := c.run(op, cmd, c.sessionsFor(cmd))
	if err != nil {
		return nil, err
	}
	return res.Handle, nil
}

// LoadExternal loads a public key without its private part. A nil
// hierarchy loads it under the null hierarchy.
func (c *Context) LoadExternal(public *structures.Public, hierarchy *Handle) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "LoadExternal"
	if hierarchy == nil {
		hierarchy = Null
	}
	if err := c.checkHandle(hierarchy, HandlePermanent); err != nil {
		return nil, localError(op, err)
	}
	if public == nil {
		return nil, localError(op, fmt.Errorf("%w: nil public area", ErrInvalidArgument))
	}
	cmd := raw.LoadExternal{InPublic: public.Marshal(), Hierarchy: hierarchy.value}
	res, err := c.run(op, cmd, c.sessionsFor(cmd))
	if err != nil {
		return nil, err
	}
	return res.Handle, nil
}

// ReadPublic reads an object's public area and name and refreshes them on
// the handle.
func (c *Context) ReadPublic(object *Handle) (*structures.Public, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readPublic("ReadPublic", object)
}

func (c *Context) readPublic(op string, object *Handle) (*structures.Public, []byte, error) {
	if err := c.checkHandle(object, objectClasses...); err != nil {
		return nil, nil, localError(op, err)
	}
	cmd := raw.ReadPublic{ObjectHandle: object.value}
	res, err := c.run(op, cmd, c.sessionsFor(cmd))
	if err != nil {
		return nil, nil, err
	}
	out := res.Out.(raw.ReadPublicOut)
	pub, err := structures.UnmarshalPublic(out.OutPublic)
	if err != nil {
		return nil, nil, protocolError(op, err)
	}
	return pub, append([]byte(nil), out.Name...), nil
}

// Sign signs a digest with a signing key. A null scheme uses the key's
// scheme; a nil validation uses the null hash check ticket, which is
// accepted by unrestricted keys.
func (c *Context) Sign(key *Handle, digest []byte, scheme structures.Scheme, validation *structures.Ticket) (*structures.Signature, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "Sign"
	if err := c.checkHandle(key, objectClasses...); err != nil {
		return nil, localError(op, err)
	}
	if key.public != nil && !key.public.IsSigningKey() {
		return nil, localError(op, fmt.Errorf("%w: %s is not a signing key", ErrInvalidArgument, key))
	}
	if len(digest) == 0 || len(digest) > structures.MaxAuthSize {
		return nil, localError(op, fmt.Errorf("%w: digest length %d", ErrInvalidArgument, len(digest)))
	}
	if validation == nil {
		validation = structures.NullHashCheck()
	}
	cmd := raw.Sign{
		KeyHandle:  key.value,
		Digest:     digest,
		Scheme:     structures.MarshalScheme(scheme),
		Validation: validation.Marshal(),
	}
	res, err := c.run(op, cmd, c.sessionsFor(cmd))
	if err != nil {
		return nil, err
	}
	sig, err := structures.UnmarshalSignature(res.Out.(raw.SignOut).Signature)
	if err != nil {
		return nil, protocolError(op, err)
	}
	return sig, nil
}

// VerifySignature checks a signature over digest with a loaded key and
// returns the verification ticket.
func (c *Context) VerifySignature(key *Handle, digest []byte, signature *structures.Signature) (*structures.Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "VerifySignature"
	if err := c.checkHandle(key, objectClasses...); err != nil {
		return nil, localError(op, err)
	}
	if len(digest) == 0 || len(digest) > structures.MaxAuthSize {
		return nil, localError(op, fmt.Errorf("%w: digest length %d", ErrInvalidArgument, len(digest)))
	}
	if signature == nil {
		return nil, localError(op, fmt.Errorf("%w: nil signature", ErrInvalidArgument))
	}
	cmd := raw.VerifySignature{KeyHandle: key.value, Digest: digest, Signature: signature.Marshal()}
	res, err := c.run(op, cmd, c.sessionsFor(cmd))
	if err != nil {
		return nil, err
	}
	ticket, err := structures.UnmarshalTicket(res.Out.(raw.VerifySignatureOut).Validation)
	if err != nil {
		return nil, protocolError(op, err)
	}
	return ticket, nil
}

// Seal creates a sealed data object holding data under parent. With a
// policy the object is unsealed through a matching policy session,
// otherwise with auth.
func (c *Context) Seal(parent *Handle, data, auth, policy []byte) (*CreateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "Seal"
	nameAlg := structures.AlgSHA256
	if len(policy) > 0 {
		for _, alg := range []structures.AlgorithmID{structures.AlgSHA1, structures.AlgSHA256, structures.AlgSHA384, structures.AlgSHA512} {
			if alg.DigestSize() == len(policy) {
				nameAlg = alg
				break
			}
		}
	}
	tmpl, err := structures.SealedDataTemplate(nameAlg, policy)
	if err != nil {
		return nil, localError(op, err)
	}
	sensitive, err := structures.NewSensitiveCreate(auth, data)
	if err != nil {
		return nil, localError(op, err)
	}
	return c.create(op, parent, tmpl, sensitive)
}

// Unseal returns the data of a loaded sealed data object.
func (c *Context) Unseal(item *Handle) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "Unseal"
	if err := c.checkHandle(item, objectClasses...); err != nil {
		return nil, localError(op, err)
	}
	cmd := raw.Unseal{ItemHandle: item.value}
	res, err := c.run(op, cmd, c.sessionsFor(cmd))
	if err != nil {
		return nil, err
	}
	return res.Out.(raw.UnsealOut).OutData, nil
}
