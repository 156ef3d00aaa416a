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
	"encoding/binary"
	"fmt"

	"github.com/jeremyhahn/go-esapi/pkg/raw"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

// extend folds one assertion into the policy digest:
// digest' = H(digest || commandCode || params...).
func (s *AuthSession) extend(cc raw.CommandCode, params ...[]byte) {
	h := s.hash.Hash().New()
	h.Write(s.digest)
	h.Write(binary.BigEndian.AppendUint32(nil, uint32(cc)))
	for _, p := range params {
		h.Write(p)
	}
	s.digest = h.Sum(nil)
}

// trackPolicy mirrors a successful policy command on the client digest.
func (c *Context) trackPolicy(op string, cmd raw.Command, out any) error {
	sh := cmd.Handles()[0]
	h, ok := c.registry.lookup(sh)
	if !ok || h.session == nil {
		return nil
	}
	s := h.session
	switch x := cmd.(type) {
	case raw.PolicyPCR:
		if len(x.PCRDigest) == 0 {
			// The TPM hashed the current PCR values; read back its digest.
			reply, err := c.execute(op, raw.PolicyGetDigest{PolicySession: sh}, nil)
			if err != nil {
				return err
			}
			o, ok := reply.Out.(raw.PolicyGetDigestOut)
			if !ok {
				return c.unexpected(op, reply.Out)
			}
			s.digest = o.PolicyDigest
			return nil
		}
		s.extend(raw.CCPolicyPCR, x.PCRs, x.PCRDigest)
	case raw.PolicyAuthValue, raw.PolicyPassword:
		s.extend(raw.CCPolicyAuthValue)
	case raw.PolicyCommandCode:
		s.extend(raw.CCPolicyCommandCode, binary.BigEndian.AppendUint32(nil, x.CommandCode))
	case raw.PolicyRestart:
		s.resetDigest()
	case raw.PolicyGetDigest:
		o, ok := out.(raw.PolicyGetDigestOut)
		if !ok {
			return c.unexpected(op, out)
		}
		s.digest = append([]byte(nil), o.PolicyDigest...)
	}
	return nil
}

// policySession validates s for a policy assertion.
func (c *Context) policySession(s *AuthSession) error {
	if err := c.checkSession(s); err != nil {
		return err
	}
	if !s.isPolicy() {
		return fmt.Errorf("%w: %s", ErrNotPolicySession, s)
	}
	return nil
}

// PolicyPCR binds the policy to the values of the selected PCRs. With an
// empty pcrDigest the current values are read and hashed with the
// session's algorithm, so a trial session records the PCRs as they are now.
func (c *Context) PolicyPCR(s *AuthSession, pcrDigest []byte, pcrs structures.PCRSelectionList) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "PolicyPCR"
	if err := c.policySession(s); err != nil {
		return localError(op, err)
	}
	if pcrs.Count() == 0 {
		return localError(op, fmt.Errorf("%w: empty PCR selection", ErrInvalidArgument))
	}
	if len(pcrDigest) > 0 && len(pcrDigest) != s.hash.DigestSize() {
		return localError(op, fmt.Errorf("%w: PCR digest length %d, want %d", ErrInvalidArgument, len(pcrDigest), s.hash.DigestSize()))
	}
	if len(pcrDigest) == 0 {
		values, err := c.pcrReadAll(op, pcrs)
		if err != nil {
			return err
		}
		h := s.hash.Hash().New()
		for _, v := range values.Values {
			h.Write(v.Digest)
		}
		pcrDigest = h.Sum(nil)
	}
	_, err := c.run(op, raw.PolicyPCR{
		PolicySession: s.handle.value,
		PCRDigest:     pcrDigest,
		PCRs:          pcrs.Marshal(),
	}, nil)
	return err
}

// PolicyAuthValue requires the authorized entity's auth value in an HMAC.
func (c *Context) PolicyAuthValue(s *AuthSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "PolicyAuthValue"
	if err := c.policySession(s); err != nil {
		return localError(op, err)
	}
	_, err := c.run(op, raw.PolicyAuthValue{PolicySession: s.handle.value}, nil)
	return err
}

// PolicyPassword requires the authorized entity's auth value in clear. It
// yields the same digest as PolicyAuthValue.
func (c *Context) PolicyPassword(s *AuthSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "PolicyPassword"
	if err := c.policySession(s); err != nil {
		return localError(op, err)
	}
	_, err := c.run(op, raw.PolicyPassword{PolicySession: s.handle.value}, nil)
	return err
}

// PolicyCommandCode limits the policy to one command.
func (c *Context) PolicyCommandCode(s *AuthSession, code raw.CommandCode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "PolicyCommandCode"
	if err := c.policySession(s); err != nil {
		return localError(op, err)
	}
	if code.IsLocal() {
		return localError(op, fmt.Errorf("%w: %s is not a TPM command", ErrInvalidArgument, code))
	}
	_, err := c.run(op, raw.PolicyCommandCode{PolicySession: s.handle.value, CommandCode: uint32(code)}, nil)
	return err
}

// PolicyGetDigest returns the TPM's policy digest and resynchronizes the
// session's client side digest with it.
func (c *Context) PolicyGetDigest(s *AuthSession) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "PolicyGetDigest"
	if err := c.policySession(s); err != nil {
		return nil, localError(op, err)
	}
	res, err := c.run(op, raw.PolicyGetDigest{PolicySession: s.handle.value}, nil)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), res.Out.(raw.PolicyGetDigestOut).PolicyDigest...), nil
}

// PolicyRestart resets the policy digest to zeros.
func (c *Context) PolicyRestart(s *AuthSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "PolicyRestart"
	if err := c.policySession(s); err != nil {
		return localError(op, err)
	}
	_, err := c.run(op, raw.PolicyRestart{SessionHandle: s.handle.value}, nil)
	return err
}
