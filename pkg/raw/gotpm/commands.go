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
	"github.com/google/go-tpm/tpmutil"

	"github.com/jeremyhahn/go-esapi/pkg/raw"
	"github.com/jeremyhahn/go-esapi/pkg/rc"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

const tagNoSessions uint16 = 0x8001

// errInput reports an input buffer go-tpm could not decode.
var errInput = raw.MUError(rc.BadValue)

func (b *Backend) execute(cmd raw.Command, auths, extra []tpm2.Session) (any, rc.ReturnCode) {
	switch c := cmd.(type) {
	case raw.GetRandom:
		rsp, err := tpm2.GetRandom{BytesRequested: c.BytesRequested}.Execute(b.transport, extra...)
		if err != nil {
			return nil, codeOf(err)
		}
		return raw.GetRandomOut{Random: rsp.RandomBytes.Buffer}, rc.Success
	case raw.StartAuthSession:
		return b.startAuthSession(c)
	case raw.FlushContext:
		return nil, b.flushContext(c.FlushHandle)
	case raw.CreatePrimary:
		return b.createPrimary(c, auths[0], extra)
	case raw.Create:
		return b.create(c, auths[0], extra)
	case raw.Load:
		return b.load(c, auths[0], extra)
	case raw.LoadExternal:
		return b.loadExternal(c, extra)
	case raw.ReadPublic:
		return b.readPublic(c, extra)
	case raw.Sign:
		return b.sign(c, auths[0], extra)
	case raw.VerifySignature:
		return b.verifySignature(c, extra)
	case raw.Unseal:
		item, code := b.authHandle(c.ItemHandle, auths[0])
		if code != rc.Success {
			return nil, code
		}
		rsp, err := tpm2.Unseal{ItemHandle: item}.Execute(b.transport, extra...)
		if err != nil {
			return nil, codeOf(err)
		}
		return raw.UnsealOut{OutData: rsp.OutData.Buffer}, rc.Success
	case raw.PCRRead:
		return b.pcrRead(c, extra)
	case raw.PCRExtend:
		return nil, b.pcrExtend(c, auths[0], extra)
	case raw.NVDefineSpace:
		return b.nvDefineSpace(c, auths[0], extra)
	case raw.NVUndefineSpace:
		return nil, b.nvUndefineSpace(c, auths[0], extra)
	case raw.NVWrite:
		return nil, b.nvWrite(c, auths[0], extra)
	case raw.NVRead:
		return b.nvRead(c, auths[0], extra)
	case raw.NVReadPublic:
		return b.nvReadPublic(c, extra)
	case raw.GetCapability:
		rsp, err := tpm2.GetCapability{
			Capability:    tpm2.TPMCap(c.Capability),
			Property:      c.Property,
			PropertyCount: c.PropertyCount,
		}.Execute(b.transport, extra...)
		if err != nil {
			return nil, codeOf(err)
		}
		return raw.GetCapabilityOut{
			MoreData:       bool(rsp.MoreData),
			CapabilityData: tpm2.Marshal(rsp.CapabilityData),
		}, rc.Success
	case raw.ContextSave:
		rsp, err := tpm2.ContextSave{SaveHandle: tpm2.TPMHandle(c.SaveHandle)}.Execute(b.transport, extra...)
		if err != nil {
			return nil, codeOf(err)
		}
		return raw.ContextSaveOut{Context: tpm2.Marshal(rsp.Context)}, rc.Success
	case raw.ContextLoad:
		return b.contextLoad(c, extra)
	case raw.EvictControl:
		return b.evictControl(c, auths[0], extra)
	case raw.PolicyPCR:
		return nil, b.policyPCR(c, extra)
	case raw.PolicyAuthValue:
		return nil, b.sendPolicy(raw.CCPolicyAuthValue, c.PolicySession)
	case raw.PolicyPassword:
		return nil, b.sendPolicy(raw.CCPolicyPassword, c.PolicySession)
	case raw.PolicyRestart:
		return nil, b.sendPolicy(raw.CCPolicyRestart, c.SessionHandle)
	case raw.PolicyCommandCode:
		_, err := tpm2.PolicyCommandCode{
			PolicySession: tpm2.TPMHandle(c.PolicySession),
			Code:          tpm2.TPMCC(c.CommandCode),
		}.Execute(b.transport, extra...)
		return nil, codeOf(err)
	case raw.PolicyGetDigest:
		rsp, err := tpm2.PolicyGetDigest{PolicySession: tpm2.TPMHandle(c.PolicySession)}.Execute(b.transport, extra...)
		if err != nil {
			return nil, codeOf(err)
		}
		return raw.PolicyGetDigestOut{PolicyDigest: rsp.PolicyDigest.Buffer}, rc.Success
	}
	return nil, rc.ReturnCode(rc.CommandCode)
}

func (b *Backend) authHandle(h uint32, s tpm2.Session) (tpm2.AuthHandle, rc.ReturnCode) {
	name, code := b.nameOf(h)
	if code != rc.Success {
		return tpm2.AuthHandle{}, code
	}
	return tpm2.AuthHandle{
		Handle: tpm2.TPMHandle(h),
		Name:   tpm2.TPM2BName{Buffer: name},
		Auth:   s,
	}, rc.Success
}

func (b *Backend) flushContext(h uint32) rc.ReturnCode {
	if _, ok := b.sessions[h]; ok {
		return b.flushSession(h)
	}
	if _, err := (tpm2.FlushContext{FlushHandle: tpm2.TPMHandle(h)}).Execute(b.transport); err != nil {
		return codeOf(err)
	}
	b.forget(h)
	return rc.Success
}

// createInputs decodes the sensitive, public and creation inputs shared
// by CreatePrimary and Create.
func createInputs(sensitive, public, pcrs []byte) (tpm2.TPM2BSensitiveCreate, tpm2.TPM2BPublic, tpm2.TPMLPCRSelection, rc.ReturnCode) {
	var (
		inSensitive tpm2.TPM2BSensitiveCreate
		inPublic    tpm2.TPM2BPublic
		creationPCR tpm2.TPMLPCRSelection
	)
	sens, err := tpm2.Unmarshal[tpm2.TPMSSensitiveCreate](sensitive)
	if err != nil {
		return inSensitive, inPublic, creationPCR, errInput
	}
	pub, err := tpm2.Unmarshal[tpm2.TPMTPublic](public)
	if err != nil {
		return inSensitive, inPublic, creationPCR, errInput
	}
	if len(pcrs) > 0 {
		sel, err := tpm2.Unmarshal[tpm2.TPMLPCRSelection](pcrs)
		if err != nil {
			return inSensitive, inPublic, creationPCR, errInput
		}
		creationPCR = *sel
	}
	inSensitive = tpm2.TPM2BSensitiveCreate{Sensitive: sens}
	inPublic = tpm2.New2B(*pub)
	return inSensitive, inPublic, creationPCR, rc.Success
}

func publicBytes(p tpm2.TPM2BPublic) ([]byte, rc.ReturnCode) {
	pub, err := p.Contents()
	if err != nil {
		return nil, raw.ESAPIError(rc.MalformedResponse)
	}
	return tpm2.Marshal(*pub), rc.Success
}

func (b *Backend) createPrimary(c raw.CreatePrimary, s tpm2.Session, extra []tpm2.Session) (any, rc.ReturnCode) {
	inSensitive, inPublic, creationPCR, code := createInputs(c.InSensitive, c.InPublic, c.CreationPCR)
	if code != rc.Success {
		return nil, code
	}
	primary, code := b.authHandle(c.PrimaryHandle, s)
	if code != rc.Success {
		return nil, code
	}
	rsp, err := tpm2.CreatePrimary{
		PrimaryHandle: primary,
		InSensitive:   inSensitive,
		InPublic:      inPublic,
		OutsideInfo:   tpm2.TPM2BData{Buffer: c.OutsideInfo},
		CreationPCR:   creationPCR,
	}.Execute(b.transport, extra...)
	if err != nil {
		return nil, codeOf(err)
	}
	outPublic, code := publicBytes(rsp.OutPublic)
	if code != rc.Success {
		return nil, code
	}
	h := uint32(rsp.ObjectHandle)
	b.names[h] = rsp.Name.Buffer
	if inSensitive.Sensitive != nil {
		b.auth[h] = inSensitive.Sensitive.UserAuth.Buffer
	}
	return raw.CreatePrimaryOut{ObjectHandle: h, OutPublic: outPublic, Name: rsp.Name.Buffer}, rc.Success
}

func (b *Backend) create(c raw.Create, s tpm2.Session, extra []tpm2.Session) (any, rc.ReturnCode) {
	inSensitive, inPublic, creationPCR, code := createInputs(c.InSensitive, c.InPublic, c.CreationPCR)
	if code != rc.Success {
		return nil, code
	}
	parent, code := b.authHandle(c.ParentHandle, s)
	if code != rc.Success {
		return nil, code
	}
	rsp, err := tpm2.Create{
		ParentHandle: parent,
		InSensitive:  inSensitive,
		InPublic:     inPublic,
		OutsideInfo:  tpm2.TPM2BData{Buffer: c.OutsideInfo},
		CreationPCR:  creationPCR,
	}.Execute(b.transport, extra...)
	if err != nil {
		return nil, codeOf(err)
	}
	outPublic, code := publicBytes(rsp.OutPublic)
	if code != rc.Success {
		return nil, code
	}
	return raw.CreateOut{OutPrivate: rsp.OutPrivate.Buffer, OutPublic: outPublic}, rc.Success
}

func (b *Backend) load(c raw.Load, s tpm2.Session, extra []tpm2.Session) (any, rc.ReturnCode) {
	pub, err := tpm2.Unmarshal[tpm2.TPMTPublic](c.InPublic)
	if err != nil {
		return nil, errInput
	}
	parent, code := b.authHandle(c.ParentHandle, s)
	if code != rc.Success {
		return nil, code
	}
	rsp, err := tpm2.Load{
		ParentHandle: parent,
		InPrivate:    tpm2.TPM2BPrivate{Buffer: c.InPrivate},
		InPublic:     tpm2.New2B(*pub),
	}.Execute(b.transport, extra...)
	if err != nil {
		return nil, codeOf(err)
	}
	h := uint32(rsp.ObjectHandle)
	b.names[h] = rsp.Name.Buffer
	return raw.LoadOut{ObjectHandle: h, Name: rsp.Name.Buffer}, rc.Success
}

func (b *Backend) loadExternal(c raw.LoadExternal, extra []tpm2.Session) (any, rc.ReturnCode) {
	pub, err := tpm2.Unmarshal[tpm2.TPMTPublic](c.InPublic)
	if err != nil {
		return nil, errInput
	}
	rsp, err := tpm2.LoadExternal{
		InPublic:  tpm2.New2B(*pub),
		Hierarchy: tpm2.TPMHandle(c.Hierarchy),
	}.Execute(b.transport, extra...)
	if err != nil {
		return nil, codeOf(err)
	}
	h := uint32(rsp.ObjectHandle)
	b.names[h] = rsp.Name.Buffer
	return raw.LoadExternalOut{ObjectHandle: h, Name: rsp.Name.Buffer}, rc.Success
}

func (b *Backend) readPublic(c raw.ReadPublic, extra []tpm2.Session) (any, rc.ReturnCode) {
	rsp, err := tpm2.ReadPublic{ObjectHandle: tpm2.TPMHandle(c.ObjectHandle)}.Execute(b.transport, extra...)
	if err != nil {
		return nil, codeOf(err)
	}
	outPublic, code := publicBytes(rsp.OutPublic)
	if code != rc.Success {
		return nil, code
	}
	b.names[c.ObjectHandle] = rsp.Name.Buffer
	return raw.ReadPublicOut{
		OutPublic:     outPublic,
		Name:          rsp.Name.Buffer,
		QualifiedName: rsp.QualifiedName.Buffer,
	}, rc.Success
}

func (b *Backend) sign(c raw.Sign, s tpm2.Session, extra []tpm2.Session) (any, rc.ReturnCode) {
	scheme, err := tpm2.Unmarshal[tpm2.TPMTSigScheme](c.Scheme)
	if err != nil {
		return nil, errInput
	}
	validation, err := tpm2.Unmarshal[tpm2.TPMTTKHashCheck](c.Validation)
	if err != nil {
		return nil, errInput
	}
	key, code := b.authHandle(c.KeyHandle, s)
	if code != rc.Success {
		return nil, code
	}
	rsp, err := tpm2.Sign{
		KeyHandle:  key,
		Digest:     tpm2.TPM2BDigest{Buffer: c.Digest},
		InScheme:   *scheme,
		Validation: *validation,
	}.Execute(b.transport, extra...)
	if err != nil {
		return nil, codeOf(err)
	}
	return raw.SignOut{Signature: tpm2.Marshal(rsp.Signature)}, rc.Success
}

func (b *Backend) verifySignature(c raw.VerifySignature, extra []tpm2.Session) (any, rc.ReturnCode) {
	sig, err := tpm2.Unmarshal[tpm2.TPMTSignature](c.Signature)
	if err != nil {
		return nil, errInput
	}
	key, code := b.named(c.KeyHandle)
	if code != rc.Success {
		return nil, code
	}
	rsp, err := tpm2.VerifySignature{
		KeyHandle: key,
		Digest:    tpm2.TPM2BDigest{Buffer: c.Digest},
		Signature: *sig,
	}.Execute(b.transport, extra...)
	if err != nil {
		return nil, codeOf(err)
	}
	return raw.VerifySignatureOut{Validation: tpm2.Marshal(rsp.Validation)}, rc.Success
}

func (b *Backend) pcrRead(c raw.PCRRead, extra []tpm2.Session) (any, rc.ReturnCode) {
	sel, err := tpm2.Unmarshal[tpm2.TPMLPCRSelection](c.Selection)
	if err != nil {
		return nil, errInput
	}
	rsp, err := tpm2.PCRRead{PCRSelectionIn: *sel}.Execute(b.transport, extra...)
	if err != nil {
		return nil, codeOf(err)
	}
	digests := make([][]byte, len(rsp.PCRValues.Digests))
	for i, d := range rsp.PCRValues.Digests {
		digests[i] = d.Buffer
	}
	return raw.PCRReadOut{
		UpdateCounter: rsp.PCRUpdateCounter,
		Selection:     tpm2.Marshal(rsp.PCRSelectionOut),
		Digests:       digests,
	}, rc.Success
}

func (b *Backend) pcrExtend(c raw.PCRExtend, s tpm2.Session, extra []tpm2.Session) rc.ReturnCode {
	digests, err := tpm2.Unmarshal[tpm2.TPMLDigestValues](c.Digests)
	if err != nil {
		return errInput
	}
	pcr, code := b.authHandle(c.PCRHandle, s)
	if code != rc.Success {
		return code
	}
	_, err = tpm2.PCRExtend{PCRHandle: pcr, Digests: *digests}.Execute(b.transport, extra...)
	return codeOf(err)
}

func (b *Backend) nvDefineSpace(c raw.NVDefineSpace, s tpm2.Session, extra []tpm2.Session) (any, rc.ReturnCode) {
	info, err := structures.UnmarshalNVPublic(c.PublicInfo)
	if err != nil {
		return nil, errInput
	}
	nvPublic, err := tpm2.Unmarshal[tpm2.TPMSNVPublic](c.PublicInfo)
	if err != nil {
		return nil, errInput
	}
	owner, code := b.authHandle(c.AuthHandle, s)
	if code != rc.Success {
		return nil, code
	}
	_, err = tpm2.NVDefineSpace{
		AuthHandle: owner,
		Auth:       tpm2.TPM2BAuth{Buffer: c.Auth},
		PublicInfo: tpm2.New2B(*nvPublic),
	}.Execute(b.transport, extra...)
	if err != nil {
		return nil, codeOf(err)
	}
	idx := info.Index()
	b.names[idx] = info.Name()
	b.auth[idx] = append([]byte(nil), c.Auth...)
	return raw.NVDefineSpaceOut{NVIndex: idx, Name: info.Name()}, rc.Success
}

func (b *Backend) nvUndefineSpace(c raw.NVUndefineSpace, s tpm2.Session, extra []tpm2.Session) rc.ReturnCode {
	owner, code := b.authHandle(c.AuthHandle, s)
	if code != rc.Success {
		return code
	}
	index, code := b.named(c.NVIndex)
	if code != rc.Success {
		return code
	}
	if _, err := (tpm2.NVUndefineSpace{AuthHandle: owner, NVIndex: index}).Execute(b.transport, extra...); err != nil {
		return codeOf(err)
	}
	b.forget(c.NVIndex)
	return rc.Success
}

func (b *Backend) nvWrite(c raw.NVWrite, s tpm2.Session, extra []tpm2.Session) rc.ReturnCode {
	auth, code := b.authHandle(c.AuthHandle, s)
	if code != rc.Success {
		return code
	}
	index, code := b.named(c.NVIndex)
	if code != rc.Success {
		return code
	}
	_, err := tpm2.NVWrite{
		AuthHandle: auth,
		NVIndex:    index,
		Data:       tpm2.TPM2BMaxNVBuffer{Buffer: c.Data},
		Offset:     c.Offset,
	}.Execute(b.transport, extra...)
	if err != nil {
		return codeOf(err)
	}
	// The first write sets TPMA_NV_WRITTEN, which changes the name.
	delete(b.names, c.NVIndex)
	return rc.Success
}

func (b *Backend) nvRead(c raw.NVRead, s tpm2.Session, extra []tpm2.Session) (any, rc.ReturnCode) {
	auth, code := b.authHandle(c.AuthHandle, s)
	if code != rc.Success {
		return nil, code
	}
	index, code := b.named(c.NVIndex)
	if code != rc.Success {
		return nil, code
	}
	rsp, err := tpm2.NVRead{
		AuthHandle: auth,
		NVIndex:    index,
		Size:       c.Size,
		Offset:     c.Offset,
	}.Execute(b.transport, extra...)
	if err != nil {
		return nil, codeOf(err)
	}
	return raw.NVReadOut{Data: rsp.Data.Buffer}, rc.Success
}

func (b *Backend) nvReadPublic(c raw.NVReadPublic, extra []tpm2.Session) (any, rc.ReturnCode) {
	rsp, err := tpm2.NVReadPublic{NVIndex: tpm2.TPMHandle(c.NVIndex)}.Execute(b.transport, extra...)
	if err != nil {
		return nil, codeOf(err)
	}
	pub, err := rsp.NVPublic.Contents()
	if err != nil {
		return nil, raw.ESAPIError(rc.MalformedResponse)
	}
	b.names[c.NVIndex] = rsp.NVName.Buffer
	return raw.NVReadPublicOut{NVPublic: tpm2.Marshal(*pub), NVName: rsp.NVName.Buffer}, rc.Success
}

func (b *Backend) contextLoad(c raw.ContextLoad, extra []tpm2.Session) (any, rc.ReturnCode) {
	saved, err := tpm2.Unmarshal[tpm2.TPMSContext](c.Context)
	if err != nil {
		return nil, errInput
	}
	rsp, err := tpm2.ContextLoad{Context: *saved}.Execute(b.transport, extra...)
	if err != nil {
		return nil, codeOf(err)
	}
	h := uint32(rsp.LoadedHandle)
	delete(b.names, h)
	name, code := b.nameOf(h)
	if code != rc.Success {
		return nil, code
	}
	return raw.ContextLoadOut{LoadedHandle: h, Name: name}, rc.Success
}

func (b *Backend) evictControl(c raw.EvictControl, s tpm2.Session, extra []tpm2.Session) (any, rc.ReturnCode) {
	auth, code := b.authHandle(c.Auth, s)
	if code != rc.Success {
		return nil, code
	}
	object, code := b.named(c.ObjectHandle)
	if code != rc.Success {
		return nil, code
	}
	_, err := tpm2.EvictControl{
		Auth:             auth,
		ObjectHandle:     &object,
		PersistentHandle: tpm2.TPMHandle(c.PersistentHandle),
	}.Execute(b.transport, extra...)
	if err != nil {
		return nil, codeOf(err)
	}
	if c.ObjectHandle == c.PersistentHandle {
		b.forget(c.ObjectHandle)
		return raw.EvictControlOut{}, rc.Success
	}
	b.names[c.PersistentHandle] = object.Name.Buffer
	if auth, ok := b.auth[c.ObjectHandle]; ok {
		b.auth[c.PersistentHandle] = auth
	}
	return raw.EvictControlOut{NewHandle: c.PersistentHandle, Name: object.Name.Buffer}, rc.Success
}

func (b *Backend) policyPCR(c raw.PolicyPCR, extra []tpm2.Session) rc.ReturnCode {
	sel, err := tpm2.Unmarshal[tpm2.TPMLPCRSelection](c.PCRs)
	if err != nil {
		return errInput
	}
	_, err = tpm2.PolicyPCR{
		PolicySession: tpm2.TPMHandle(c.PolicySession),
		PcrDigest:     tpm2.TPM2BDigest{Buffer: c.PCRDigest},
		Pcrs:          *sel,
	}.Execute(b.transport, extra...)
	return codeOf(err)
}

// sendPolicy issues a session-less policy command whose only input is the
// policy session handle.
func (b *Backend) sendPolicy(cc raw.CommandCode, session uint32) rc.ReturnCode {
	req, err := tpmutil.Pack(tagNoSessions, uint32(14), uint32(cc), session)
	if err != nil {
		return errInput
	}
	rsp, err := b.transport.Send(req)
	if err != nil {
		return codeOf(err)
	}
	var (
		tag  uint16
		size uint32
		code uint32
	)
	if _, err := tpmutil.Unpack(rsp, &tag, &size, &code); err != nil {
		return raw.ESAPIError(rc.MalformedResponse)
	}
	return rc.ReturnCode(code)
}
