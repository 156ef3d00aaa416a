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

package structures

import (
	"fmt"
	"sort"
)

const (
	// NumPCRs is the number of PCRs of a PC Client TPM.
	NumPCRs = 24
	// PCRSelectSize is the bitmap size covering NumPCRs.
	PCRSelectSize = NumPCRs / 8
	// MaxPCRBanks bounds TPML_PCR_SELECTION.
	MaxPCRBanks = 16
	// MaxDigests bounds TPML_DIGEST as returned by PCR_Read.
	MaxDigests = 8
)

// PCRSelection is TPMS_PCR_SELECTION: a set of PCR indices in one bank.
type PCRSelection struct {
	hash AlgorithmID
	mask uint32
}

// NewPCRSelection selects the given PCR indices of a hash bank.
func NewPCRSelection(hash AlgorithmID, pcrs ...int) (PCRSelection, error) {
	if !hash.IsHash() {
		return PCRSelection{}, invalid("PCRSelection", "hash", "%v is not a hash algorithm", hash)
	}
	s := PCRSelection{hash: hash}
	for _, pcr := range pcrs {
		if pcr < 0 || pcr >= NumPCRs {
			return PCRSelection{}, invalid("PCRSelection", "pcrSelect", "PCR index %d out of range 0-%d", pcr, NumPCRs-1)
		}
		s.mask |= 1 << uint(pcr)
	}
	return s, nil
}

func (s PCRSelection) Hash() AlgorithmID { return s.hash }

// PCRs returns the selected indices in ascending order.
func (s PCRSelection) PCRs() []int {
	var out []int
	for i := 0; i < NumPCRs; i++ {
		if s.mask&(1<<uint(i)) != 0 {
			out = append(out, i)
		}
	}
	return out
}

// Contains reports whether pcr is selected.
func (s PCRSelection) Contains(pcr int) bool {
	return pcr >= 0 && pcr < NumPCRs && s.mask&(1<<uint(pcr)) != 0
}

// IsEmpty reports whether no PCR is selected.
func (s PCRSelection) IsEmpty() bool { return s.mask == 0 }

// Bitmap returns the little-endian pcrSelect octets.
func (s PCRSelection) Bitmap() []byte {
	return []byte{byte(s.mask), byte(s.mask >> 8), byte(s.mask >> 16)}
}

func (s PCRSelection) encode(e *encoder) {
	e.u16(uint16(s.hash))
	e.u8(PCRSelectSize)
	e.raw(s.Bitmap())
}

// Marshal returns the TPMS_PCR_SELECTION encoding.
func (s PCRSelection) Marshal() []byte {
	var e encoder
	s.encode(&e)
	return e.bytes()
}

func decodePCRSelection(d *decoder, field string) PCRSelection {
	hash := AlgorithmID(d.u16(field + ".hash"))
	size := d.u8(field + ".sizeofSelect")
	if d.err != nil {
		return PCRSelection{}
	}
	if !hash.IsHash() {
		d.fail(field+".hash", fmt.Sprintf("%v is not a hash algorithm", hash))
		return PCRSelection{}
	}
	if size == 0 || size > 32 {
		d.fail(field+".sizeofSelect", fmt.Sprintf("invalid bitmap size %d", size))
		return PCRSelection{}
	}
	bitmap := d.fixed(field+".pcrSelect", int(size))
	if d.err != nil {
		return PCRSelection{}
	}
	s := PCRSelection{hash: hash}
	for i, octet := range bitmap {
		if i >= PCRSelectSize {
			if octet != 0 {
				d.fail(field+".pcrSelect", fmt.Sprintf("PCR beyond index %d selected", NumPCRs-1))
				return PCRSelection{}
			}
			continue
		}
		s.mask |= uint32(octet) << (8 * uint(i))
	}
	return s
}

// UnmarshalPCRSelection decodes a TPMS_PCR_SELECTION. Shorter bitmaps are
// accepted; bits beyond the last PCR are rejected.
func UnmarshalPCRSelection(b []byte) (PCRSelection, error) {
	d := newDecoder("PCRSelection", b)
	s := decodePCRSelection(d, "selection")
	if err := d.finish(); err != nil {
		return PCRSelection{}, err
	}
	return s, nil
}

// PCRSelectionList is TPML_PCR_SELECTION. Each bank appears at most once.
type PCRSelectionList struct {
	banks []PCRSelection
}

// NewPCRSelectionList validates and orders a set of bank selections.
func NewPCRSelectionList(selections ...PCRSelection) (PCRSelectionList, error) {
	if len(selections) > MaxPCRBanks {
		return PCRSelectionList{}, invalid("PCRSelectionList", "count", "%d banks exceeds %d", len(selections), MaxPCRBanks)
	}
	if len(selections) == 0 {
		return PCRSelectionList{}, nil
	}
	seen := make(map[AlgorithmID]bool, len(selections))
	banks := make([]PCRSelection, 0, len(selections))
	for _, s := range selections {
		if !s.hash.IsHash() {
			return PCRSelectionList{}, invalid("PCRSelectionList", "pcrSelections", "selection without a hash bank")
		}
		if seen[s.hash] {
			return PCRSelectionList{}, invalid("PCRSelectionList", "pcrSelections", "bank %v selected twice", s.hash)
		}
		seen[s.hash] = true
		banks = append(banks, s)
	}
	return PCRSelectionList{banks: banks}, nil
}

// MustPCRSelectionList selects pcrs of a single bank and panics on invalid
// input. Intended for constant selections.
func MustPCRSelectionList(hash AlgorithmID, pcrs ...int) PCRSelectionList {
	sel, err := NewPCRSelection(hash, pcrs...)
	if err != nil {
		panic(err)
	}
	list, err := NewPCRSelectionList(sel)
	if err != nil {
		panic(err)
	}
	return list
}

// Selections returns a copy of the bank selections.
func (l PCRSelectionList) Selections() []PCRSelection {
	return append([]PCRSelection(nil), l.banks...)
}

// Len returns the number of banks.
func (l PCRSelectionList) Len() int { return len(l.banks) }

// Count returns the total number of selected PCRs across banks.
func (l PCRSelectionList) Count() int {
	n := 0
	for _, b := range l.banks {
		n += len(b.PCRs())
	}
	return n
}

// Bank returns the selection for hash, if present.
func (l PCRSelectionList) Bank(hash AlgorithmID) (PCRSelection, bool) {
	for _, b := range l.banks {
		if b.hash == hash {
			return b, true
		}
	}
	return PCRSelection{}, false
}

// Subtract removes the PCRs of other from l, dropping emptied banks. It is
// used to compute what is left to read when PCR_Read returns a partial set.
func (l PCRSelectionList) Subtract(other PCRSelectionList) PCRSelectionList {
	var out []PCRSelection
	for _, b := range l.banks {
		if o, ok := other.Bank(b.hash); ok {
			b.mask &^= o.mask
		}
		if !b.IsEmpty() {
			out = append(out, b)
		}
	}
	return PCRSelectionList{banks: out}
}

func (l PCRSelectionList) encode(e *encoder) {
	e.u32(uint32(len(l.banks)))
	for _, b := range l.banks {
		b.encode(e)
	}
}

// Marshal returns the TPML_PCR_SELECTION encoding.
func (l PCRSelectionList) Marshal() []byte {
	var e encoder
	l.encode(&e)
	return e.bytes()
}

func decodePCRSelectionList(d *decoder) PCRSelectionList {
	count := d.u32("count")
	if d.err != nil {
		return PCRSelectionList{}
	}
	if count > MaxPCRBanks {
		d.fail("count", fmt.Sprintf("%d banks exceeds %d", count, MaxPCRBanks))
		return PCRSelectionList{}
	}
	var banks []PCRSelection
	for i := 0; i < int(count); i++ {
		banks = append(banks, decodePCRSelection(d, fmt.Sprintf("pcrSelections[%d]", i)))
		if d.err != nil {
			return PCRSelectionList{}
		}
	}
	l, err := NewPCRSelectionList(banks...)
	d.check(err)
	return l
}

// UnmarshalPCRSelectionList decodes a TPML_PCR_SELECTION.
func UnmarshalPCRSelectionList(b []byte) (PCRSelectionList, error) {
	d := newDecoder("PCRSelectionList", b)
	l := decodePCRSelectionList(d)
	if err := d.finish(); err != nil {
		return PCRSelectionList{}, err
	}
	return l, nil
}

// PCRValue is one PCR digest.
type PCRValue struct {
	Hash   AlgorithmID
	Index  int
	Digest []byte
}

// PCRValues pairs a selection with the digests a PCR_Read returned for it,
// in selection order: banks in list order, indices ascending.
type PCRValues struct {
	UpdateCounter uint32
	Values        []PCRValue
}

// ZipPCRValues assigns digests to the selection they were read for.
func ZipPCRValues(sel PCRSelectionList, digests [][]byte) ([]PCRValue, error) {
	var out []PCRValue
	i := 0
	for _, bank := range sel.banks {
		for _, pcr := range bank.PCRs() {
			if i >= len(digests) {
				return nil, invalid("PCRValues", "digests", "%d digests for %d selected PCRs", len(digests), sel.Count())
			}
			if len(digests[i]) != bank.hash.DigestSize() {
				return nil, invalid("PCRValues", "digests", "PCR %d digest length %d does not match %v", pcr, len(digests[i]), bank.hash)
			}
			out = append(out, PCRValue{Hash: bank.hash, Index: pcr, Digest: cloneBytes(digests[i])})
			i++
		}
	}
	if i != len(digests) {
		return nil, invalid("PCRValues", "digests", "%d digests for %d selected PCRs", len(digests), sel.Count())
	}
	return out, nil
}

// Digest returns the value for a bank and index.
func (v *PCRValues) Digest(hash AlgorithmID, pcr int) ([]byte, bool) {
	for _, val := range v.Values {
		if val.Hash == hash && val.Index == pcr {
			return cloneBytes(val.Digest), true
		}
	}
	return nil, false
}

// Sort orders values by bank then index.
func (v *PCRValues) Sort() {
	sort.SliceStable(v.Values, func(i, j int) bool {
		if v.Values[i].Hash != v.Values[j].Hash {
			return v.Values[i].Hash < v.Values[j].Hash
		}
		return v.Values[i].Index < v.Values[j].Index
	})
}

// TaggedHash is TPMT_HA: a digest tagged with its algorithm.
type TaggedHash struct {
	hash   AlgorithmID
	digest []byte
}

// NewTaggedHash validates that digest matches the algorithm's size.
func NewTaggedHash(hash AlgorithmID, digest []byte) (TaggedHash, error) {
	if !hash.IsHash() {
		return TaggedHash{}, invalid("TaggedHash", "hashAlg", "%v is not a hash algorithm", hash)
	}
	if len(digest) != hash.DigestSize() {
		return TaggedHash{}, invalid("TaggedHash", "digest", "length %d does not match %v", len(digest), hash)
	}
	return TaggedHash{hash: hash, digest: cloneBytes(digest)}, nil
}

func (t TaggedHash) Hash() AlgorithmID { return t.hash }
func (t TaggedHash) Digest() []byte    { return cloneBytes(t.digest) }

func (t TaggedHash) encode(e *encoder) {
	e.u16(uint16(t.hash))
	e.raw(t.digest)
}

func decodeTaggedHash(d *decoder, field string) TaggedHash {
	hash := AlgorithmID(d.u16(field + ".hashAlg"))
	if d.err != nil {
		return TaggedHash{}
	}
	if !hash.IsHash() {
		d.fail(field+".hashAlg", fmt.Sprintf("%v is not a hash algorithm", hash))
		return TaggedHash{}
	}
	return TaggedHash{hash: hash, digest: d.fixed(field+".digest", hash.DigestSize())}
}

// DigestValues is TPML_DIGEST_VALUES: one digest per bank for PCR_Extend.
type DigestValues struct {
	digests []TaggedHash
}

// NewDigestValues requires at most one digest per bank.
func NewDigestValues(digests ...TaggedHash) (DigestValues, error) {
	if len(digests) == 0 {
		return DigestValues{}, invalid("DigestValues", "count", "at least one digest required")
	}
	if len(digests) > MaxPCRBanks {
		return DigestValues{}, invalid("DigestValues", "count", "%d digests exceeds %d", len(digests), MaxPCRBanks)
	}
	seen := make(map[AlgorithmID]bool)
	for _, d := range digests {
		if !d.hash.IsHash() {
			return DigestValues{}, invalid("DigestValues", "digests", "uninitialized digest")
		}
		if seen[d.hash] {
			return DigestValues{}, invalid("DigestValues", "digests", "bank %v given twice", d.hash)
		}
		seen[d.hash] = true
	}
	return DigestValues{digests: append([]TaggedHash(nil), digests...)}, nil
}

// Digests returns a copy of the tagged digests.
func (v DigestValues) Digests() []TaggedHash {
	return append([]TaggedHash(nil), v.digests...)
}

// Marshal returns the TPML_DIGEST_VALUES encoding.
func (v DigestValues) Marshal() []byte {
	var e encoder
	e.u32(uint32(len(v.digests)))
	for _, d := range v.digests {
		d.encode(&e)
	}
	return e.bytes()
}

// UnmarshalDigestValues decodes a TPML_DIGEST_VALUES.
func UnmarshalDigestValues(b []byte) (DigestValues, error) {
	d := newDecoder("DigestValues", b)
	count := d.u32("count")
	if d.err == nil && (count == 0 || count > MaxPCRBanks) {
		d.fail("count", fmt.Sprintf("invalid digest count %d", count))
	}
	var digests []TaggedHash
	for i := 0; d.err == nil && i < int(count); i++ {
		digests = append(digests, decodeTaggedHash(d, fmt.Sprintf("digests[%d]", i)))
	}
	var v DigestValues
	if d.err == nil {
		var err error
		v, err = NewDigestValues(digests...)
		d.check(err)
	}
	if err := d.finish(); err != nil {
		return DigestValues{}, err
	}
	return v, nil
}
