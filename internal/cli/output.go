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

package cli

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jeremyhahn/go-esapi/pkg/esys"
	"github.com/jeremyhahn/go-esapi/pkg/rc"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

func (p *Printer) unknown() error {
	return fmt.Errorf("unknown output format: %s", p.format)
}

// PrintBytes prints a labelled byte string as hex
func (p *Printer) PrintBytes(label string, b []byte) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{label: hex.EncodeToString(b)})
	case OutputFormatText:
		fmt.Fprintln(p.writer, hex.EncodeToString(b))
		return nil
	default:
		return p.unknown()
	}
}

// PrintPCRValues prints PCR digests grouped by bank
func (p *Printer) PrintPCRValues(values *structures.PCRValues) error {
	switch p.format {
	case OutputFormatJSON:
		banks := make(map[string]map[string]string)
		for _, v := range values.Values {
			bank := strings.ToLower(v.Hash.String())
			if banks[bank] == nil {
				banks[bank] = make(map[string]string)
			}
			banks[bank][fmt.Sprint(v.Index)] = hex.EncodeToString(v.Digest)
		}
		return p.printJSON(map[string]any{
			"update_counter": values.UpdateCounter,
			"pcrs":           banks,
		})
	case OutputFormatText:
		var bank structures.AlgorithmID
		for _, v := range values.Values {
			if v.Hash != bank {
				bank = v.Hash
				fmt.Fprintf(p.writer, "%s:\n", strings.ToLower(bank.String()))
			}
			fmt.Fprintf(p.writer, "  %2d: %s\n", v.Index, hex.EncodeToString(v.Digest))
		}
		return nil
	default:
		return p.unknown()
	}
}

// PrintAlgorithms prints the algorithms a TPM implements
func (p *Printer) PrintAlgorithms(algs []structures.AlgProperty) error {
	switch p.format {
	case OutputFormatJSON:
		list := make([]map[string]any, len(algs))
		for i, a := range algs {
			list[i] = map[string]any{
				"algorithm":  a.Alg.String(),
				"id":         uint16(a.Alg),
				"properties": a.Properties,
			}
		}
		return p.printJSON(map[string]any{"algorithms": list})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "%-12s %-8s %s\n", "ALGORITHM", "ID", "PROPERTIES")
		fmt.Fprintln(p.writer, strings.Repeat("-", 34))
		for _, a := range algs {
			fmt.Fprintf(p.writer, "%-12s 0x%04x   0x%08x\n", a.Alg, uint16(a.Alg), a.Properties)
		}
		return nil
	default:
		return p.unknown()
	}
}

// PrintPCRBanks prints the allocated PCR banks
func (p *Printer) PrintPCRBanks(banks structures.PCRSelectionList) error {
	switch p.format {
	case OutputFormatJSON:
		out := make(map[string][]int)
		for _, sel := range banks.Selections() {
			out[strings.ToLower(sel.Hash().String())] = sel.PCRs()
		}
		return p.printJSON(map[string]any{"banks": out})
	case OutputFormatText:
		for _, sel := range banks.Selections() {
			fmt.Fprintf(p.writer, "%s: %d PCRs\n", strings.ToLower(sel.Hash().String()), len(sel.PCRs()))
		}
		return nil
	default:
		return p.unknown()
	}
}

// PrintHandles prints TPM handle values
func (p *Printer) PrintHandles(handles []uint32) error {
	switch p.format {
	case OutputFormatJSON:
		list := make([]string, len(handles))
		for i, h := range handles {
			list[i] = fmt.Sprintf("0x%08x", h)
		}
		return p.printJSON(map[string]any{"handles": list})
	case OutputFormatText:
		if len(handles) == 0 {
			fmt.Fprintln(p.writer, "No handles found")
			return nil
		}
		for _, h := range handles {
			class, _ := esys.ClassOf(h)
			fmt.Fprintf(p.writer, "0x%08x %s\n", h, class)
		}
		return nil
	default:
		return p.unknown()
	}
}

// PrintProperties prints tagged TPM properties
func (p *Printer) PrintProperties(props []structures.TaggedProperty) error {
	switch p.format {
	case OutputFormatJSON:
		out := make(map[string]uint32, len(props))
		for _, prop := range props {
			out[fmt.Sprintf("0x%x", prop.Property)] = prop.Value
		}
		return p.printJSON(map[string]any{"properties": out})
	case OutputFormatText:
		for _, prop := range props {
			fmt.Fprintf(p.writer, "0x%03x: 0x%08x\n", prop.Property, prop.Value)
		}
		return nil
	default:
		return p.unknown()
	}
}

// PrintNVPublic prints an NV index's public area
func (p *Printer) PrintNVPublic(pub *structures.NVPublic) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"index":      fmt.Sprintf("0x%08x", pub.Index()),
			"name_alg":   pub.NameAlg().String(),
			"attributes": uint32(pub.Attributes()),
			"size":       pub.DataSize(),
			"written":    pub.Attributes().Has(structures.NVWritten),
		})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "NV Index:   0x%08x\n", pub.Index())
		fmt.Fprintf(p.writer, "Name Alg:   %s\n", pub.NameAlg())
		fmt.Fprintf(p.writer, "Attributes: 0x%08x\n", uint32(pub.Attributes()))
		fmt.Fprintf(p.writer, "Size:       %d\n", pub.DataSize())
		return nil
	default:
		return p.unknown()
	}
}

// PrintSignature prints a signature with the key that produced it
func (p *Printer) PrintSignature(res SignResult) error {
	sig := res.Signature
	switch p.format {
	case OutputFormatJSON:
		out := map[string]any{
			"key":       res.KeyID.String(),
			"created":   res.Created,
			"algorithm": sig.Algorithm().String(),
			"hash":      sig.Hash().String(),
			"signature": hex.EncodeToString(sig.Bytes()),
			"verified":  res.Verified,
		}
		if res.Created && len(res.KeyAuth) > 0 {
			out["key_auth"] = hex.EncodeToString(res.KeyAuth)
		}
		return p.printJSON(out)
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Key:       %s\n", res.KeyID)
		if res.Created && len(res.KeyAuth) > 0 {
			fmt.Fprintf(p.writer, "Key Auth:  %s\n", hex.EncodeToString(res.KeyAuth))
		}
		fmt.Fprintf(p.writer, "Scheme:    %s-%s\n", sig.Algorithm(), sig.Hash())
		fmt.Fprintf(p.writer, "Signature: %s\n", hex.EncodeToString(sig.Bytes()))
		fmt.Fprintf(p.writer, "Verified:  %t\n", res.Verified)
		return nil
	default:
		return p.unknown()
	}
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"status":  "success",
			"message": message,
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, message)
		return nil
	default:
		return p.unknown()
	}
}

// PrintError prints an error message. esys errors carry their class and
// kind.
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		out := map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
		if kind := esys.KindOf(err); kind != rc.KindUnknown {
			out["kind"] = kind.String()
		}
		return p.printJSON(out)
	default:
		fmt.Fprintf(p.writer, "Error: %v\n", err)
		return nil
	}
}

// printJSON prints data as indented JSON
func (p *Printer) printJSON(data any) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
