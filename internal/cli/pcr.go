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
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-esapi/pkg/esys"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

var bankNames = map[string]structures.AlgorithmID{
	"sha1":   structures.AlgSHA1,
	"sha256": structures.AlgSHA256,
	"sha384": structures.AlgSHA384,
	"sha512": structures.AlgSHA512,
}

func parseBank(name string) (structures.AlgorithmID, error) {
	alg, ok := bankNames[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unsupported PCR bank %q (sha1, sha256, sha384, sha512)", name)
	}
	return alg, nil
}

func newPCRCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pcr",
		Short: "Read and extend PCRs",
	}
	cmd.AddCommand(newPCRReadCmd(a), newPCRExtendCmd(a))
	return cmd
}

func newPCRReadCmd(a *app) *cobra.Command {
	var (
		bank string
		pcrs []int
	)
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read PCR values",
		Long: `Read PCR values from one bank. Without --pcrs every PCR of the bank is
read; the read is repeated when the PCRs change while it is in progress.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, err := parseBank(bank)
			if err != nil {
				return err
			}
			selected := pcrs
			if len(selected) == 0 {
				for i := 0; i < structures.NumPCRs; i++ {
					selected = append(selected, i)
				}
			}
			sel, err := structures.NewPCRSelection(alg, selected...)
			if err != nil {
				return err
			}
			list, err := structures.NewPCRSelectionList(sel)
			if err != nil {
				return err
			}
			return a.withContext(cmd, func(ctx *esys.Context) error {
				values, err := ctx.PCRReadAll(list)
				if err != nil {
					return err
				}
				return a.printer(cmd).PrintPCRValues(values)
			})
		},
	}
	cmd.Flags().StringVar(&bank, "bank", "sha256", "PCR bank")
	cmd.Flags().IntSliceVar(&pcrs, "pcrs", nil, "PCR indices (default all)")
	return cmd
}

func newPCRExtendCmd(a *app) *cobra.Command {
	var (
		bank   string
		data   string
		digest string
	)
	cmd := &cobra.Command{
		Use:   "extend <pcr>",
		Short: "Extend a PCR with a digest",
		Long: `Extend a PCR with --digest, given in hex, or with the bank's hash of
--data.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid PCR index %q", args[0])
			}
			alg, err := parseBank(bank)
			if err != nil {
				return err
			}
			var d []byte
			switch {
			case digest != "" && data != "":
				return fmt.Errorf("--digest and --data are mutually exclusive")
			case digest != "":
				if d, err = hex.DecodeString(digest); err != nil {
					return fmt.Errorf("invalid digest: %w", err)
				}
			case data != "":
				h := alg.Hash().New()
				h.Write([]byte(data))
				d = h.Sum(nil)
			default:
				return fmt.Errorf("one of --digest or --data is required")
			}
			tagged, err := structures.NewTaggedHash(alg, d)
			if err != nil {
				return err
			}
			digests, err := structures.NewDigestValues(tagged)
			if err != nil {
				return err
			}
			pcr, err := esys.PCR(index)
			if err != nil {
				return err
			}
			return a.withContext(cmd, func(ctx *esys.Context) error {
				if err := ctx.PCRExtend(pcr, digests); err != nil {
					return err
				}
				return a.printer(cmd).PrintSuccess(fmt.Sprintf("Extended PCR %d (%s)", index, strings.ToLower(alg.String())))
			})
		},
	}
	cmd.Flags().StringVar(&bank, "bank", "sha256", "PCR bank")
	cmd.Flags().StringVar(&data, "data", "", "data to hash and extend")
	cmd.Flags().StringVar(&digest, "digest", "", "hex digest to extend")
	return cmd
}
