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
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-esapi/pkg/esys"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

var handleRanges = map[string]uint32{
	"pcr":        structures.HandleRangePCR,
	"nv":         structures.HandleRangeNV,
	"hmac":       structures.HandleRangeHMAC,
	"policy":     structures.HandleRangePolicy,
	"permanent":  structures.HandleRangePermanent,
	"transient":  structures.HandleRangeTransient,
	"persistent": structures.HandleRangePersistent,
}

func newCapsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caps",
		Short: "Query TPM capabilities",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "algorithms",
			Short: "List implemented algorithms",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withContext(cmd, func(ctx *esys.Context) error {
					algs, err := ctx.SupportedAlgorithms()
					if err != nil {
						return err
					}
					return a.printer(cmd).PrintAlgorithms(algs)
				})
			},
		},
		&cobra.Command{
			Use:   "pcrs",
			Short: "List allocated PCR banks",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withContext(cmd, func(ctx *esys.Context) error {
					banks, err := ctx.PCRBanks()
					if err != nil {
						return err
					}
					return a.printer(cmd).PrintPCRBanks(banks)
				})
			},
		},
		newCapsHandlesCmd(a),
		newCapsPropertiesCmd(a),
	)
	return cmd
}

func newCapsHandlesCmd(a *app) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "handles",
		Short: "List handles active in the TPM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, ok := handleRanges[strings.ToLower(kind)]
			if !ok {
				return fmt.Errorf("unknown handle range %q", kind)
			}
			return a.withContext(cmd, func(ctx *esys.Context) error {
				handles, err := ctx.ActiveHandles(start)
				if err != nil {
					return err
				}
				return a.printer(cmd).PrintHandles(handles)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "range", "transient",
		"handle range (pcr, nv, hmac, policy, permanent, transient, persistent)")
	return cmd
}

func newCapsPropertiesCmd(a *app) *cobra.Command {
	var variable bool
	cmd := &cobra.Command{
		Use:   "properties",
		Short: "List fixed or variable TPM properties",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := structures.PTFixed
			if variable {
				start = structures.PTVar
			}
			return a.withContext(cmd, func(ctx *esys.Context) error {
				props, err := ctx.TPMProperties(start)
				if err != nil {
					return err
				}
				return a.printer(cmd).PrintProperties(props)
			})
		},
	}
	cmd.Flags().BoolVar(&variable, "variable", false, "list the variable properties instead of the fixed ones")
	return cmd
}
