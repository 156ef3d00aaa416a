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

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-esapi/pkg/esys"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

// nvAttributes are the attributes of indices defined by the CLI: readable
// and writable with the index auth value, exempt from dictionary attack
// protection.
const nvAttributes = structures.NVAuthRead | structures.NVAuthWrite | structures.NVNoDA

func parseIndex(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid NV index %q", s)
	}
	if class, ok := esys.ClassOf(uint32(v)); !ok || class != esys.HandleNVIndex {
		return 0, fmt.Errorf("0x%08x is not an NV index", v)
	}
	return uint32(v), nil
}

func newNVCmd(a *app) *cobra.Command {
	var ownerAuth string
	cmd := &cobra.Command{
		Use:   "nv",
		Short: "Manage NV indices",
	}
	cmd.PersistentFlags().StringVar(&ownerAuth, "owner-auth", "", "owner hierarchy auth value")
	cmd.AddCommand(
		newNVDefineCmd(a, &ownerAuth),
		newNVUndefineCmd(a, &ownerAuth),
		newNVWriteCmd(a),
		newNVReadCmd(a),
	)
	return cmd
}

// owner sets the owner hierarchy auth when one was given.
func owner(ctx *esys.Context, auth string) error {
	if auth == "" {
		return nil
	}
	return ctx.SetHandleAuth(esys.Owner, []byte(auth))
}

// openIndex resolves an existing index and sets its auth value.
func openIndex(ctx *esys.Context, value uint32, auth string) (*esys.Handle, error) {
	index, err := ctx.TRFromTPMPublic(value)
	if err != nil {
		return nil, err
	}
	if auth != "" {
		if err := ctx.SetHandleAuth(index, []byte(auth)); err != nil {
			return nil, err
		}
	}
	return index, nil
}

func newNVDefineCmd(a *app, ownerAuth *string) *cobra.Command {
	var (
		size uint16
		auth string
	)
	cmd := &cobra.Command{
		Use:   "define <index>",
		Short: "Define an NV index under the owner hierarchy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			public, err := structures.NewNVPublic(value, structures.AlgSHA256, nvAttributes, nil, size)
			if err != nil {
				return err
			}
			return a.withContext(cmd, func(ctx *esys.Context) error {
				if err := owner(ctx, *ownerAuth); err != nil {
					return err
				}
				index, err := ctx.NVDefineSpace(esys.Owner, []byte(auth), public)
				if err != nil {
					return err
				}
				return a.printer(cmd).PrintNVPublic(index.NVPublic())
			})
		},
	}
	cmd.Flags().Uint16Var(&size, "size", 32, "index data size in bytes")
	cmd.Flags().StringVar(&auth, "auth", "", "index auth value")
	return cmd
}

func newNVUndefineCmd(a *app, ownerAuth *string) *cobra.Command {
	return &cobra.Command{
		Use:   "undefine <index>",
		Short: "Remove an NV index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			return a.withContext(cmd, func(ctx *esys.Context) error {
				if err := owner(ctx, *ownerAuth); err != nil {
					return err
				}
				index, err := openIndex(ctx, value, "")
				if err != nil {
					return err
				}
				if err := ctx.NVUndefineSpace(esys.Owner, index); err != nil {
					return err
				}
				return a.printer(cmd).PrintSuccess(fmt.Sprintf("Undefined NV index 0x%08x", value))
			})
		},
	}
}

func newNVWriteCmd(a *app) *cobra.Command {
	var (
		auth   string
		data   string
		hexed  string
		offset uint16
	)
	cmd := &cobra.Command{
		Use:   "write <index>",
		Short: "Write data to an NV index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			b := []byte(data)
			if hexed != "" {
				if b, err = hex.DecodeString(hexed); err != nil {
					return fmt.Errorf("invalid hex data: %w", err)
				}
			}
			if len(b) == 0 {
				return fmt.Errorf("one of --data or --hex is required")
			}
			return a.withContext(cmd, func(ctx *esys.Context) error {
				index, err := openIndex(ctx, value, auth)
				if err != nil {
					return err
				}
				if err := ctx.NVWrite(index, index, b, offset); err != nil {
					return err
				}
				return a.printer(cmd).PrintSuccess(fmt.Sprintf("Wrote %d bytes to NV index 0x%08x", len(b), value))
			})
		},
	}
	cmd.Flags().StringVar(&auth, "auth", "", "index auth value")
	cmd.Flags().StringVar(&data, "data", "", "data to write")
	cmd.Flags().StringVar(&hexed, "hex", "", "hex encoded data to write")
	cmd.Flags().Uint16Var(&offset, "offset", 0, "write offset")
	return cmd
}

func newNVReadCmd(a *app) *cobra.Command {
	var (
		auth   string
		size   uint16
		offset uint16
	)
	cmd := &cobra.Command{
		Use:   "read <index>",
		Short: "Read data from an NV index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			return a.withContext(cmd, func(ctx *esys.Context) error {
				index, err := openIndex(ctx, value, auth)
				if err != nil {
					return err
				}
				n := size
				if n == 0 && index.NVPublic() != nil {
					n = index.NVPublic().DataSize() - offset
				}
				b, err := ctx.NVRead(index, index, n, offset)
				if err != nil {
					return err
				}
				return a.printer(cmd).PrintBytes("data", b)
			})
		},
	}
	cmd.Flags().StringVar(&auth, "auth", "", "index auth value")
	cmd.Flags().Uint16Var(&size, "size", 0, "bytes to read (default to the end of the index)")
	cmd.Flags().Uint16Var(&offset, "offset", 0, "read offset")
	return cmd
}
