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
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-esapi/pkg/esys"
)

func newRandomCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "random <bytes>",
		Short: "Read random bytes from the TPM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid byte count %q", args[0])
			}
			return a.withContext(cmd, func(ctx *esys.Context) error {
				b, err := ctx.GetRandom(n)
				if err != nil {
					return err
				}
				return a.printer(cmd).PrintBytes("random", b)
			})
		},
	}
}
