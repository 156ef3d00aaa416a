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
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-esapi/pkg/abstraction"
	"github.com/jeremyhahn/go-esapi/pkg/esys"
	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

// SignResult is the outcome of the sign command.
type SignResult struct {
	KeyID     uuid.UUID
	KeyAuth   []byte
	Created   bool
	Signature *structures.Signature
	Verified  bool
}

func newSignCmd(a *app) *cobra.Command {
	var (
		data        string
		keyID       string
		keyAuth     string
		keySize     int
		rootKeySize int
		authSize    int
		ownerAuth   string
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign data with a transient RSA key",
		Long: `Sign the SHA-256 digest of --data with an RSASSA key under a transient
storage root. Without --key a new key is created and its saved context is
written to the key store; the printed key id selects it on later runs.
The signature is verified by the TPM before it is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if data == "" {
				return fmt.Errorf("--data is required")
			}
			var auth []byte
			if keyAuth != "" {
				var err error
				if auth, err = hex.DecodeString(keyAuth); err != nil {
					return fmt.Errorf("invalid key auth: %w", err)
				}
			}
			store := abstraction.NewStore(a.fs, a.cfg.KeyStore.Path)
			digest := sha256.Sum256([]byte(data))

			return a.withContext(cmd, func(ctx *esys.Context) error {
				toc, err := abstraction.NewTransientObjectContext(ctx, rootKeySize, abstraction.MaxAuthSize,
					[]byte(ownerAuth), abstraction.WithLogger(a.logger))
				if err != nil {
					return err
				}
				res := SignResult{KeyAuth: auth}
				var saved *structures.SavedContext
				if keyID != "" {
					if res.KeyID, err = uuid.Parse(keyID); err != nil {
						return fmt.Errorf("invalid key id: %w", err)
					}
					if saved, err = store.Get(res.KeyID); err != nil {
						return err
					}
				} else {
					if saved, res.KeyAuth, err = toc.CreateRSASigningKey(keySize, authSize); err != nil {
						return err
					}
					if res.KeyID, err = store.Put(saved); err != nil {
						return err
					}
					res.Created = true
					a.printVerbose(cmd, "created key %s", res.KeyID)
				}
				if res.Signature, err = toc.Sign(saved, res.KeyAuth, digest[:]); err != nil {
					return err
				}
				_, verr := toc.VerifySignature(saved, digest[:], res.Signature)
				res.Verified = verr == nil
				if verr != nil {
					a.logger.Warnf("signature verification failed: %v", verr)
				}
				return a.printer(cmd).PrintSignature(res)
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "data to sign")
	cmd.Flags().StringVar(&keyID, "key", "", "id of a stored key (default creates a key)")
	cmd.Flags().StringVar(&keyAuth, "key-auth", "", "hex auth value of the stored key")
	cmd.Flags().IntVar(&keySize, "key-size", 2048, "RSA key size of a new key (1024, 2048)")
	cmd.Flags().IntVar(&rootKeySize, "root-key-size", 2048, "RSA key size of the storage root (1024, 2048)")
	cmd.Flags().IntVar(&authSize, "auth-size", 0, "random auth value size of a new key")
	cmd.Flags().StringVar(&ownerAuth, "owner-auth", "", "owner hierarchy auth value")
	return cmd
}
