package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"imgate/internal/domain"
	"imgate/internal/infra/c2pa"
	"imgate/internal/infra/cipher"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func keygenCommand() *cobra.Command {
	var testSigner bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a fresh asset encryption key, or a test signing credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if testSigner {
				cred, err := c2pa.NewTestCredential(time.Now())
				if err != nil {
					return err
				}
				certPEM, keyPEM, err := cred.EncodePEM()
				if err != nil {
					return err
				}
				fmt.Fprint(out, certPEM, keyPEM)
				return nil
			}
			key, err := cipher.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(out, key)
			return nil
		},
	}
	cmd.Flags().BoolVar(&testSigner, "test-signer", false, "emit a self-signed c2pa certificate and key (not for production)")
	return cmd
}

func encryptCommand() *cobra.Command {
	var in, out, key string
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a file with a base64 key",
		RunE: func(cmd *cobra.Command, args []string) error {
			plaintext, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			if key == "" {
				if key, err = cipher.GenerateKey(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			blob, err := cipher.EncryptWithEncodedKey(plaintext, key)
			if err != nil {
				return err
			}
			return os.WriteFile(out, blob, 0o600)
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "plaintext file")
	cmd.Flags().StringVar(&out, "out", "", "ciphertext file")
	cmd.Flags().StringVar(&key, "key", "", "base64 key; a new key is generated and printed when empty")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func decryptCommand() *cobra.Command {
	var in, out, key string
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt a file produced by encrypt or ingest",
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			plaintext, err := cipher.DecryptWithEncodedKey(blob, key)
			if err != nil {
				if errors.Is(err, domain.ErrIntegrity) {
					slog.Error("ciphertext failed authentication", "security", true, "file", in)
				}
				return err
			}
			return os.WriteFile(out, plaintext, 0o600)
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "ciphertext file")
	cmd.Flags().StringVar(&out, "out", "", "plaintext file")
	cmd.Flags().StringVar(&key, "key", "", "base64 key")
	for _, f := range []string{"in", "out", "key"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func signCommand() *cobra.Command {
	var (
		in, out, recipient, price, title, payer, txRef string
		creator                                        domain.CreatorInfo
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Embed a signed provenance manifest with payment terms into an image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd.Context())
			image, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			amount, err := decimal.NewFromString(price)
			if err != nil {
				return fmt.Errorf("%w: price: %v", domain.ErrMalformedInput, err)
			}
			signer, err := newSigner(cfg, slog.Default())
			if err != nil {
				return err
			}
			res := signer.Sign(image, domain.PaymentTerms{
				Scheme:    cfg.PaymentScheme,
				Network:   cfg.PaymentNetwork,
				Recipient: recipient,
				Amount:    amount,
				Currency:  cfg.PaymentCurrency,
			}, creator, c2pa.SignOptions{Title: title, Payer: payer, TxRef: txRef})
			if err := os.WriteFile(out, res.Bytes, 0o644); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "source image")
	cmd.Flags().StringVar(&out, "out", "", "signed image")
	cmd.Flags().StringVar(&recipient, "recipient", "", "payment recipient address")
	cmd.Flags().StringVar(&price, "price", "0", "price in major currency units")
	cmd.Flags().StringVar(&title, "title", "", "manifest title")
	cmd.Flags().StringVar(&payer, "payer", "", "licensee address")
	cmd.Flags().StringVar(&txRef, "tx", "", "purchase transaction hash")
	cmd.Flags().StringVar(&creator.Name, "creator-name", "", "creator display name")
	cmd.Flags().StringVar(&creator.SocialHandle, "creator-handle", "", "creator social handle")
	cmd.Flags().StringVar(&creator.Description, "description", "", "work description")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func inspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <image>",
		Short: "Print the embedded provenance manifest as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(c2pa.ParseManifest(data))
		},
	}
}
