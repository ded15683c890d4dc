package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"imgate/internal/config"
	"imgate/internal/domain"
	"imgate/internal/usecase"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type ingestOutput struct {
	AssetID          string `json:"assetId"`
	Slug             string `json:"slug"`
	EncryptedLocator string `json:"encryptedLocator"`
	OriginHash       string `json:"originHash"`
}

func ingestCommand() *cobra.Command {
	var (
		in, slug, creatorAddr, recipient, price string
		creator                                 domain.CreatorInfo
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Encrypt an original, store the ciphertext and register the asset",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd.Context())
			if cfg.DatabaseDriver == config.DatabaseMemory {
				return fmt.Errorf("ingest needs a persistent database; set DATABASE_DRIVER")
			}
			data, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			amount, err := decimal.NewFromString(price)
			if err != nil {
				return fmt.Errorf("%w: price: %v", domain.ErrMalformedInput, err)
			}

			a, err := newApp(cmd.Context(), cfg, slog.Default())
			if err != nil {
				return err
			}
			defer a.Close()

			asset, err := usecase.NewIngestor(a.assets, a.blobs, slog.Default()).Ingest(cmd.Context(), usecase.IngestRequest{
				Data:             data,
				Filename:         in,
				Slug:             slug,
				CreatorAddress:   creatorAddr,
				PaymentRecipient: recipient,
				Price:            amount,
				Provenance:       creator,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ingestOutput{
				AssetID:          asset.ID,
				Slug:             asset.Slug,
				EncryptedLocator: asset.EncryptedLocator,
				OriginHash:       asset.OriginHash,
			})
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "original image")
	cmd.Flags().StringVar(&slug, "slug", "", "public slug; derived from the filename when empty")
	cmd.Flags().StringVar(&creatorAddr, "creator", "", "creator wallet address")
	cmd.Flags().StringVar(&recipient, "recipient", "", "payment recipient, defaults to the creator")
	cmd.Flags().StringVar(&price, "price", "", "price in major currency units, e.g. 10.00")
	cmd.Flags().StringVar(&creator.Name, "creator-name", "", "creator display name")
	cmd.Flags().StringVar(&creator.SocialHandle, "creator-handle", "", "creator social handle")
	cmd.Flags().StringVar(&creator.Bio, "creator-bio", "", "creator bio")
	cmd.Flags().StringVar(&creator.Description, "description", "", "work description")
	for _, f := range []string{"in", "creator", "price"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}
