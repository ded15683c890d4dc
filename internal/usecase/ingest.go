package usecase

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"imgate/internal/domain"
	"imgate/internal/infra/c2pa"
	"imgate/internal/infra/cipher"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type IngestRequest struct {
	Data             []byte
	Filename         string
	Slug             string
	CreatorAddress   string
	PaymentRecipient string
	Price            decimal.Decimal
	Provenance       domain.CreatorInfo
}

// Ingestor encrypts an original under a fresh key, stores the ciphertext
// and records the asset.
type Ingestor struct {
	Assets AssetRepository
	Blobs  BlobPutter

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

func NewIngestor(assets AssetRepository, blobs BlobPutter, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		Assets: assets,
		Blobs:  blobs,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
		logger: logger,
	}
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

func (i *Ingestor) Ingest(ctx context.Context, req IngestRequest) (*domain.Asset, error) {
	if i.Assets == nil || i.Blobs == nil {
		return nil, errors.New("ingestor is not configured")
	}
	if err := validateIngest(req); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(req.Data)
	key, err := cipher.GenerateKey()
	if err != nil {
		return nil, err
	}
	ciphertext, err := cipher.EncryptWithEncodedKey(req.Data, key)
	if err != nil {
		return nil, err
	}

	id := i.newID()
	filename := filepath.Base(req.Filename)
	locator, err := i.Blobs.Put(ctx, id+".enc", ciphertext)
	if err != nil {
		return nil, err
	}

	asset := domain.Asset{
		ID:               id,
		Slug:             req.Slug,
		CreatorAddress:   domain.NormalizeAddress(req.CreatorAddress),
		PaymentRecipient: domain.NormalizeAddress(req.PaymentRecipient),
		OriginHash:       hex.EncodeToString(sum[:]),
		EncryptedLocator: locator,
		EncryptionKey:    key,
		Price:            req.Price,
		Filename:         filename,
		MediaType:        string(c2pa.DetectFormat(req.Data)),
		Provenance:       req.Provenance,
		CreatedAt:        i.now().UTC(),
	}
	if asset.Slug == "" {
		asset.Slug = slugFor(filename, id)
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(req.Data)); err == nil {
		asset.Width, asset.Height = cfg.Width, cfg.Height
	}

	if err := i.Assets.Create(ctx, asset); err != nil {
		return nil, err
	}
	i.logger.InfoContext(ctx, "asset ingested",
		"asset_id", asset.ID,
		"slug", asset.Slug,
		"locator", asset.EncryptedLocator,
		"origin_hash", asset.OriginHash,
		"bytes", len(req.Data),
	)
	return &asset, nil
}

func validateIngest(req IngestRequest) error {
	var errs []error
	if len(req.Data) == 0 {
		errs = append(errs, errors.New("image data is empty"))
	}
	if strings.TrimSpace(req.Filename) == "" {
		errs = append(errs, errors.New("filename is required"))
	}
	if !common.IsHexAddress(req.CreatorAddress) {
		errs = append(errs, errors.New("creator address must be a hex address"))
	}
	if req.PaymentRecipient != "" && !common.IsHexAddress(req.PaymentRecipient) {
		errs = append(errs, errors.New("payment recipient must be a hex address"))
	}
	if !req.Price.IsPositive() {
		errs = append(errs, errors.New("price must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrMalformedInput, errors.Join(errs...))
	}
	return nil
}

func slugFor(filename, id string) string {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	base = strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(base), "-"), "-")
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	if base == "" {
		return short
	}
	return base + "-" + short
}
