package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"imgate/internal/domain"
	"imgate/internal/infra/c2pa"
	"imgate/internal/infra/cipher"
)

// TermsTemplate carries the deployment-wide parts of the payment terms;
// recipient and amount come from the asset.
type TermsTemplate struct {
	Scheme   string
	Network  string
	Currency string
}

func (t TermsTemplate) For(asset *domain.Asset) domain.PaymentTerms {
	return domain.PaymentTerms{
		Scheme:    t.Scheme,
		Network:   t.Network,
		Recipient: asset.Recipient(),
		Amount:    asset.Price,
		Currency:  t.Currency,
	}
}

type Orchestrator struct {
	Assets AssetRepository
	Access AccessChecker
	Blobs  BlobFetcher
	Signer ManifestSigner
	Terms  TermsTemplate

	logger  *slog.Logger
	metrics Metrics
}

type OrchestratorOption func(*Orchestrator)

func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

func WithOrchestratorMetrics(m Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

func NewOrchestrator(assets AssetRepository, access AccessChecker, blobs BlobFetcher, signer ManifestSigner, terms TermsTemplate, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		Assets:  assets,
		Access:  access,
		Blobs:   blobs,
		Signer:  signer,
		Terms:   terms,
		logger:  slog.Default(),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ResolveAsset looks an asset up by id, falling back to slug.
func (o *Orchestrator) ResolveAsset(ctx context.Context, assetID, slug string) (*domain.Asset, error) {
	assetID = strings.TrimSpace(assetID)
	slug = strings.TrimSpace(slug)
	switch {
	case assetID != "":
		return o.Assets.GetByID(ctx, assetID)
	case slug != "":
		return o.Assets.GetBySlug(ctx, slug)
	default:
		return nil, fmt.Errorf("%w: assetId or slug is required", domain.ErrMalformedInput)
	}
}

// Deliver checks access and releases the asset either as decryption
// material (info) or as freshly signed plaintext (direct).
func (o *Orchestrator) Deliver(ctx context.Context, req domain.DeliverRequest) (*domain.Delivery, error) {
	if req.Mode == "" {
		req.Mode = domain.DeliverModeInfo
	}
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", domain.ErrMalformedInput, req.Mode)
	}
	if o.Assets == nil || o.Access == nil {
		return nil, errors.New("orchestrator is not configured")
	}
	asset, err := o.ResolveAsset(ctx, req.AssetID, req.Slug)
	if err != nil {
		return nil, err
	}
	decision, err := o.Access.CheckAsset(ctx, asset, domain.AccessRequest{
		AssetID: asset.ID,
		Payer:   req.Payer,
		TxRef:   req.TxRef,
	})
	if err != nil {
		return nil, err
	}
	if !decision.Granted || decision.Purchase == nil {
		return nil, domain.ErrForbidden
	}
	purchase := *decision.Purchase

	delivery := &domain.Delivery{Mode: req.Mode, Purchase: purchase}
	switch req.Mode {
	case domain.DeliverModeInfo:
		delivery.Info = &domain.DownloadInfo{
			CiphertextLocator:   asset.EncryptedLocator,
			EncryptionKeyBase64: asset.EncryptionKey,
			Filename:            asset.Filename,
			ExpiresAt:           purchase.ExpiresAt,
		}
	case domain.DeliverModeDirect:
		file, err := o.direct(ctx, asset, purchase)
		if err != nil {
			return nil, err
		}
		delivery.File = file
	}
	o.metrics.Delivery(string(req.Mode))
	return delivery, nil
}

func (o *Orchestrator) direct(ctx context.Context, asset *domain.Asset, purchase domain.Purchase) (*domain.FileBytes, error) {
	if o.Blobs == nil {
		return nil, fmt.Errorf("%w: blob store is not configured", domain.ErrUpstreamUnavailable)
	}
	ciphertext, err := o.Blobs.Fetch(ctx, asset.EncryptedLocator)
	if err != nil {
		if errors.Is(err, domain.ErrIntegrity) {
			o.integrityFailure(ctx, asset, "ciphertext does not match its locator", err)
			return nil, err
		}
		if !errors.Is(err, domain.ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: fetch %s: %v", domain.ErrUpstreamUnavailable, asset.EncryptedLocator, err)
		}
		return nil, err
	}

	plaintext, err := cipher.DecryptWithEncodedKey(ciphertext, asset.EncryptionKey)
	if err != nil {
		if errors.Is(err, domain.ErrIntegrity) {
			o.integrityFailure(ctx, asset, "ciphertext failed authentication", err)
		}
		return nil, err
	}

	file := &domain.FileBytes{
		Bytes:         plaintext,
		Filename:      asset.Filename,
		ContentType:   asset.MediaType,
		SigningStatus: domain.SignStatusDegradedUnsigned,
	}
	if o.Signer != nil {
		res := o.Signer.Sign(plaintext, o.Terms.For(asset), asset.Provenance, c2pa.SignOptions{
			Title: asset.Filename,
			Payer: purchase.Payer,
			TxRef: purchase.TxRef,
		})
		file.Bytes = res.Bytes
		file.SigningStatus = res.Status
		if file.ContentType == "" {
			file.ContentType = string(res.Format)
		}
	}
	if file.ContentType == "" {
		file.ContentType = string(c2pa.DetectFormat(file.Bytes))
	}
	o.metrics.Signing(string(file.SigningStatus))
	return file, nil
}

func (o *Orchestrator) integrityFailure(ctx context.Context, asset *domain.Asset, msg string, err error) {
	o.metrics.IntegrityFailure()
	o.logger.ErrorContext(ctx, msg,
		"security", true,
		"asset_id", asset.ID,
		"locator", asset.EncryptedLocator,
		"error", err,
	)
}
