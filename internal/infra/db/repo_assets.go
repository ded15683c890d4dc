package db

import (
	"context"
	"errors"

	"imgate/internal/domain"

	"gorm.io/gorm"
)

type AssetRepository struct {
	db *gorm.DB
}

func NewAssetRepository(db *gorm.DB) *AssetRepository {
	return &AssetRepository{db: db}
}

func (r *AssetRepository) Create(ctx context.Context, asset domain.Asset) error {
	if r.db == nil {
		return errDBUnavailable
	}
	model := AssetModel{
		ID:               asset.ID,
		Slug:             asset.Slug,
		CreatorAddress:   domain.NormalizeAddress(asset.CreatorAddress),
		PaymentRecipient: domain.NormalizeAddress(asset.PaymentRecipient),
		OriginHash:       asset.OriginHash,
		EncryptedLocator: asset.EncryptedLocator,
		EncryptionKey:    asset.EncryptionKey,
		Price:            asset.Price,
		Filename:         asset.Filename,
		MediaType:        asset.MediaType,
		Width:            asset.Width,
		Height:           asset.Height,
		CreatorName:      asset.Provenance.Name,
		CreatorSocial:    asset.Provenance.SocialHandle,
		CreatorBio:       asset.Provenance.Bio,
		Description:      asset.Provenance.Description,
		CreatedAt:        utc(asset.CreatedAt),
	}
	err := r.db.WithContext(ctx).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrDuplicate
	}
	return err
}

func (r *AssetRepository) GetByID(ctx context.Context, assetID string) (*domain.Asset, error) {
	return r.get(ctx, "id = ?", assetID)
}

func (r *AssetRepository) GetBySlug(ctx context.Context, slug string) (*domain.Asset, error) {
	return r.get(ctx, "slug = ?", slug)
}

func (r *AssetRepository) get(ctx context.Context, query string, arg string) (*domain.Asset, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model AssetModel
	err := r.db.WithContext(ctx).First(&model, query, arg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &domain.Asset{
		ID:               model.ID,
		Slug:             model.Slug,
		CreatorAddress:   model.CreatorAddress,
		PaymentRecipient: model.PaymentRecipient,
		OriginHash:       model.OriginHash,
		EncryptedLocator: model.EncryptedLocator,
		EncryptionKey:    model.EncryptionKey,
		Price:            model.Price,
		Filename:         model.Filename,
		MediaType:        model.MediaType,
		Width:            model.Width,
		Height:           model.Height,
		Provenance: domain.CreatorInfo{
			Name:         model.CreatorName,
			SocialHandle: model.CreatorSocial,
			Bio:          model.CreatorBio,
			Description:  model.Description,
		},
		CreatedAt: model.CreatedAt.UTC(),
	}, nil
}
