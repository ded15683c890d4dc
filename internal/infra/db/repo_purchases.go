package db

import (
	"context"
	"errors"

	"imgate/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PurchaseRepository struct {
	db *gorm.DB
}

func NewPurchaseRepository(db *gorm.DB) *PurchaseRepository {
	return &PurchaseRepository{db: db}
}

// FindLatest returns the grant for (asset, payer) that runs longest, or nil
// when the payer never bought the asset.
func (r *PurchaseRepository) FindLatest(ctx context.Context, assetID, payer string) (*domain.Purchase, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model PurchaseModel
	err := r.db.WithContext(ctx).
		Where("asset_id = ? AND payer = ?", assetID, domain.NormalizeAddress(payer)).
		Order("expires_at DESC").
		Order("granted_at DESC").
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	p := purchaseFromModel(model)
	return &p, nil
}

// FindByTxRef returns every row backed by txRef, oldest first.
func (r *PurchaseRepository) FindByTxRef(ctx context.Context, txRef string) ([]domain.Purchase, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []PurchaseModel
	if err := r.db.WithContext(ctx).
		Where("tx_ref = ?", domain.NormalizeAddress(txRef)).
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Purchase, 0, len(models))
	for _, m := range models {
		out = append(out, purchaseFromModel(m))
	}
	return out, nil
}

// Insert records a grant. Re-inserting the same (asset, payer, tx), or a
// second chain-transfer row for one tx, is a no-op.
func (r *PurchaseRepository) Insert(ctx context.Context, p domain.Purchase) error {
	if r.db == nil {
		return errDBUnavailable
	}
	model := PurchaseModel{
		AssetID:    p.AssetID,
		Payer:      domain.NormalizeAddress(p.Payer),
		TxRef:      domain.NormalizeAddress(p.TxRef),
		AmountPaid: p.AmountPaid,
		Source:     string(p.Source),
		GrantedAt:  utc(p.GrantedAt),
		ExpiresAt:  utc(p.ExpiresAt),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error
}

// ListByPayer returns every grant held by payer, newest first.
func (r *PurchaseRepository) ListByPayer(ctx context.Context, payer string) ([]domain.Purchase, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []PurchaseModel
	if err := r.db.WithContext(ctx).
		Where("payer = ?", domain.NormalizeAddress(payer)).
		Order("granted_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Purchase, 0, len(models))
	for _, m := range models {
		out = append(out, purchaseFromModel(m))
	}
	return out, nil
}

func purchaseFromModel(m PurchaseModel) domain.Purchase {
	return domain.Purchase{
		AssetID:    m.AssetID,
		Payer:      m.Payer,
		TxRef:      m.TxRef,
		AmountPaid: m.AmountPaid,
		Source:     domain.PurchaseSource(m.Source),
		GrantedAt:  m.GrantedAt.UTC(),
		ExpiresAt:  m.ExpiresAt.UTC(),
	}
}
