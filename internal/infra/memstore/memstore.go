// Package memstore holds assets and purchases in process memory for no-db
// mode and tests. State lives on the returned values, never in globals.
package memstore

import (
	"context"
	"sort"
	"sync"

	"imgate/internal/domain"
)

type AssetStore struct {
	mu     sync.Mutex
	byID   map[string]domain.Asset
	bySlug map[string]string
}

func NewAssetStore() *AssetStore {
	return &AssetStore{}
}

func (m *AssetStore) Create(ctx context.Context, asset domain.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byID == nil {
		m.byID = make(map[string]domain.Asset)
		m.bySlug = make(map[string]string)
	}
	if _, ok := m.byID[asset.ID]; ok {
		return domain.ErrDuplicate
	}
	if _, ok := m.bySlug[asset.Slug]; ok && asset.Slug != "" {
		return domain.ErrDuplicate
	}
	asset.CreatorAddress = domain.NormalizeAddress(asset.CreatorAddress)
	asset.PaymentRecipient = domain.NormalizeAddress(asset.PaymentRecipient)
	m.byID[asset.ID] = asset
	if asset.Slug != "" {
		m.bySlug[asset.Slug] = asset.ID
	}
	return nil
}

func (m *AssetStore) GetByID(ctx context.Context, assetID string) (*domain.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	asset, ok := m.byID[assetID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &asset, nil
}

func (m *AssetStore) GetBySlug(ctx context.Context, slug string) (*domain.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bySlug[slug]
	if !ok {
		return nil, domain.ErrNotFound
	}
	asset := m.byID[id]
	return &asset, nil
}

type grantKey struct {
	assetID string
	payer   string
	txRef   string
}

type PurchaseStore struct {
	mu        sync.Mutex
	rows      []domain.Purchase
	grants    map[grantKey]struct{}
	transfers map[string]struct{}
}

func NewPurchaseStore() *PurchaseStore {
	return &PurchaseStore{}
}

func (m *PurchaseStore) Insert(ctx context.Context, p domain.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grants == nil {
		m.grants = make(map[grantKey]struct{})
		m.transfers = make(map[string]struct{})
	}
	p.Payer = domain.NormalizeAddress(p.Payer)
	p.TxRef = domain.NormalizeAddress(p.TxRef)
	key := grantKey{assetID: p.AssetID, payer: p.Payer, txRef: p.TxRef}
	if _, ok := m.grants[key]; ok {
		return nil
	}
	if p.Source == domain.PurchaseSourceChainTransfer {
		if _, ok := m.transfers[p.TxRef]; ok {
			return nil
		}
		m.transfers[p.TxRef] = struct{}{}
	}
	m.grants[key] = struct{}{}
	m.rows = append(m.rows, p)
	return nil
}

func (m *PurchaseStore) FindLatest(ctx context.Context, assetID, payer string) (*domain.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payer = domain.NormalizeAddress(payer)
	var best *domain.Purchase
	for i := range m.rows {
		row := m.rows[i]
		if row.AssetID != assetID || row.Payer != payer {
			continue
		}
		if best == nil || row.ExpiresAt.After(best.ExpiresAt) ||
			(row.ExpiresAt.Equal(best.ExpiresAt) && row.GrantedAt.After(best.GrantedAt)) {
			best = &row
		}
	}
	return best, nil
}

// FindByTxRef returns every row backed by txRef in insertion order.
func (m *PurchaseStore) FindByTxRef(ctx context.Context, txRef string) ([]domain.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txRef = domain.NormalizeAddress(txRef)
	var out []domain.Purchase
	for _, row := range m.rows {
		if row.TxRef == txRef {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *PurchaseStore) ListByPayer(ctx context.Context, payer string) ([]domain.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payer = domain.NormalizeAddress(payer)
	out := []domain.Purchase{}
	for _, row := range m.rows {
		if row.Payer == payer {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].GrantedAt.After(out[j].GrantedAt) })
	return out, nil
}

// Len reports how many distinct grants are stored.
func (m *PurchaseStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
