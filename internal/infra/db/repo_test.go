package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"imgate/internal/domain"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store := NewStoreFromDB(gdb)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testAsset() domain.Asset {
	return domain.Asset{
		ID:               "asset-1",
		Slug:             "harbour-at-dusk",
		CreatorAddress:   "0xAbC0000000000000000000000000000000000001",
		OriginHash:       "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		EncryptedLocator: "bafkreigh2akiscaildcqabsyg3dfr6chu3fgpregiymsck7e7aqa4s52zy",
		EncryptionKey:    "a2V5",
		Price:            decimal.RequireFromString("10.00"),
		Filename:         "harbour.jpg",
		MediaType:        "image/jpeg",
		Width:            640,
		Height:           480,
		Provenance:       domain.CreatorInfo{Name: "Ada", Bio: "photographer"},
		CreatedAt:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestAssetRepository_CreateAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	asset := testAsset()

	if err := store.Assets.Create(ctx, asset); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	if err := store.Assets.Create(ctx, asset); !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	byID, err := store.Assets.GetByID(ctx, asset.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if !byID.Price.Equal(asset.Price) {
		t.Fatalf("price mismatch: %s", byID.Price)
	}
	if byID.CreatorAddress != "0xabc0000000000000000000000000000000000001" {
		t.Fatalf("creator address not normalised: %s", byID.CreatorAddress)
	}
	if byID.Recipient() != byID.CreatorAddress {
		t.Fatalf("recipient should fall back to creator")
	}
	if byID.Provenance.Name != "Ada" || byID.EncryptionKey != "a2V5" {
		t.Fatalf("unexpected asset: %+v", byID)
	}

	bySlug, err := store.Assets.GetBySlug(ctx, asset.Slug)
	if err != nil {
		t.Fatalf("get by slug: %v", err)
	}
	if bySlug.ID != asset.ID {
		t.Fatalf("slug lookup returned %s", bySlug.ID)
	}

	if _, err := store.Assets.GetByID(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPurchaseRepository_InsertIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	p := domain.Purchase{
		AssetID:    "asset-1",
		Payer:      "0xPAYER",
		TxRef:      "0xABC",
		AmountPaid: decimal.RequireFromString("9.99"),
		GrantedAt:  now,
		ExpiresAt:  now.Add(24 * time.Hour),
		Source:     domain.PurchaseSourceChainReceipt,
	}
	for i := 0; i < 2; i++ {
		if err := store.Purchases.Insert(ctx, p); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	var count int64
	if err := store.DB.Model(&PurchaseModel{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}

	got, err := store.Purchases.FindLatest(ctx, "asset-1", "0xpayer")
	if err != nil {
		t.Fatalf("find latest: %v", err)
	}
	if got == nil || got.TxRef != "0xabc" || !got.AmountPaid.Equal(p.AmountPaid) {
		t.Fatalf("unexpected purchase: %+v", got)
	}
	if !got.ExpiresAt.Equal(p.ExpiresAt) || got.Source != domain.PurchaseSourceChainReceipt {
		t.Fatalf("unexpected purchase fields: %+v", got)
	}
}

func TestPurchaseRepository_FindLatestPrefersLongestGrant(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)

	rows := []domain.Purchase{
		{AssetID: "a", Payer: "0x1", TxRef: "0xold", GrantedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour)},
		{AssetID: "a", Payer: "0x1", TxRef: "0xnew", GrantedAt: now, ExpiresAt: now.Add(24 * time.Hour)},
		{AssetID: "a", Payer: "0x2", TxRef: "0xother", GrantedAt: now, ExpiresAt: now.Add(48 * time.Hour)},
	}
	for _, r := range rows {
		if err := store.Purchases.Insert(ctx, r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := store.Purchases.FindLatest(ctx, "a", "0x1")
	if err != nil {
		t.Fatalf("find latest: %v", err)
	}
	if got == nil || got.TxRef != "0xnew" {
		t.Fatalf("expected newest grant, got %+v", got)
	}

	none, err := store.Purchases.FindLatest(ctx, "b", "0x1")
	if err != nil || none != nil {
		t.Fatalf("expected no purchase, got %+v, %v", none, err)
	}

	list, err := store.Purchases.ListByPayer(ctx, "0x1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].TxRef != "0xnew" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestPurchaseRepository_TransferTxBacksOneRow(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	first := domain.Purchase{
		AssetID: "asset-1", Payer: "0x1", TxRef: "0xT",
		GrantedAt: now, ExpiresAt: now.Add(24 * time.Hour),
		Source: domain.PurchaseSourceChainTransfer,
	}
	second := first
	second.AssetID = "asset-2"

	for _, p := range []domain.Purchase{first, second, first} {
		if err := store.Purchases.Insert(ctx, p); err != nil {
			t.Fatalf("insert %s: %v", p.AssetID, err)
		}
	}
	rows, err := store.Purchases.FindByTxRef(ctx, "0xt")
	if err != nil {
		t.Fatalf("find by tx: %v", err)
	}
	if len(rows) != 1 || rows[0].AssetID != "asset-1" {
		t.Fatalf("transfer tx should back only the first asset, got %+v", rows)
	}

	// Licence contract receipts carry the asset id and may cover several assets.
	for _, id := range []string{"asset-1", "asset-2"} {
		err := store.Purchases.Insert(ctx, domain.Purchase{
			AssetID: id, Payer: "0x1", TxRef: "0xP",
			GrantedAt: now, ExpiresAt: now.Add(time.Hour),
			Source: domain.PurchaseSourceChainReceipt,
		})
		if err != nil {
			t.Fatalf("insert receipt row: %v", err)
		}
	}
	rows, err = store.Purchases.FindByTxRef(ctx, "0xP")
	if err != nil {
		t.Fatalf("find by tx: %v", err)
	}
	if len(rows) != 2 || rows[0].AssetID != "asset-1" {
		t.Fatalf("unexpected receipt rows: %+v", rows)
	}

	none, err := store.Purchases.FindByTxRef(ctx, "0xmissing")
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no rows, got %+v, %v", none, err)
	}
}

func TestNilStoreIsUnavailable(t *testing.T) {
	repo := NewPurchaseRepository(nil)
	if _, err := repo.FindLatest(context.Background(), "a", "b"); !errors.Is(err, errDBUnavailable) {
		t.Fatalf("expected db unavailable, got %v", err)
	}
	var s *Store
	if s.Enabled() {
		t.Fatal("nil store should not be enabled")
	}
}
