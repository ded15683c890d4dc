package usecase

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"imgate/internal/domain"
	"imgate/internal/infra/chain"
	"imgate/internal/infra/chain/chaintest"
	"imgate/internal/infra/memstore"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

func TestReconciler_LocalExpiryBoundary(t *testing.T) {
	purchases := memstore.NewPurchaseStore()
	assets := memstore.NewAssetStore()
	_ = assets.Create(context.Background(), domain.Asset{ID: "asset-1", CreatorAddress: creatorAddr.Hex()})
	rec, err := NewReconciler(assets, purchases, nil, nil, DefaultReconcilerConfig(),
		WithReconcilerClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	req := domain.AccessRequest{AssetID: "asset-1", Payer: payerAddr.Hex()}

	_ = purchases.Insert(context.Background(), domain.Purchase{
		AssetID: "asset-1", Payer: payerAddr.Hex(), TxRef: "0x01",
		GrantedAt: fixedNow.Add(-24 * time.Hour), ExpiresAt: fixedNow,
	})
	decision, err := rec.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Granted {
		t.Fatalf("row expiring exactly now must not grant access")
	}

	_ = purchases.Insert(context.Background(), domain.Purchase{
		AssetID: "asset-1", Payer: payerAddr.Hex(), TxRef: "0x02",
		GrantedAt: fixedNow, ExpiresAt: fixedNow.Add(time.Nanosecond),
	})
	decision, err = rec.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !decision.Granted || decision.Path != domain.AccessPathLocal {
		t.Fatalf("expected local grant, got %+v", decision)
	}
	if decision.Purchase.TxRef != "0x02" {
		t.Fatalf("expected latest grant, got %s", decision.Purchase.TxRef)
	}
}

func TestReconciler_ChainFallbackWritesBack(t *testing.T) {
	h := newHarness(t, "10.00", nil)
	h.chain.addReceipt(txHash, types.ReceiptStatusSuccessful, h.purchasedLog(t, 10_000_000, fixedNow.Add(24*time.Hour)))
	req := domain.AccessRequest{AssetID: h.asset.ID, Payer: payerAddr.Hex(), TxRef: txHash.Hex()}

	decision, err := h.rec.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !decision.Granted || decision.Path != domain.AccessPathReceipt {
		t.Fatalf("expected receipt grant, got %+v", decision)
	}
	if !decision.Purchase.AmountPaid.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("unexpected amount %s", decision.Purchase.AmountPaid)
	}
	if !decision.Purchase.ExpiresAt.Equal(fixedNow.Add(24 * time.Hour)) {
		t.Fatalf("expiry should come from the event, got %v", decision.Purchase.ExpiresAt)
	}
	if decision.Purchase.Source != domain.PurchaseSourceChainReceipt {
		t.Fatalf("unexpected source %s", decision.Purchase.Source)
	}

	decision, err = h.rec.Check(context.Background(), domain.AccessRequest{AssetID: h.asset.ID, Payer: payerAddr.Hex()})
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if !decision.Granted || decision.Path != domain.AccessPathLocal {
		t.Fatalf("second check should resolve locally, got %+v", decision)
	}
	if h.chain.calls() != 1 {
		t.Fatalf("expected a single receipt lookup, got %d", h.chain.calls())
	}
}

// laggingPurchases never sees its own writes, as with a stale read replica.
type laggingPurchases struct {
	*countingPurchases
}

func (laggingPurchases) FindLatest(ctx context.Context, assetID, payer string) (*domain.Purchase, error) {
	return nil, nil
}

func TestReconciler_WriteBackIsIdempotent(t *testing.T) {
	h := newHarness(t, "10", nil)
	h.chain.addReceipt(txHash, types.ReceiptStatusSuccessful, h.purchasedLog(t, 10_000_000, fixedNow.Add(24*time.Hour)))
	h.rec.Purchases = laggingPurchases{h.purchases}
	req := domain.AccessRequest{AssetID: h.asset.ID, Payer: payerAddr.Hex(), TxRef: txHash.Hex()}

	for i := 0; i < 3; i++ {
		decision, err := h.rec.Check(context.Background(), req)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !decision.Granted || decision.Path != domain.AccessPathReceipt {
			t.Fatalf("check %d: expected receipt grant, got %+v", i, decision)
		}
	}
	if h.purchases.inserts != 1 {
		t.Fatalf("stored grant should be reused, got %d write-backs", h.purchases.inserts)
	}
	if h.purchases.Len() != 1 {
		t.Fatalf("expected exactly one ledger row, got %d", h.purchases.Len())
	}
}

func TestReconciler_Underpaid(t *testing.T) {
	h := newHarness(t, "10.00", nil)
	h.chain.addReceipt(txHash, types.ReceiptStatusSuccessful, h.purchasedLog(t, 9_990_000, fixedNow.Add(24*time.Hour)))

	decision, err := h.rec.Check(context.Background(), domain.AccessRequest{AssetID: h.asset.ID, Payer: payerAddr.Hex(), TxRef: txHash.Hex()})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Granted {
		t.Fatalf("underpayment must be denied")
	}
	if h.purchases.inserts != 0 {
		t.Fatalf("denied payments must not be written back")
	}
}

func TestReconciler_FailedReceiptDenied(t *testing.T) {
	h := newHarness(t, "10", nil)
	h.chain.addReceipt(txHash, types.ReceiptStatusFailed, h.purchasedLog(t, 10_000_000, fixedNow.Add(time.Hour)))

	decision, err := h.rec.Check(context.Background(), domain.AccessRequest{AssetID: h.asset.ID, Payer: payerAddr.Hex(), TxRef: txHash.Hex()})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Granted {
		t.Fatalf("reverted transaction must be denied")
	}
}

func TestReconciler_WrongPayerDenied(t *testing.T) {
	h := newHarness(t, "10", nil)
	h.chain.addReceipt(txHash, types.ReceiptStatusSuccessful, h.purchasedLog(t, 10_000_000, fixedNow.Add(time.Hour)))

	decision, err := h.rec.Check(context.Background(), domain.AccessRequest{
		AssetID: h.asset.ID,
		Payer:   "0x3333333333333333333333333333333333333333",
		TxRef:   txHash.Hex(),
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Granted {
		t.Fatalf("payment by another account must not grant access")
	}
}

func TestReconciler_ReceiptRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, "10", nil)
	h.chain.notFoundFirst = 2
	h.chain.addReceipt(txHash, types.ReceiptStatusSuccessful, h.purchasedLog(t, 10_000_000, fixedNow.Add(time.Hour)))

	decision, err := h.rec.Check(context.Background(), domain.AccessRequest{AssetID: h.asset.ID, Payer: payerAddr.Hex(), TxRef: txHash.Hex()})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !decision.Granted {
		t.Fatalf("expected grant after retries")
	}
	if h.chain.calls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", h.chain.calls())
	}
}

func TestReceiptNeverAppearsIsDenied(t *testing.T) {
	h := newHarness(t, "10", nil)

	decision, err := h.rec.Check(context.Background(), domain.AccessRequest{AssetID: h.asset.ID, Payer: payerAddr.Hex(), TxRef: txHash.Hex()})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Granted {
		t.Fatalf("missing receipt must be denied")
	}
	if h.chain.calls() != 4 {
		t.Fatalf("expected initial attempt plus 3 retries, got %d", h.chain.calls())
	}
}

func TestReceiptBackOffCeilingIsBounded(t *testing.T) {
	h := newHarness(t, "10", func(cfg *ReconcilerConfig) {
		cfg.RetryMax = 64
		cfg.RetryBaseDelay = time.Second
	})
	b := h.rec.receiptBackOff()
	if b.MaxInterval != time.Second<<maxRetryShift {
		t.Fatalf("unexpected ceiling %v", b.MaxInterval)
	}
	prev := time.Duration(0)
	for i := 0; i < 64; i++ {
		d := b.NextBackOff()
		if d <= 0 || d < prev || d > b.MaxInterval {
			t.Fatalf("attempt %d: delay %v out of range", i, d)
		}
		prev = d
	}
}

func TestReceiptTransportErrorIsUpstream(t *testing.T) {
	h := newHarness(t, "10", nil)
	h.chain.err = errors.New("connection refused")

	_, err := h.rec.Check(context.Background(), domain.AccessRequest{AssetID: h.asset.ID, Payer: payerAddr.Hex(), TxRef: txHash.Hex()})
	if !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func acceptTransfers(cfg *ReconcilerConfig) { cfg.AcceptTransfers = true }

func (h *harness) addTransfer(hash common.Hash, price string) {
	lg := chaintest.TransferLog(tokenAddr, payerAddr, creatorAddr, chain.ToMinorUnits(decimal.RequireFromString(price)))
	lg.BlockNumber = 1234
	h.chain.addReceipt(hash, types.ReceiptStatusSuccessful, lg)
}

func TestReconciler_TransferPath(t *testing.T) {
	h := newHarness(t, "2.5", acceptTransfers)
	h.chain.blockTime = fixedNow.Add(-time.Hour)
	h.addTransfer(txHash, "2.5")

	decision, err := h.rec.Check(context.Background(), domain.AccessRequest{AssetID: h.asset.ID, Payer: payerAddr.Hex(), TxRef: txHash.Hex()})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !decision.Granted {
		t.Fatalf("transfer to the creator should be accepted")
	}
	if !decision.Purchase.ExpiresAt.Equal(fixedNow.Add(23 * time.Hour)) {
		t.Fatalf("transfer grants run from the block time, got %v", decision.Purchase.ExpiresAt)
	}
	if decision.Purchase.Source != domain.PurchaseSourceChainTransfer {
		t.Fatalf("unexpected source %s", decision.Purchase.Source)
	}

	h2 := newHarness(t, "2.5", nil)
	h2.addTransfer(txHash, "2.5")
	decision, err = h2.rec.Check(context.Background(), domain.AccessRequest{AssetID: h2.asset.ID, Payer: payerAddr.Hex(), TxRef: txHash.Hex()})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Granted {
		t.Fatalf("transfers must be ignored unless enabled")
	}
}

func TestReconciler_TransferReplayAfterExpiryDenied(t *testing.T) {
	h := newHarness(t, "2.5", acceptTransfers)
	h.addTransfer(txHash, "2.5")
	req := domain.AccessRequest{AssetID: h.asset.ID, Payer: payerAddr.Hex(), TxRef: txHash.Hex()}

	decision, err := h.rec.Check(context.Background(), req)
	if err != nil || !decision.Granted {
		t.Fatalf("first check should grant, got %+v %v", decision, err)
	}

	for _, later := range []time.Duration{48 * time.Hour, 96 * time.Hour} {
		h.now = fixedNow.Add(later)
		decision, err := h.rec.Check(context.Background(), req)
		if err != nil {
			t.Fatalf("check at +%v: %v", later, err)
		}
		if decision.Granted {
			t.Fatalf("replaying a consumed transfer at +%v must not grant, expiry %v", later, decision.Purchase.ExpiresAt)
		}
	}
	if h.purchases.Len() != 1 {
		t.Fatalf("expected a single ledger row, got %d", h.purchases.Len())
	}
}

func TestReconciler_StoredGrantWinsOverReplay(t *testing.T) {
	h := newHarness(t, "2.5", acceptTransfers)
	h.addTransfer(txHash, "2.5")
	// The grant was recorded long ago; the node now reports a later block time.
	err := h.purchases.Insert(context.Background(), domain.Purchase{
		AssetID: h.asset.ID, Payer: payerAddr.Hex(), TxRef: txHash.Hex(),
		GrantedAt: fixedNow.Add(-72 * time.Hour), ExpiresAt: fixedNow.Add(-48 * time.Hour),
		Source: domain.PurchaseSourceChainTransfer,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	decision, err := h.rec.Check(context.Background(), domain.AccessRequest{AssetID: h.asset.ID, Payer: payerAddr.Hex(), TxRef: txHash.Hex()})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Granted {
		t.Fatalf("a lapsed stored grant must not be renewed by the same tx")
	}
}

func TestReconciler_TransferBindsToOneAsset(t *testing.T) {
	h := newHarness(t, "2.5", acceptTransfers)
	other := h.addAsset(t, "asset-other")
	h.addTransfer(txHash, "2.5")

	first, err := h.rec.Register(context.Background(), domain.AccessRequest{AssetID: h.asset.ID, Payer: payerAddr.Hex(), TxRef: txHash.Hex()})
	if err != nil || !first.Granted {
		t.Fatalf("first registration should grant, got %+v %v", first, err)
	}
	second, err := h.rec.Register(context.Background(), domain.AccessRequest{AssetID: other.ID, Payer: payerAddr.Hex(), TxRef: txHash.Hex()})
	if err != nil {
		t.Fatalf("second registration: %v", err)
	}
	if second.Granted {
		t.Fatalf("one transfer must not unlock a second asset")
	}

	again, err := h.rec.Check(context.Background(), domain.AccessRequest{AssetID: h.asset.ID, Payer: payerAddr.Hex()})
	if err != nil || !again.Granted || again.Path != domain.AccessPathLocal {
		t.Fatalf("original asset should stay unlocked, got %+v %v", again, err)
	}
}

func TestReconciler_TransferWithoutBlockTimeIsUpstream(t *testing.T) {
	h := newHarness(t, "2.5", acceptTransfers)
	h.chain.blockTime = time.Time{}
	h.addTransfer(txHash, "2.5")

	_, err := h.rec.Check(context.Background(), domain.AccessRequest{AssetID: h.asset.ID, Payer: payerAddr.Hex(), TxRef: txHash.Hex()})
	if !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestReconciler_IgnoresUnconfiguredEmitters(t *testing.T) {
	forged, err := chaintest.PurchasedLog(common.HexToAddress("0x000000000000000000000000000000000000dEaD"),
		"5b0e9c2e-7f60-4d2b-9a0e-0d7c9f3b1a11", payerAddr, creatorAddr, big.NewInt(10_000_000), fixedNow.Add(365*24*time.Hour))
	if err != nil {
		t.Fatalf("purchased log: %v", err)
	}

	unset := newHarness(t, "10", func(cfg *ReconcilerConfig) {
		cfg.License = common.Address{}
		cfg.Token = common.Address{}
		cfg.AcceptTransfers = true
	})
	configured := newHarness(t, "10", nil)
	for name, h := range map[string]*harness{"unset": unset, "configured": configured} {
		lg := *forged
		h.chain.addReceipt(txHash, types.ReceiptStatusSuccessful, &lg)
		decision, err := h.rec.Check(context.Background(), domain.AccessRequest{AssetID: h.asset.ID, Payer: payerAddr.Hex(), TxRef: txHash.Hex()})
		if err != nil {
			t.Fatalf("%s: check: %v", name, err)
		}
		if decision.Granted {
			t.Fatalf("%s: event from an unknown contract must not grant access", name)
		}
	}
}

func TestReconciler_ScanOnMiss(t *testing.T) {
	h := newHarness(t, "10", func(cfg *ReconcilerConfig) { cfg.ScanOnMiss = true })
	h.chain.head = 200000
	lg := h.purchasedLog(t, 10_000_000, fixedNow.Add(48*time.Hour))
	lg.TxHash = txHash
	lg.BlockNumber = 199000
	h.chain.logs = []types.Log{*lg}

	decision, err := h.rec.Check(context.Background(), domain.AccessRequest{AssetID: h.asset.ID, Payer: payerAddr.Hex()})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !decision.Granted || decision.Path != domain.AccessPathScan {
		t.Fatalf("expected scan grant, got %+v", decision)
	}
	if got := h.chain.lastFilter.FromBlock.Uint64(); got != 110000 {
		t.Fatalf("scan should start 90000 blocks back, got %d", got)
	}
	if decision.Purchase.TxRef != domain.NormalizeAddress(txHash.Hex()) {
		t.Fatalf("unexpected tx ref %s", decision.Purchase.TxRef)
	}
}

func TestReconciler_MalformedInput(t *testing.T) {
	h := newHarness(t, "10", nil)
	cases := []domain.AccessRequest{
		{AssetID: h.asset.ID, Payer: "not-an-address"},
		{AssetID: h.asset.ID, Payer: payerAddr.Hex(), TxRef: "0x1234"},
		{Payer: payerAddr.Hex()},
	}
	for _, req := range cases {
		if _, err := h.rec.Check(context.Background(), req); !errors.Is(err, domain.ErrMalformedInput) {
			t.Fatalf("expected malformed input for %+v, got %v", req, err)
		}
	}
	if _, err := h.rec.Register(context.Background(), domain.AccessRequest{AssetID: h.asset.ID, Payer: payerAddr.Hex()}); !errors.Is(err, domain.ErrMalformedInput) {
		t.Fatalf("register without tx must be malformed, got %v", err)
	}
}

func TestReconciler_UnknownAsset(t *testing.T) {
	h := newHarness(t, "10", nil)
	_, err := h.rec.Check(context.Background(), domain.AccessRequest{AssetID: "missing", Payer: payerAddr.Hex()})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
