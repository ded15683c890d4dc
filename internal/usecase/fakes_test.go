package usecase

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"imgate/internal/domain"
	"imgate/internal/infra/chain/chaintest"
	"imgate/internal/infra/memstore"
	"imgate/internal/infra/policyopa"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

var (
	fixedNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	licenseAddr = common.HexToAddress("0x00000000000000000000000000000000000A11CE")
	tokenAddr   = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	creatorAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	payerAddr   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	txHash      = common.HexToHash("0xabc0000000000000000000000000000000000000000000000000000000000001")
)

type fakeChain struct {
	mu            sync.Mutex
	receipts      map[common.Hash]*types.Receipt
	notFoundFirst int
	err           error
	receiptCalls  int

	head       uint64
	blockTime  time.Time
	logs       []types.Log
	filterErr  error
	lastFilter ethereum.FilterQuery
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptCalls++
	if f.err != nil {
		return nil, f.err
	}
	if f.receiptCalls <= f.notFoundFirst {
		return nil, ethereum.NotFound
	}
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = q
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	return f.logs, nil
}

func (f *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blockTime.IsZero() {
		return nil, ethereum.NotFound
	}
	return &types.Header{Number: number, Time: uint64(f.blockTime.Unix())}, nil
}

func (f *fakeChain) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receiptCalls
}

func (f *fakeChain) addReceipt(hash common.Hash, status uint64, logs ...*types.Log) {
	if f.receipts == nil {
		f.receipts = make(map[common.Hash]*types.Receipt)
	}
	for _, lg := range logs {
		lg.TxHash = hash
	}
	f.receipts[hash] = &types.Receipt{Status: status, TxHash: hash, Logs: logs}
}

type countingPurchases struct {
	*memstore.PurchaseStore
	inserts int
}

func (c *countingPurchases) Insert(ctx context.Context, p domain.Purchase) error {
	c.inserts++
	return c.PurchaseStore.Insert(ctx, p)
}

type harness struct {
	now       time.Time
	assets    *memstore.AssetStore
	purchases *countingPurchases
	chain     *fakeChain
	asset     domain.Asset
	rec       *Reconciler
}

func newHarness(t *testing.T, price string, mutate func(*ReconcilerConfig)) *harness {
	t.Helper()
	h := &harness{
		now:       fixedNow,
		assets:    memstore.NewAssetStore(),
		purchases: &countingPurchases{PurchaseStore: memstore.NewPurchaseStore()},
		chain:     &fakeChain{blockTime: fixedNow},
		asset: domain.Asset{
			ID:             "5b0e9c2e-7f60-4d2b-9a0e-0d7c9f3b1a11",
			Slug:           "harbour-at-dusk",
			CreatorAddress: creatorAddr.Hex(),
			Price:          decimal.RequireFromString(price),
			Filename:       "harbour.png",
			MediaType:      "image/png",
		},
	}
	if err := h.assets.Create(context.Background(), h.asset); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	engine, err := policyopa.NewDefaultEngine(context.Background())
	if err != nil {
		t.Fatalf("policy engine: %v", err)
	}
	cfg := DefaultReconcilerConfig()
	cfg.License = licenseAddr
	cfg.Token = tokenAddr
	cfg.RetryBaseDelay = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	h.rec, err = NewReconciler(h.assets, h.purchases, h.chain, engine, cfg, WithReconcilerClock(func() time.Time { return h.now }))
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return h
}

// addAsset registers another asset sold by the same creator.
func (h *harness) addAsset(t *testing.T, id string) domain.Asset {
	t.Helper()
	a := h.asset
	a.ID = id
	a.Slug = id
	if err := h.assets.Create(context.Background(), a); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	return a
}

func (h *harness) purchasedLog(t *testing.T, amount int64, expiresAt time.Time) *types.Log {
	t.Helper()
	lg, err := chaintest.PurchasedLog(licenseAddr, h.asset.ID, payerAddr, creatorAddr, big.NewInt(amount), expiresAt)
	if err != nil {
		t.Fatalf("purchased log: %v", err)
	}
	return lg
}
