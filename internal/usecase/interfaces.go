package usecase

import (
	"context"
	"time"

	"imgate/internal/domain"
	"imgate/internal/infra/c2pa"
	"imgate/internal/infra/chain"
)

type AssetRepository interface {
	GetByID(ctx context.Context, assetID string) (*domain.Asset, error)
	GetBySlug(ctx context.Context, slug string) (*domain.Asset, error)
	Create(ctx context.Context, asset domain.Asset) error
}

// PurchaseRepository is the append-only purchase ledger. FindLatest returns
// (nil, nil) when the payer holds no row for the asset. Insert must ignore a
// row that conflicts with an existing grant, including a second
// chain-transfer row for the same tx_ref.
type PurchaseRepository interface {
	FindLatest(ctx context.Context, assetID, payer string) (*domain.Purchase, error)
	FindByTxRef(ctx context.Context, txRef string) ([]domain.Purchase, error)
	Insert(ctx context.Context, p domain.Purchase) error
}

type PurchaseLister interface {
	ListByPayer(ctx context.Context, payer string) ([]domain.Purchase, error)
}

type BlobFetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

type BlobPutter interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// ChainReader is satisfied by *ethclient.Client and chain.Throttled.
type ChainReader = chain.Reader

type PaymentPolicy interface {
	Evaluate(ctx context.Context, input domain.PaymentPolicyInput) (domain.PolicyEvaluation, error)
}

type ManifestSigner interface {
	Sign(image []byte, terms domain.PaymentTerms, creator domain.CreatorInfo, opts c2pa.SignOptions) c2pa.SignResult
}

type AccessChecker interface {
	CheckAsset(ctx context.Context, asset *domain.Asset, req domain.AccessRequest) (domain.AccessDecision, error)
}

type Metrics interface {
	AccessDecision(path string, granted bool)
	ChainAttempt(outcome string, took time.Duration)
	Delivery(mode string)
	Signing(status string)
	IntegrityFailure()
}

type noopMetrics struct{}

func (noopMetrics) AccessDecision(string, bool) {}
func (noopMetrics) ChainAttempt(string, time.Duration) {}
func (noopMetrics) Delivery(string) {}
func (noopMetrics) Signing(string) {}
func (noopMetrics) IntegrityFailure() {}
