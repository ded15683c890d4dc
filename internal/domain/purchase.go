package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PurchaseSource string

const (
	PurchaseSourceLedger       PurchaseSource = "ledger"
	PurchaseSourceChainReceipt PurchaseSource = "chain-receipt"
	PurchaseSourceChainScan    PurchaseSource = "chain-scan"
	// PurchaseSourceChainTransfer rows come from a plain token transfer. The
	// transfer carries no asset id, so its tx_ref may back only one row.
	PurchaseSourceChainTransfer PurchaseSource = "chain-transfer"
)

// Purchase is one append-only ledger row. A payer may hold several rows for
// the same asset; only rows with ExpiresAt in the future confer access.
type Purchase struct {
	AssetID    string          `json:"assetId"`
	Payer      string          `json:"payer"`
	TxRef      string          `json:"txRef"`
	AmountPaid decimal.Decimal `json:"amountPaid"`
	GrantedAt  time.Time       `json:"grantedAt"`
	ExpiresAt  time.Time       `json:"expiresAt"`
	Source     PurchaseSource  `json:"source,omitempty"`
}

func (p Purchase) Active(now time.Time) bool {
	return now.Before(p.ExpiresAt)
}

type AccessRequest struct {
	AssetID string
	Payer   string
	TxRef   string
}

type AccessDecision struct {
	Granted  bool
	Purchase *Purchase
	// Path is the reconciler step that produced the decision.
	Path string
}

const (
	AccessPathLocal   = "local"
	AccessPathReceipt = "receipt"
	AccessPathScan    = "scan"
	AccessPathDenied  = "denied"
)
