package db

import (
	"time"

	"github.com/shopspring/decimal"
)

type AssetModel struct {
	ID               string          `gorm:"primaryKey"`
	Slug             string          `gorm:"uniqueIndex;not null"`
	CreatorAddress   string          `gorm:"index;not null"`
	PaymentRecipient string
	OriginHash       string          `gorm:"index;not null"`
	EncryptedLocator string          `gorm:"not null"`
	EncryptionKey    string          `gorm:"not null"`
	Price            decimal.Decimal `gorm:"type:numeric;not null"`
	Filename         string          `gorm:"not null"`
	MediaType        string          `gorm:"not null"`
	Width            int
	Height           int
	CreatorName      string
	CreatorSocial    string
	CreatorBio       string
	Description      string
	CreatedAt        time.Time `gorm:"not null"`
}

func (AssetModel) TableName() string { return "assets" }

// PurchaseModel rows are unique per (asset, payer, tx) so replays of the
// same payment collapse into one grant. A chain-transfer tx backs at most
// one row.
type PurchaseModel struct {
	ID         int64           `gorm:"primaryKey"`
	AssetID    string          `gorm:"uniqueIndex:idx_purchases_grant,priority:1;index:idx_purchases_lookup,priority:1;not null"`
	Payer      string          `gorm:"uniqueIndex:idx_purchases_grant,priority:2;index:idx_purchases_lookup,priority:2;not null"`
	TxRef      string          `gorm:"uniqueIndex:idx_purchases_grant,priority:3;uniqueIndex:idx_purchases_transfer,where:source = 'chain-transfer';not null"`
	AmountPaid decimal.Decimal `gorm:"type:numeric;not null"`
	Source     string          `gorm:"not null"`
	GrantedAt  time.Time       `gorm:"not null"`
	ExpiresAt  time.Time       `gorm:"index:idx_purchases_lookup,priority:3;not null"`
}

func (PurchaseModel) TableName() string { return "purchases" }
