package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CreatorInfo is the attribution embedded into creative-work assertions.
type CreatorInfo struct {
	Name         string `json:"name,omitempty"`
	SocialHandle string `json:"socialHandle,omitempty"`
	Bio          string `json:"bio,omitempty"`
	Description  string `json:"description,omitempty"`
}

func (c CreatorInfo) IsZero() bool {
	return c.Name == "" && c.SocialHandle == "" && c.Bio == "" && c.Description == ""
}

// Asset is one licensable image. EncryptionKey never leaves server-side
// fulfilment code paths, so it is excluded from JSON.
type Asset struct {
	ID               string          `json:"assetId"`
	Slug             string          `json:"slug"`
	CreatorAddress   string          `json:"creatorAddress"`
	PaymentRecipient string          `json:"paymentRecipient,omitempty"`
	OriginHash       string          `json:"originHash"`
	EncryptedLocator string          `json:"encryptedLocator"`
	EncryptionKey    string          `json:"-"`
	Price            decimal.Decimal `json:"price"`
	Filename         string          `json:"filename"`
	MediaType        string          `json:"mediaType"`
	Width            int             `json:"width,omitempty"`
	Height           int             `json:"height,omitempty"`
	Provenance       CreatorInfo     `json:"provenance"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Recipient returns the address that must receive payment.
func (a Asset) Recipient() string {
	if a.PaymentRecipient != "" {
		return a.PaymentRecipient
	}
	return a.CreatorAddress
}

// NormalizeAddress lowercases hex account addresses so ledger lookups are
// case-insensitive.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
