package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentTerms are the x402-style requirements embedded into delivered files.
type PaymentTerms struct {
	Scheme    string          `json:"scheme"`
	Network   string          `json:"network"`
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

type SignStatus string

const (
	SignStatusSigned           SignStatus = "signed"
	SignStatusDegradedUnsigned SignStatus = "degraded-unsigned"
)

type ManifestSigner struct {
	Issuer     string    `json:"issuer,omitempty"`
	CommonName string    `json:"commonName,omitempty"`
	Time       time.Time `json:"time,omitempty"`
	TestSigner bool      `json:"testSigner,omitempty"`
}

type ManifestAction struct {
	Action        string         `json:"action"`
	SoftwareAgent string         `json:"softwareAgent,omitempty"`
	When          string         `json:"when,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
}

type ManifestIngredient struct {
	Title        string `json:"title,omitempty"`
	Format       string `json:"format,omitempty"`
	Relationship string `json:"relationship,omitempty"`
}

type ManifestAssertion struct {
	Label string `json:"label"`
	Data  any    `json:"data"`
}

// ManifestInfo is the display view of an embedded provenance manifest.
type ManifestInfo struct {
	Present        bool                 `json:"manifestPresent"`
	Title          string               `json:"title,omitempty"`
	ClaimGenerator string               `json:"claimGenerator,omitempty"`
	Format         string               `json:"format,omitempty"`
	Signer         *ManifestSigner      `json:"signature,omitempty"`
	SignatureValid bool                 `json:"signatureValid"`
	ContentBound   bool                 `json:"contentBound"`
	Actions        []ManifestAction     `json:"actions,omitempty"`
	Ingredients    []ManifestIngredient `json:"ingredients,omitempty"`
	Assertions     []ManifestAssertion  `json:"assertions,omitempty"`
}

// Assertion returns the payload of the first assertion carrying label.
func (m ManifestInfo) Assertion(label string) (any, bool) {
	for _, a := range m.Assertions {
		if a.Label == label {
			return a.Data, true
		}
	}
	return nil, false
}
