package domain

// PaymentPolicyInput is evaluated by the payment acceptance policy for every
// candidate on-chain payment event.
type PaymentPolicyInput struct {
	Event PaymentEventFacts `json:"event"`
	Asset PaymentAssetFacts `json:"asset"`
}

type PaymentEventFacts struct {
	Kind           string `json:"kind"`
	AssetMatches   bool   `json:"asset_matches"`
	PayerMatches   bool   `json:"payer_matches"`
	Recipient      string `json:"recipient"`
	AmountMinor    string `json:"amount_minor"`
	ReceiptSuccess bool   `json:"receipt_success"`
}

type PaymentAssetFacts struct {
	Recipient  string `json:"recipient"`
	PriceMinor string `json:"price_minor"`
}

type PolicyDeny struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type PolicyResult struct {
	Allow bool         `json:"allow"`
	Deny  []PolicyDeny `json:"deny,omitempty"`
}

type PolicyEvaluation struct {
	BundleHash string       `json:"bundle_hash"`
	Result     PolicyResult `json:"result"`
}
