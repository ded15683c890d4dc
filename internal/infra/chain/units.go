package chain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// USDCDecimals is the token precision used for every on-chain amount.
const USDCDecimals = 6

// ToMinorUnits converts a major-unit price into token base units. Fractions
// below one base unit round up so a payment can never undercut the price.
func ToMinorUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(USDCDecimals).Ceil().BigInt()
}

// FromMinorUnits converts token base units back into a major-unit decimal.
func FromMinorUnits(units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -USDCDecimals)
}
