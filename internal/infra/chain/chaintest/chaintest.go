// Package chaintest builds licence contract and token logs for tests.
package chaintest

import (
	"math/big"
	"time"

	"imgate/internal/infra/chain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// PurchasedLog builds a Purchased log as the licence contract would emit it.
func PurchasedLog(license common.Address, assetID string, payer, creator common.Address, amount *big.Int, expiresAt time.Time) (*types.Log, error) {
	fee := new(big.Int).Div(amount, big.NewInt(20))
	data, err := chain.LicenseABI.Events["Purchased"].Inputs.NonIndexed().Pack(
		amount,
		fee,
		new(big.Int).Sub(amount, fee),
		big.NewInt(expiresAt.Unix()),
		big.NewInt(expiresAt.Add(-24*time.Hour).Unix()),
	)
	if err != nil {
		return nil, err
	}
	return &types.Log{
		Address: license,
		Topics:  []common.Hash{chain.PurchasedTopic, chain.AssetTopic(assetID), chain.AddressTopic(payer), chain.AddressTopic(creator)},
		Data:    data,
	}, nil
}

// TransferLog builds an ERC-20 Transfer log.
func TransferLog(token, from, to common.Address, amount *big.Int) *types.Log {
	return &types.Log{
		Address: token,
		Topics:  []common.Hash{chain.TransferTopic, chain.AddressTopic(from), chain.AddressTopic(to)},
		Data:    common.LeftPadBytes(amount.Bytes(), 32),
	}
}
