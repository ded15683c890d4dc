package chain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const licenseABIJSON = `[{
  "anonymous": false,
  "type": "event",
  "name": "Purchased",
  "inputs": [
    {"indexed": true,  "name": "assetId",       "type": "bytes32"},
    {"indexed": true,  "name": "payer",         "type": "address"},
    {"indexed": true,  "name": "creator",       "type": "address"},
    {"indexed": false, "name": "amount",        "type": "uint256"},
    {"indexed": false, "name": "platformFee",   "type": "uint256"},
    {"indexed": false, "name": "creatorAmount", "type": "uint256"},
    {"indexed": false, "name": "expiresAt",     "type": "uint256"},
    {"indexed": false, "name": "timestamp",     "type": "uint256"}
  ]
}]`

// TransferTopic is keccak256("Transfer(address,address,uint256)").
var TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// LicenseABI is the parsed licence contract event interface.
var LicenseABI = mustParseABI(licenseABIJSON)

// PurchasedTopic is the topic0 of the Purchased event.
var PurchasedTopic = LicenseABI.Events["Purchased"].ID

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// AssetTopic maps an asset id to the bytes32 the licence contract indexes
// it by: keccak256 of the UTF-8 id.
func AssetTopic(assetID string) common.Hash {
	return crypto.Keccak256Hash([]byte(assetID))
}

// AddressTopic left-pads an address to a 32 byte topic.
func AddressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

type EventKind string

const (
	EventPurchased EventKind = "purchased"
	EventTransfer  EventKind = "transfer"
)

// PaymentEvent is a decoded payment confirmation from a receipt or log scan.
// For transfers AssetTopic is zero and ExpiresAt is unset.
type PaymentEvent struct {
	Kind        EventKind
	AssetTopic  common.Hash
	Payer       common.Address
	Recipient   common.Address
	Amount      *big.Int
	ExpiresAt   time.Time
	Timestamp   time.Time
	TxHash      common.Hash
	BlockNumber uint64
}

// Decoder turns raw logs into payment events, keeping only logs emitted by
// the configured licence contract and payment token. A zero address matches
// nothing, so an unconfigured emitter yields no events.
type Decoder struct {
	License common.Address
	Token   common.Address
	// AcceptTransfers enables plain ERC-20 transfers as payment evidence.
	AcceptTransfers bool
}

func (d Decoder) Decode(logs []*types.Log) []PaymentEvent {
	var out []PaymentEvent
	for _, lg := range logs {
		if lg == nil || len(lg.Topics) == 0 || lg.Removed {
			continue
		}
		switch {
		case lg.Topics[0] == PurchasedTopic && d.fromLicense(lg):
			if ev, err := DecodePurchased(*lg); err == nil {
				out = append(out, ev)
			}
		case lg.Topics[0] == TransferTopic && d.AcceptTransfers && d.fromToken(lg):
			if ev, err := DecodeTransfer(*lg); err == nil {
				out = append(out, ev)
			}
		}
	}
	return out
}

func (d Decoder) fromLicense(lg *types.Log) bool {
	return d.License != (common.Address{}) && lg.Address == d.License
}

func (d Decoder) fromToken(lg *types.Log) bool {
	return d.Token != (common.Address{}) && lg.Address == d.Token
}

func DecodePurchased(lg types.Log) (PaymentEvent, error) {
	if len(lg.Topics) != 4 || lg.Topics[0] != PurchasedTopic {
		return PaymentEvent{}, fmt.Errorf("not a Purchased log")
	}
	fields := map[string]any{}
	if err := LicenseABI.UnpackIntoMap(fields, "Purchased", lg.Data); err != nil {
		return PaymentEvent{}, fmt.Errorf("unpack Purchased: %w", err)
	}
	amount, ok := fields["amount"].(*big.Int)
	if !ok {
		return PaymentEvent{}, fmt.Errorf("Purchased: amount missing")
	}
	ev := PaymentEvent{
		Kind:        EventPurchased,
		AssetTopic:  lg.Topics[1],
		Payer:       common.BytesToAddress(lg.Topics[2].Bytes()),
		Recipient:   common.BytesToAddress(lg.Topics[3].Bytes()),
		Amount:      amount,
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
	}
	if exp, ok := fields["expiresAt"].(*big.Int); ok && exp.Sign() > 0 && exp.IsInt64() {
		ev.ExpiresAt = time.Unix(exp.Int64(), 0).UTC()
	}
	if ts, ok := fields["timestamp"].(*big.Int); ok && ts.Sign() > 0 && ts.IsInt64() {
		ev.Timestamp = time.Unix(ts.Int64(), 0).UTC()
	}
	return ev, nil
}

func DecodeTransfer(lg types.Log) (PaymentEvent, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != TransferTopic || len(lg.Data) != 32 {
		return PaymentEvent{}, fmt.Errorf("not an ERC-20 Transfer log")
	}
	return PaymentEvent{
		Kind:        EventTransfer,
		Payer:       common.BytesToAddress(lg.Topics[1].Bytes()),
		Recipient:   common.BytesToAddress(lg.Topics[2].Bytes()),
		Amount:      new(big.Int).SetBytes(lg.Data),
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
	}, nil
}

// PurchasedQuery filters Purchased logs for one asset and payer over
// [from, to].
func PurchasedQuery(license common.Address, assetID string, payer common.Address, from, to uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{license},
		Topics: [][]common.Hash{
			{PurchasedTopic},
			{AssetTopic(assetID)},
			{AddressTopic(payer)},
		},
	}
}

// ScanRange bounds a log scan to the last window blocks ending at head.
func ScanRange(head, window uint64) (from, to uint64) {
	if window == 0 || head < window {
		return 0, head
	}
	return head - window, head
}
