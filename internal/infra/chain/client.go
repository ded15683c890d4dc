package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// Reader is the subset of the JSON-RPC client used by purchase checks.
// *ethclient.Client satisfies it.
type Reader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return c, nil
}

// Throttled caps the request rate to an RPC provider. Calls block until a
// token is available or ctx is done.
type Throttled struct {
	inner   Reader
	limiter *rate.Limiter
}

// NewThrottled allows rps requests per second with a burst of burst. A
// non-positive rps disables throttling.
func NewThrottled(inner Reader, rps float64, burst int) *Throttled {
	t := &Throttled{inner: inner}
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return t
}

func (t *Throttled) wait(ctx context.Context) error {
	if t.limiter == nil {
		return nil
	}
	return t.limiter.Wait(ctx)
}

func (t *Throttled) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.TransactionReceipt(ctx, txHash)
}

func (t *Throttled) BlockNumber(ctx context.Context) (uint64, error) {
	if err := t.wait(ctx); err != nil {
		return 0, err
	}
	return t.inner.BlockNumber(ctx)
}

func (t *Throttled) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.FilterLogs(ctx, q)
}

func (t *Throttled) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.HeaderByNumber(ctx, number)
}

// BlockTime returns the timestamp of block n.
func BlockTime(ctx context.Context, r Reader, n uint64) (time.Time, error) {
	h, err := r.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
	if err != nil {
		return time.Time{}, err
	}
	if h == nil {
		return time.Time{}, ethereum.NotFound
	}
	return time.Unix(int64(h.Time), 0).UTC(), nil
}
