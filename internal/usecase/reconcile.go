package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"imgate/internal/domain"
	"imgate/internal/infra/chain"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// maxRetryShift bounds the backoff ceiling at base << maxRetryShift.
const maxRetryShift = 10

type ReconcilerConfig struct {
	License         common.Address
	Token           common.Address
	AcceptTransfers bool
	LicenseDuration time.Duration
	RetryMax        int
	RetryBaseDelay  time.Duration
	ScanOnMiss      bool
	ScanWindow      uint64
}

func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		LicenseDuration: 24 * time.Hour,
		RetryMax:        3,
		RetryBaseDelay:  500 * time.Millisecond,
		ScanWindow:      90000,
	}
}

// Reconciler decides whether a payer may access an asset, consulting the
// local ledger first and confirmed chain payments second. A chain grant is
// written back so later checks resolve locally.
type Reconciler struct {
	Assets    AssetRepository
	Purchases PurchaseRepository
	Chain     ChainReader
	Policy    PaymentPolicy

	cfg     ReconcilerConfig
	decoder chain.Decoder
	now     func() time.Time
	logger  *slog.Logger
	metrics Metrics
}

type ReconcilerOption func(*Reconciler)

func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

func WithReconcilerLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = l }
}

func WithReconcilerMetrics(m Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// NewReconciler wires the lookup chain. reader may be nil, in which case
// only the local ledger is consulted.
func NewReconciler(assets AssetRepository, purchases PurchaseRepository, reader ChainReader, policy PaymentPolicy, cfg ReconcilerConfig, opts ...ReconcilerOption) (*Reconciler, error) {
	if purchases == nil {
		return nil, errors.New("purchase repository is required")
	}
	if reader != nil && policy == nil {
		return nil, errors.New("payment policy is required when chain access is enabled")
	}
	if cfg.LicenseDuration <= 0 {
		cfg.LicenseDuration = 24 * time.Hour
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	r := &Reconciler{
		Assets:    assets,
		Purchases: purchases,
		Chain:     reader,
		Policy:    policy,
		cfg:       cfg,
		decoder: chain.Decoder{
			License:         cfg.License,
			Token:           cfg.Token,
			AcceptTransfers: cfg.AcceptTransfers,
		},
		now:     time.Now,
		logger:  slog.Default(),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Check resolves the asset by id and runs CheckAsset.
func (r *Reconciler) Check(ctx context.Context, req domain.AccessRequest) (domain.AccessDecision, error) {
	if r.Assets == nil {
		return domain.AccessDecision{}, errors.New("asset repository is required")
	}
	if strings.TrimSpace(req.AssetID) == "" {
		return domain.AccessDecision{}, fmt.Errorf("%w: assetId is required", domain.ErrMalformedInput)
	}
	asset, err := r.Assets.GetByID(ctx, req.AssetID)
	if err != nil {
		return domain.AccessDecision{}, err
	}
	return r.CheckAsset(ctx, asset, req)
}

// Register verifies a payment transaction and records the grant. Unlike
// Check it requires a transaction reference.
func (r *Reconciler) Register(ctx context.Context, req domain.AccessRequest) (domain.AccessDecision, error) {
	if strings.TrimSpace(req.TxRef) == "" {
		return domain.AccessDecision{}, fmt.Errorf("%w: txHash is required", domain.ErrMalformedInput)
	}
	return r.Check(ctx, req)
}

func (r *Reconciler) CheckAsset(ctx context.Context, asset *domain.Asset, req domain.AccessRequest) (domain.AccessDecision, error) {
	if asset == nil {
		return domain.AccessDecision{}, domain.ErrNotFound
	}
	payer, txRef, err := normalizeRequest(req)
	if err != nil {
		return domain.AccessDecision{}, err
	}

	now := r.now()
	latest, err := r.Purchases.FindLatest(ctx, asset.ID, payer.Hex())
	if err != nil {
		return domain.AccessDecision{}, fmt.Errorf("purchase lookup: %w", err)
	}
	if latest != nil && latest.Active(now) {
		return r.decide(domain.AccessDecision{Granted: true, Purchase: latest, Path: domain.AccessPathLocal}), nil
	}

	if r.Chain == nil {
		return r.denied(), nil
	}

	var found *domain.Purchase
	path := domain.AccessPathReceipt
	switch {
	case txRef != "":
		found, err = r.verifyReceipt(ctx, asset, payer, common.HexToHash(txRef))
	case r.cfg.ScanOnMiss && r.cfg.License != (common.Address{}):
		path = domain.AccessPathScan
		found, err = r.scanPurchases(ctx, asset, payer)
	}
	if err != nil {
		return domain.AccessDecision{}, err
	}
	if found == nil {
		return r.denied(), nil
	}

	held, err := r.record(ctx, found)
	if err != nil {
		return domain.AccessDecision{}, err
	}
	if held == nil || !held.Active(now) {
		return r.denied(), nil
	}
	return r.decide(domain.AccessDecision{Granted: true, Purchase: held, Path: path}), nil
}

// record writes a verified payment back to the ledger and returns the row
// that now backs it. A row already stored for the same (asset, payer, tx)
// wins over the fresh one, so replaying a consumed tx cannot extend a
// licence. A transfer tx already bound to another grant yields nil.
func (r *Reconciler) record(ctx context.Context, p *domain.Purchase) (*domain.Purchase, error) {
	rows, err := r.Purchases.FindByTxRef(ctx, p.TxRef)
	if err != nil {
		return nil, fmt.Errorf("purchase lookup: %w", err)
	}
	if held, bound := bindingFor(rows, p); held != nil || bound {
		return held, nil
	}

	if err := r.Purchases.Insert(ctx, *p); err != nil {
		r.logger.ErrorContext(ctx, "purchase write-back failed",
			"asset_id", p.AssetID, "payer", p.Payer, "tx_ref", p.TxRef, "error", err)
		if p.Source == domain.PurchaseSourceChainTransfer {
			// Without the row the transfer is not bound to this asset.
			return nil, nil
		}
		// The payment is proven on chain; the next request verifies it again.
		return p, nil
	}
	if p.Source != domain.PurchaseSourceChainTransfer {
		return p, nil
	}

	// A concurrent request may have bound the transfer first.
	rows, err = r.Purchases.FindByTxRef(ctx, p.TxRef)
	if err != nil {
		return nil, fmt.Errorf("purchase lookup: %w", err)
	}
	held, _ := bindingFor(rows, p)
	return held, nil
}

// bindingFor returns the stored row matching p's (asset, payer), and
// whether p's tx is a transfer already bound to a different grant.
func bindingFor(rows []domain.Purchase, p *domain.Purchase) (*domain.Purchase, bool) {
	for i := range rows {
		if rows[i].AssetID == p.AssetID && rows[i].Payer == p.Payer {
			return &rows[i], false
		}
	}
	if p.Source != domain.PurchaseSourceChainTransfer {
		return nil, false
	}
	for _, row := range rows {
		if row.Source == domain.PurchaseSourceChainTransfer {
			return nil, true
		}
	}
	return nil, false
}

func (r *Reconciler) denied() domain.AccessDecision {
	return r.decide(domain.AccessDecision{Granted: false, Path: domain.AccessPathDenied})
}

func (r *Reconciler) decide(d domain.AccessDecision) domain.AccessDecision {
	r.metrics.AccessDecision(d.Path, d.Granted)
	return d
}

func normalizeRequest(req domain.AccessRequest) (common.Address, string, error) {
	payer := strings.TrimSpace(req.Payer)
	if !common.IsHexAddress(payer) {
		return common.Address{}, "", fmt.Errorf("%w: payer must be a hex address", domain.ErrMalformedInput)
	}
	txRef := strings.TrimSpace(req.TxRef)
	if txRef != "" && !txHashPattern.MatchString(txRef) {
		return common.Address{}, "", fmt.Errorf("%w: txRef must be a 32-byte hex hash", domain.ErrMalformedInput)
	}
	return common.HexToAddress(payer), domain.NormalizeAddress(txRef), nil
}

// receiptBackOff doubles from RetryBaseDelay without jitter.
func (r *Reconciler) receiptBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryBaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = r.cfg.RetryBaseDelay << min(r.cfg.RetryMax, maxRetryShift)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// fetchReceipt retries transient and not-yet-indexed lookups with a doubling
// delay. It returns (nil, nil) when the transaction never appeared.
func (r *Reconciler) fetchReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(r.receiptBackOff(), uint64(r.cfg.RetryMax)), ctx)

	var lastErr error
	op := func() (*types.Receipt, error) {
		start := time.Now()
		receipt, err := r.Chain.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			r.metrics.ChainAttempt("found", time.Since(start))
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
			r.metrics.ChainAttempt("not_found", time.Since(start))
		case ctx.Err() != nil:
			return nil, backoff.Permanent(ctx.Err())
		default:
			r.metrics.ChainAttempt("error", time.Since(start))
		}
		lastErr = err
		return nil, err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.DebugContext(ctx, "receipt lookup retry", "tx_ref", hash.Hex(), "wait", wait, "error", err)
	}

	receipt, err := backoff.RetryNotifyWithData(op, policy, notify)
	if err == nil {
		return receipt, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(lastErr, ethereum.NotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: transaction receipt: %v", domain.ErrUpstreamUnavailable, err)
}

func (r *Reconciler) verifyReceipt(ctx context.Context, asset *domain.Asset, payer common.Address, hash common.Hash) (*domain.Purchase, error) {
	receipt, err := r.fetchReceipt(ctx, hash)
	if err != nil || receipt == nil {
		return nil, err
	}
	success := receipt.Status == types.ReceiptStatusSuccessful
	for _, ev := range r.decoder.Decode(receipt.Logs) {
		ok, err := r.accept(ctx, asset, payer, ev, success)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		source := domain.PurchaseSourceChainReceipt
		if ev.Kind == chain.EventTransfer {
			source = domain.PurchaseSourceChainTransfer
		}
		p, err := r.grant(ctx, asset, payer, hash, ev, source)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	r.logger.InfoContext(ctx, "no acceptable payment in receipt",
		"asset_id", asset.ID, "payer", domain.NormalizeAddress(payer.Hex()), "tx_ref", hash.Hex(), "status", receipt.Status)
	return nil, nil
}

// scanPurchases looks for the newest Purchased event for (asset, payer) in
// the configured block window.
func (r *Reconciler) scanPurchases(ctx context.Context, asset *domain.Asset, payer common.Address) (*domain.Purchase, error) {
	head, err := r.Chain.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: block number: %v", domain.ErrUpstreamUnavailable, err)
	}
	from, to := chain.ScanRange(head, r.cfg.ScanWindow)
	start := time.Now()
	logs, err := r.Chain.FilterLogs(ctx, chain.PurchasedQuery(r.cfg.License, asset.ID, payer, from, to))
	if err != nil {
		r.metrics.ChainAttempt("error", time.Since(start))
		return nil, fmt.Errorf("%w: filter logs: %v", domain.ErrUpstreamUnavailable, err)
	}
	r.metrics.ChainAttempt("scanned", time.Since(start))

	ptrs := make([]*types.Log, 0, len(logs))
	for i := range logs {
		ptrs = append(ptrs, &logs[i])
	}
	events := r.decoder.Decode(ptrs)
	sort.SliceStable(events, func(i, j int) bool { return events[i].BlockNumber > events[j].BlockNumber })
	for _, ev := range events {
		if ev.Kind != chain.EventPurchased {
			continue
		}
		ok, err := r.accept(ctx, asset, payer, ev, true)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		p, err := r.grant(ctx, asset, payer, ev.TxHash, ev, domain.PurchaseSourceChainScan)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	return nil, nil
}

func (r *Reconciler) accept(ctx context.Context, asset *domain.Asset, payer common.Address, ev chain.PaymentEvent, receiptSuccess bool) (bool, error) {
	amount := "0"
	if ev.Amount != nil {
		amount = ev.Amount.String()
	}
	input := domain.PaymentPolicyInput{
		Event: domain.PaymentEventFacts{
			Kind:           string(ev.Kind),
			AssetMatches:   ev.AssetTopic == chain.AssetTopic(asset.ID),
			PayerMatches:   ev.Payer == payer,
			Recipient:      domain.NormalizeAddress(ev.Recipient.Hex()),
			AmountMinor:    amount,
			ReceiptSuccess: receiptSuccess,
		},
		Asset: domain.PaymentAssetFacts{
			Recipient:  domain.NormalizeAddress(asset.Recipient()),
			PriceMinor: chain.ToMinorUnits(asset.Price).String(),
		},
	}
	eval, err := r.Policy.Evaluate(ctx, input)
	if err != nil {
		return false, fmt.Errorf("payment policy: %w", err)
	}
	if !eval.Result.Allow {
		r.logger.DebugContext(ctx, "payment event rejected",
			"asset_id", asset.ID, "tx_ref", ev.TxHash.Hex(), "kind", ev.Kind, "deny", eval.Result.Deny)
	}
	return eval.Result.Allow, nil
}

// grant turns an accepted event into a ledger row, or nil when the licence
// it carries has already lapsed. Events without an explicit expiry run for
// LicenseDuration from the time the payment was mined.
func (r *Reconciler) grant(ctx context.Context, asset *domain.Asset, payer common.Address, hash common.Hash, ev chain.PaymentEvent, source domain.PurchaseSource) (*domain.Purchase, error) {
	now := r.now().UTC()
	expires := ev.ExpiresAt
	if expires.IsZero() {
		paidAt := ev.Timestamp
		if paidAt.IsZero() {
			t, err := chain.BlockTime(ctx, r.Chain, ev.BlockNumber)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("%w: block %d header: %v", domain.ErrUpstreamUnavailable, ev.BlockNumber, err)
			}
			paidAt = t
		}
		expires = paidAt.Add(r.cfg.LicenseDuration)
	}
	if !now.Before(expires) {
		return nil, nil
	}
	return &domain.Purchase{
		AssetID:    asset.ID,
		Payer:      domain.NormalizeAddress(payer.Hex()),
		TxRef:      domain.NormalizeAddress(hash.Hex()),
		AmountPaid: chain.FromMinorUnits(ev.Amount),
		GrantedAt:  now,
		ExpiresAt:  expires,
		Source:     source,
	}, nil
}
