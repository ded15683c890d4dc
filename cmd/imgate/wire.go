package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"imgate/internal/config"
	"imgate/internal/infra/blob"
	"imgate/internal/infra/c2pa"
	"imgate/internal/infra/chain"
	"imgate/internal/infra/db"
	"imgate/internal/infra/memstore"
	"imgate/internal/infra/metrics"
	"imgate/internal/infra/policyopa"
	"imgate/internal/usecase"

	"github.com/ethereum/go-ethereum/common"
)

// app holds every long-lived dependency built from configuration.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *db.Store
	metrics *metrics.Metrics

	assets    usecase.AssetRepository
	purchases interface {
		usecase.PurchaseRepository
		usecase.PurchaseLister
	}
	blobs  blob.Store
	signer *c2pa.Signer

	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	store, err := db.NewStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	if store.Enabled() {
		a.closers = append(a.closers, store.Close)
		if err := store.Migrate(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.assets = store.Assets
		a.purchases = store.Purchases
	} else {
		a.assets = memstore.NewAssetStore()
		a.purchases = memstore.NewPurchaseStore()
	}

	if a.blobs, err = a.openBlobs(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if a.signer, err = newSigner(cfg, logger); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openBlobs(ctx context.Context) (blob.Store, error) {
	switch a.cfg.BlobBackend {
	case config.BlobFS:
		return blob.NewDir(a.cfg.BlobDir)
	case config.BlobGCS:
		g, err := blob.NewGCS(ctx, a.cfg.GCSBucket, a.cfg.GCSCredentialsFile)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, g.Close)
		return g, nil
	case config.BlobMemory:
		return blob.NewMemory(), nil
	default:
		return blob.NewIPFS(a.cfg.IPFSGatewayURL, a.cfg.IPFSPinURL, a.cfg.IPFSToken), nil
	}
}

func newSigner(cfg config.Config, logger *slog.Logger) (*c2pa.Signer, error) {
	var cred *c2pa.Credential
	switch {
	case cfg.HasProductionSigner():
		c, err := c2pa.LoadCredential(cfg.C2PACertificate, cfg.C2PAPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("load c2pa credential: %w", err)
		}
		cred = c
	case cfg.C2PAUseTestSigner:
		c, err := c2pa.NewTestCredential(time.Now())
		if err != nil {
			return nil, err
		}
		logger.Warn("signing manifests with the built-in test credential; output is not production grade")
		cred = c
	default:
		logger.Warn("no c2pa credential configured; direct downloads will be delivered unsigned")
	}
	return c2pa.NewSigner(cred, c2pa.WithLogger(logger)), nil
}

func (a *app) reconciler(ctx context.Context) (*usecase.Reconciler, error) {
	rcfg := usecase.DefaultReconcilerConfig()
	rcfg.AcceptTransfers = a.cfg.AcceptTokenTransfers
	rcfg.LicenseDuration = a.cfg.LicenseDuration
	rcfg.RetryMax = a.cfg.ReceiptRetryMax
	rcfg.RetryBaseDelay = a.cfg.ReceiptRetryBaseDelay
	rcfg.ScanOnMiss = a.cfg.ChainScanOnMiss
	rcfg.ScanWindow = a.cfg.ChainScanWindowBlocks
	if a.cfg.LicenseContractAddress != "" {
		rcfg.License = common.HexToAddress(a.cfg.LicenseContractAddress)
	}
	if a.cfg.PaymentTokenAddress != "" {
		rcfg.Token = common.HexToAddress(a.cfg.PaymentTokenAddress)
	}

	var (
		reader usecase.ChainReader
		policy usecase.PaymentPolicy
	)
	if a.cfg.ChainEnabled() {
		client, err := chain.Dial(ctx, a.cfg.ChainRPCURL)
		if err != nil {
			return nil, errors.Join(errors.New("chain rpc unavailable"), err)
		}
		a.closers = append(a.closers, func() error { client.Close(); return nil })
		reader = chain.NewThrottled(client, a.cfg.ChainRPS, a.cfg.ChainBurst)

		var engine *policyopa.Engine
		if a.cfg.PaymentPolicyPath != "" {
			engine, err = policyopa.NewEngineFromBundlePath(ctx, a.cfg.PaymentPolicyPath)
		} else {
			engine, err = policyopa.NewDefaultEngine(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("payment policy: %w", err)
		}
		a.logger.Info("payment policy loaded", "bundle_hash", engine.BundleHash())
		policy = engine
	} else {
		a.logger.Warn("CHAIN_RPC_URL not set; access is decided by the local ledger only")
	}

	return usecase.NewReconciler(a.assets, a.purchases, reader, policy, rcfg,
		usecase.WithReconcilerLogger(a.logger),
		usecase.WithReconcilerMetrics(a.metrics),
	)
}

func (a *app) terms() usecase.TermsTemplate {
	return usecase.TermsTemplate{
		Scheme:   a.cfg.PaymentScheme,
		Network:  a.cfg.PaymentNetwork,
		Currency: a.cfg.PaymentCurrency,
	}
}
