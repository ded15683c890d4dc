package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	DatabaseMemory   = "memory"
	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"

	BlobIPFS   = "ipfs"
	BlobFS     = "fs"
	BlobGCS    = "gcs"
	BlobMemory = "memory"
)

type Config struct {
	HTTPAddr       string        `yaml:"httpAddr"       envconfig:"HTTP_ADDR"`
	LogLevel       string        `yaml:"logLevel"       envconfig:"LOG_LEVEL"`
	RequestTimeout time.Duration `yaml:"requestTimeout" envconfig:"REQUEST_TIMEOUT"`

	DatabaseDriver string `yaml:"databaseDriver" envconfig:"DATABASE_DRIVER"`
	PostgresDSN    string `yaml:"postgresDsn"    envconfig:"POSTGRES_DSN"`
	SQLitePath     string `yaml:"sqlitePath"     envconfig:"SQLITE_PATH"`

	RateLimitRequests   int           `yaml:"rateLimitRequests"   envconfig:"RATE_LIMIT_REQUESTS"`
	RateLimitWindow     time.Duration `yaml:"rateLimitWindow"     envconfig:"RATE_LIMIT_WINDOW"`
	RateLimitFailClosed bool          `yaml:"rateLimitFailClosed" envconfig:"RATE_LIMIT_FAIL_CLOSED"`
	RateLimitMaxKeys    int           `yaml:"rateLimitMaxKeys"    envconfig:"RATE_LIMIT_MAX_KEYS"`

	RedisAddr     string `yaml:"redisAddr"     envconfig:"REDIS_ADDR"`
	RedisPassword string `yaml:"redisPassword" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redisDb"       envconfig:"REDIS_DB"`

	ChainRPCURL            string        `yaml:"chainRpcUrl"            envconfig:"CHAIN_RPC_URL"`
	ChainRPS               float64       `yaml:"chainRps"               envconfig:"CHAIN_RPS"`
	ChainBurst             int           `yaml:"chainBurst"             envconfig:"CHAIN_BURST"`
	LicenseContractAddress string        `yaml:"licenseContractAddress" envconfig:"LICENSE_CONTRACT_ADDRESS"`
	PaymentTokenAddress    string        `yaml:"paymentTokenAddress"    envconfig:"PAYMENT_TOKEN_ADDRESS"`
	AcceptTokenTransfers   bool          `yaml:"acceptTokenTransfers"   envconfig:"ACCEPT_TOKEN_TRANSFERS"`
	ChainScanOnMiss        bool          `yaml:"chainScanOnMiss"        envconfig:"CHAIN_SCAN_ON_MISS"`
	ChainScanWindowBlocks  uint64        `yaml:"chainScanWindowBlocks"  envconfig:"CHAIN_SCAN_WINDOW_BLOCKS"`
	ReceiptRetryMax        int           `yaml:"receiptRetryMax"        envconfig:"RECEIPT_RETRY_MAX"`
	ReceiptRetryBaseDelay  time.Duration `yaml:"receiptRetryBaseDelay"  envconfig:"RECEIPT_RETRY_BASE_DELAY"`
	LicenseDuration        time.Duration `yaml:"licenseDuration"        envconfig:"LICENSE_DURATION"`

	PaymentScheme   string `yaml:"paymentScheme"   envconfig:"PAYMENT_SCHEME"`
	PaymentNetwork  string `yaml:"paymentNetwork"  envconfig:"PAYMENT_NETWORK"`
	PaymentCurrency string `yaml:"paymentCurrency" envconfig:"PAYMENT_CURRENCY"`

	PaymentPolicyPath string `yaml:"paymentPolicyPath" envconfig:"PAYMENT_POLICY_PATH"`

	C2PACertificate   string `yaml:"c2paCertificate"   envconfig:"C2PA_CERTIFICATE"`
	C2PAPrivateKey    string `yaml:"c2paPrivateKey"    envconfig:"C2PA_PRIVATE_KEY"`
	C2PAUseTestSigner bool   `yaml:"c2paUseTestSigner" envconfig:"C2PA_USE_TEST_SIGNER"`

	BlobBackend        string `yaml:"blobBackend"        envconfig:"BLOB_BACKEND"`
	IPFSGatewayURL     string `yaml:"ipfsGatewayUrl"     envconfig:"IPFS_GATEWAY_URL"`
	IPFSPinURL         string `yaml:"ipfsPinUrl"         envconfig:"IPFS_PIN_URL"`
	IPFSToken          string `yaml:"ipfsToken"          envconfig:"IPFS_TOKEN"`
	BlobDir            string `yaml:"blobDir"            envconfig:"BLOB_DIR"`
	GCSBucket          string `yaml:"gcsBucket"          envconfig:"GCS_BUCKET"`
	GCSCredentialsFile string `yaml:"gcsCredentialsFile" envconfig:"GCS_CREDENTIALS_FILE"`
}

// MaxReceiptRetries bounds RECEIPT_RETRY_MAX.
const MaxReceiptRetries = 10

func Default() Config {
	return Config{
		HTTPAddr:              ":8080",
		LogLevel:              "info",
		RequestTimeout:        30 * time.Second,
		DatabaseDriver:        DatabaseMemory,
		SQLitePath:            "imgate.db",
		RateLimitWindow:       time.Minute,
		RateLimitMaxKeys:      10000,
		ChainRPS:              10,
		ChainBurst:            5,
		ChainScanWindowBlocks: 90000,
		ReceiptRetryMax:       3,
		ReceiptRetryBaseDelay: 500 * time.Millisecond,
		LicenseDuration:       24 * time.Hour,
		PaymentScheme:         "exact",
		PaymentNetwork:        "base-sepolia",
		PaymentCurrency:       "USDC",
		BlobBackend:           BlobIPFS,
		IPFSGatewayURL:        "https://gateway.pinata.cloud",
		IPFSPinURL:            "https://api.pinata.cloud",
		BlobDir:               "blobs",
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when empty), then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return Config{}, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("error processing environment: %w", err)
	}
	cfg.DatabaseDriver = strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver))
	cfg.BlobBackend = strings.ToLower(strings.TrimSpace(cfg.BlobBackend))
	return cfg, nil
}

// FromEnv is Load without a config file.
func FromEnv() (Config, error) {
	return Load("")
}

func (c Config) Validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case DatabaseMemory, DatabaseSQLite:
	case DatabasePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DATABASE_DRIVER %q", c.DatabaseDriver))
	}
	switch c.BlobBackend {
	case BlobIPFS:
		if c.IPFSGatewayURL == "" {
			errs = append(errs, errors.New("IPFS_GATEWAY_URL is required for the ipfs blob backend"))
		}
	case BlobFS:
		if c.BlobDir == "" {
			errs = append(errs, errors.New("BLOB_DIR is required for the fs blob backend"))
		}
	case BlobGCS:
		if c.GCSBucket == "" {
			errs = append(errs, errors.New("GCS_BUCKET is required for the gcs blob backend"))
		}
	case BlobMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend))
	}
	if c.LicenseDuration <= 0 {
		errs = append(errs, errors.New("LICENSE_DURATION must be positive"))
	}
	if c.ReceiptRetryMax < 0 || c.ReceiptRetryMax > MaxReceiptRetries {
		errs = append(errs, fmt.Errorf("RECEIPT_RETRY_MAX must be between 0 and %d", MaxReceiptRetries))
	}
	errs = append(errs, c.validateChain()...)
	if (c.C2PACertificate == "") != (c.C2PAPrivateKey == "") {
		errs = append(errs, errors.New("C2PA_CERTIFICATE and C2PA_PRIVATE_KEY must be set together"))
	}
	return errors.Join(errs...)
}

// validateChain fails closed: with an RPC configured, payment events are only
// trusted from explicitly named contracts.
func (c Config) validateChain() []error {
	var errs []error
	checkAddr := func(key, v string) {
		if v != "" && (!common.IsHexAddress(v) || common.HexToAddress(v) == (common.Address{})) {
			errs = append(errs, fmt.Errorf("%s %q is not a contract address", key, v))
		}
	}
	checkAddr("LICENSE_CONTRACT_ADDRESS", c.LicenseContractAddress)
	checkAddr("PAYMENT_TOKEN_ADDRESS", c.PaymentTokenAddress)
	if !c.ChainEnabled() {
		return errs
	}
	if c.LicenseContractAddress == "" {
		errs = append(errs, errors.New("LICENSE_CONTRACT_ADDRESS is required when CHAIN_RPC_URL is set"))
	}
	if c.AcceptTokenTransfers && c.PaymentTokenAddress == "" {
		errs = append(errs, errors.New("PAYMENT_TOKEN_ADDRESS is required when ACCEPT_TOKEN_TRANSFERS is set"))
	}
	return errs
}

// ChainEnabled reports whether chain fallback can run at all.
func (c Config) ChainEnabled() bool {
	return c.ChainRPCURL != ""
}

func (c Config) RateLimitEnabled() bool {
	return c.RateLimitRequests > 0 && c.RateLimitWindow > 0
}

// HasProductionSigner reports whether a configured certificate, rather than
// the built-in test credential, signs manifests.
func (c Config) HasProductionSigner() bool {
	return c.C2PACertificate != "" && c.C2PAPrivateKey != ""
}
