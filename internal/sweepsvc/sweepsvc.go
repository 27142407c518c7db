// Package sweepsvc assembles a chain-backed sweep.Sweeper from command-line
// flags. Both deposit-api and deposit-sweeper use it.
package sweepsvc

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/juno-intents/deposit-router/internal/blobstore"
	"github.com/juno-intents/deposit-router/internal/chaingateway"
	"github.com/juno-intents/deposit-router/internal/config"
	"github.com/juno-intents/deposit-router/internal/deposit"
	"github.com/juno-intents/deposit-router/internal/eth"
	"github.com/juno-intents/deposit-router/internal/leases"
	"github.com/juno-intents/deposit-router/internal/secrets"
	"github.com/juno-intents/deposit-router/internal/sweep"
)

var ErrInvalidConfig = errors.New("sweepsvc: invalid config")

const gwei = 1_000_000_000

type Flags struct {
	RPCURL  string
	ChainID uint64

	SecretsDriver string
	SignerKeys    string

	MinTipGwei       int64
	GasMult          float64
	PollInterval     time.Duration
	ReplaceAfter     time.Duration
	MaxReplacements  int
	BumpPercent      int
	TransferGasLimit uint64

	Owner              string
	LeaseTTL           time.Duration
	SweepTimeout       time.Duration
	BalanceConcurrency int

	ArchiveDriver string
	ArchiveBucket string
	ArchivePrefix string
	AWSRegion     string
}

// RegisterFlags binds the sweep flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	host, _ := os.Hostname()

	fs.StringVar(&f.RPCURL, "rpc-url", "", "EVM JSON-RPC URL; empty disables sweeping")
	fs.Uint64Var(&f.ChainID, "chain-id", 0, "EVM chain id (required with --rpc-url)")

	fs.StringVar(&f.SecretsDriver, "secrets-driver", secrets.DriverEnv, "secret provider for signer keys: env|aws")
	fs.StringVar(&f.SignerKeys, "signer-keys-secret", "DEPOSIT_SWEEPER_PRIVATE_KEYS", "env var or secret id (id#field for JSON secrets) holding comma-separated hex signer keys")

	fs.Int64Var(&f.MinTipGwei, "min-tip-gwei", 1, "minimum priority fee (gwei)")
	fs.Float64Var(&f.GasMult, "gas-mult", 1.2, "gas limit multiplier when estimating")
	fs.DurationVar(&f.PollInterval, "poll-interval", 2*time.Second, "receipt poll interval")
	fs.DurationVar(&f.ReplaceAfter, "replace-after", 30*time.Second, "send replacement after this long without a receipt")
	fs.IntVar(&f.MaxReplacements, "max-replacements", 3, "maximum number of replacement transactions")
	fs.IntVar(&f.BumpPercent, "bump-percent", 15, "replacement fee bump percentage")
	fs.Uint64Var(&f.TransferGasLimit, "transfer-gas-limit", 0, "fixed gas limit for transferFunds; 0 estimates")

	fs.StringVar(&f.Owner, "lease-owner", host+"-"+uuid.NewString()[:8], "identity recorded in the sweep lease")
	fs.DurationVar(&f.LeaseTTL, "lease-ttl", 20*time.Minute, "sweep lease TTL; must exceed --sweep-timeout")
	fs.DurationVar(&f.SweepTimeout, "sweep-timeout", 15*time.Minute, "upper bound for one sweep")
	fs.IntVar(&f.BalanceConcurrency, "balance-concurrency", 8, "parallel balance checks per sweep")

	fs.StringVar(&f.ArchiveDriver, "archive-driver", blobstore.DriverS3, "sweep report archive driver: s3|memory")
	fs.StringVar(&f.ArchiveBucket, "archive-bucket", "", "S3 bucket for sweep reports; empty disables archiving")
	fs.StringVar(&f.ArchivePrefix, "archive-prefix", "", "key prefix for sweep reports")
	fs.StringVar(&f.AWSRegion, "aws-region", "", "AWS region override for S3 and Secrets Manager")
	return f
}

func (f *Flags) Enabled() bool {
	return strings.TrimSpace(f.RPCURL) != ""
}

func (f *Flags) archiveEnabled() bool {
	return strings.TrimSpace(f.ArchiveBucket) != "" || strings.EqualFold(strings.TrimSpace(f.ArchiveDriver), blobstore.DriverMemory)
}

func (f *Flags) Validate() error {
	if !f.Enabled() {
		return nil
	}
	var errs []error
	if f.ChainID == 0 {
		errs = append(errs, fmt.Errorf("%w: --chain-id is required with --rpc-url", ErrInvalidConfig))
	}
	if strings.TrimSpace(f.SignerKeys) == "" {
		errs = append(errs, fmt.Errorf("%w: --signer-keys-secret must be non-empty", ErrInvalidConfig))
	}
	if f.MinTipGwei < 0 || f.GasMult <= 0 || f.PollInterval <= 0 || f.MaxReplacements < 0 || f.BumpPercent <= 0 {
		errs = append(errs, fmt.Errorf("%w: fee and polling settings out of range", ErrInvalidConfig))
	}
	if f.MaxReplacements > 0 && f.ReplaceAfter <= 0 {
		errs = append(errs, fmt.Errorf("%w: --replace-after must be > 0", ErrInvalidConfig))
	}
	if strings.TrimSpace(f.Owner) == "" || f.LeaseTTL <= 0 || f.SweepTimeout <= 0 || f.BalanceConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("%w: lease owner, --lease-ttl, --sweep-timeout and --balance-concurrency must be set", ErrInvalidConfig))
	} else if f.LeaseTTL <= f.SweepTimeout {
		errs = append(errs, fmt.Errorf("%w: --lease-ttl (%s) must exceed --sweep-timeout (%s)", ErrInvalidConfig, f.LeaseTTL, f.SweepTimeout))
	}
	return errors.Join(errs...)
}

// Backend is what the sweep needs from an RPC client; *ethclient.Client
// satisfies it.
type Backend interface {
	eth.Backend
	chaingateway.Reader
}

type Deps struct {
	Contracts config.Contracts
	Ledger    deposit.Ledger
	Leases    leases.Store
	Events    sweep.CompletedNotifier
	Secrets   secrets.Provider
	Archive   blobstore.Store
}

// Service is an assembled sweeper and the gateway it drives.
type Service struct {
	Sweeper *sweep.Sweeper
	Gateway *chaingateway.Gateway
}

// Dial connects to the RPC endpoint, checks the chain id and builds the
// sweeper. The returned func closes the RPC client.
func Dial(ctx context.Context, f *Flags, deps Deps, log *slog.Logger) (*Service, func(), error) {
	if err := f.Validate(); err != nil {
		return nil, nil, err
	}
	if !f.Enabled() {
		return nil, nil, fmt.Errorf("%w: --rpc-url is required", ErrInvalidConfig)
	}

	client, err := ethclient.DialContext(ctx, f.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("sweepsvc: dial rpc: %w", err)
	}
	got, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("sweepsvc: fetch chain id: %w", err)
	}
	if got.Cmp(new(big.Int).SetUint64(f.ChainID)) != 0 {
		client.Close()
		return nil, nil, fmt.Errorf("%w: chain id mismatch: rpc reports %s, want %d", ErrInvalidConfig, got, f.ChainID)
	}

	svc, err := Build(ctx, f, client, deps, log)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return svc, client.Close, nil
}

// Build wires the sweeper on top of an already connected backend.
func Build(ctx context.Context, f *Flags, backend Backend, deps Deps, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if backend == nil || deps.Ledger == nil || deps.Leases == nil {
		return nil, fmt.Errorf("%w: nil backend/ledger/lease store", ErrInvalidConfig)
	}

	provider := deps.Secrets
	if provider == nil {
		p, err := NewSecrets(ctx, f)
		if err != nil {
			return nil, err
		}
		provider = p
	}
	raw, err := provider.Get(ctx, f.SignerKeys)
	if err != nil {
		return nil, fmt.Errorf("sweepsvc: load signer keys: %w", err)
	}
	keys, err := eth.ParsePrivateKeysHexList(raw)
	if err != nil {
		return nil, fmt.Errorf("sweepsvc: parse signer keys: %w", err)
	}

	relayer, err := eth.NewRelayer(backend, eth.NewLocalSigners(keys), eth.RelayerConfig{
		ChainID:            new(big.Int).SetUint64(f.ChainID),
		GasLimitMultiplier: f.GasMult,
		Fees: eth.FeePolicy{
			MinTipCap:     new(big.Int).Mul(big.NewInt(f.MinTipGwei), big.NewInt(gwei)),
			BumpPercent:   f.BumpPercent,
			MinTipBump:    big.NewInt(gwei),
			MinFeeCapBump: big.NewInt(gwei),
		},
		ReceiptPollInterval: f.PollInterval,
		ReplaceAfter:        f.ReplaceAfter,
		MaxReplacements:     f.MaxReplacements,
	}, log)
	if err != nil {
		return nil, err
	}

	gw, err := chaingateway.New(chaingateway.Config{
		Deployer:         common.Address(deps.Contracts.Deployer),
		Treasury:         common.Address(deps.Contracts.Treasury),
		TransferGasLimit: f.TransferGasLimit,
	}, backend, relayer, log)
	if err != nil {
		return nil, err
	}

	sw, err := sweep.New(sweep.Config{
		Owner:              f.Owner,
		LeaseTTL:           f.LeaseTTL,
		BalanceConcurrency: f.BalanceConcurrency,
	}, deps.Ledger, gw, deps.Leases, log)
	if err != nil {
		return nil, err
	}
	if deps.Events != nil {
		sw.WithEvents(deps.Events)
	}

	archive := deps.Archive
	if archive == nil && f.archiveEnabled() {
		if archive, err = NewArchive(ctx, f); err != nil {
			return nil, err
		}
	}
	if archive != nil {
		sw.WithArchive(archive)
	}

	addrs := make([]string, 0, len(keys))
	for _, a := range relayer.Addresses() {
		addrs = append(addrs, a.Hex())
	}
	log.Info("sweeper ready",
		"chainID", f.ChainID,
		"signers", strings.Join(addrs, ","),
		"archive", archive != nil,
		"leaseOwner", f.Owner,
	)
	return &Service{Sweeper: sw, Gateway: gw}, nil
}

// NewSecrets returns the provider selected by --secrets-driver.
func NewSecrets(ctx context.Context, f *Flags) (secrets.Provider, error) {
	if !strings.EqualFold(strings.TrimSpace(f.SecretsDriver), secrets.DriverAWS) {
		return secrets.New(ctx, f.SecretsDriver)
	}
	cfg, err := loadAWSConfig(ctx, f.AWSRegion)
	if err != nil {
		return nil, err
	}
	return secrets.NewAWSFromConfig(cfg)
}

// NewArchive returns the blob store selected by --archive-driver.
func NewArchive(ctx context.Context, f *Flags) (blobstore.Store, error) {
	cfg := blobstore.Config{
		Driver: f.ArchiveDriver,
		Prefix: f.ArchivePrefix,
		Bucket: f.ArchiveBucket,
	}
	if !strings.EqualFold(strings.TrimSpace(f.ArchiveDriver), blobstore.DriverMemory) {
		awsCfg, err := loadAWSConfig(ctx, f.AWSRegion)
		if err != nil {
			return nil, err
		}
		cfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	return blobstore.New(cfg)
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if r := strings.TrimSpace(region); r != "" {
		opts = append(opts, awsconfig.WithRegion(r))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("sweepsvc: load aws config: %w", err)
	}
	return cfg, nil
}
