package eth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrInvalidRelayerConfig = errors.New("eth: invalid relayer config")
	// ErrExecutionReverted marks a call the node refused to estimate because
	// it reverts. Nothing was signed or sent.
	ErrExecutionReverted = errors.New("eth: execution reverted")
)

// revertErrorCode is the JSON-RPC error code nodes use for reverted calls.
const revertErrorCode = 3

// Backend is the subset of ethclient.Client the relayer drives.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type RelayerConfig struct {
	ChainID            *big.Int
	GasLimitMultiplier float64
	Fees               FeePolicy

	ReceiptPollInterval time.Duration

	// A transaction still unmined after ReplaceAfter is re-sent at the same
	// nonce with bumped fees, at most MaxReplacements times.
	ReplaceAfter    time.Duration
	MaxReplacements int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Relayer signs, submits and waits for one inclusion of each transaction.
// It rotates across its signers; each signer has its own nonce counter.
type Relayer struct {
	backend Backend
	cfg     RelayerConfig
	log     *slog.Logger

	signers []Signer
	nonces  map[common.Address]*NonceManager
	rr      uint32
}

type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // 0 means estimate
}

type SendResult struct {
	From         common.Address
	Nonce        uint64
	TxHash       common.Hash
	Receipt      *types.Receipt
	Replacements int
}

func NewRelayer(backend Backend, signers []Signer, cfg RelayerConfig, log *slog.Logger) (*Relayer, error) {
	if backend == nil || len(signers) == 0 {
		return nil, fmt.Errorf("%w: nil backend or no signers", ErrInvalidRelayerConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: ChainID must be > 0", ErrInvalidRelayerConfig)
	}
	if cfg.GasLimitMultiplier <= 0 {
		return nil, fmt.Errorf("%w: GasLimitMultiplier must be > 0", ErrInvalidRelayerConfig)
	}
	if cfg.ReceiptPollInterval <= 0 {
		return nil, fmt.Errorf("%w: ReceiptPollInterval must be > 0", ErrInvalidRelayerConfig)
	}
	if cfg.MaxReplacements < 0 {
		return nil, fmt.Errorf("%w: MaxReplacements must be >= 0", ErrInvalidRelayerConfig)
	}
	if err := cfg.Fees.validate(cfg.MaxReplacements > 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRelayerConfig, err)
	}
	if cfg.MaxReplacements > 0 && cfg.ReplaceAfter <= 0 {
		return nil, fmt.Errorf("%w: ReplaceAfter must be > 0 when replacements are enabled", ErrInvalidRelayerConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	nonces := make(map[common.Address]*NonceManager, len(signers))
	for _, s := range signers {
		if s == nil {
			return nil, fmt.Errorf("%w: nil signer", ErrInvalidRelayerConfig)
		}
		addr := s.Address()
		if (addr == common.Address{}) {
			return nil, fmt.Errorf("%w: signer without address", ErrInvalidRelayerConfig)
		}
		if _, ok := nonces[addr]; ok {
			return nil, fmt.Errorf("%w: duplicate signer address %s", ErrInvalidRelayerConfig, addr)
		}
		nonces[addr] = NewNonceManager(backend, addr)
	}

	return &Relayer{
		backend: backend,
		cfg:     cfg,
		log:     log,
		signers: signers,
		nonces:  nonces,
	}, nil
}

// Addresses lists the sending accounts.
func (r *Relayer) Addresses() []common.Address {
	out := make([]common.Address, 0, len(r.signers))
	for _, s := range r.signers {
		out = append(out, s.Address())
	}
	return out
}

func (r *Relayer) pickSigner() (Signer, *NonceManager) {
	i := atomic.AddUint32(&r.rr, 1)
	s := r.signers[int(i)%len(r.signers)]
	return s, r.nonces[s.Address()]
}

// SendAndWaitMined returns once any of the submitted same-nonce transactions
// has a receipt. The receipt status is not interpreted here.
func (r *Relayer) SendAndWaitMined(ctx context.Context, req TxRequest) (SendResult, error) {
	signer, nm := r.pickSigner()
	sub := &submission{
		signer:  signer,
		chainID: r.cfg.ChainID,
		to:      req.To,
		data:    req.Data,
		value:   req.Value,
		gas:     req.GasLimit,
	}
	if sub.value == nil {
		sub.value = new(big.Int)
	}

	if sub.gas == 0 {
		est, err := r.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  signer.Address(),
			To:    &sub.to,
			Value: sub.value,
			Data:  sub.data,
		})
		if err != nil {
			if isRevert(err) {
				return SendResult{}, fmt.Errorf("%w: estimate gas: %w", ErrExecutionReverted, err)
			}
			return SendResult{}, fmt.Errorf("eth: estimate gas: %w", err)
		}
		sub.gas = applyGasMultiplier(est, r.cfg.GasLimitMultiplier)
	}
	if err := r.price(ctx, sub); err != nil {
		return SendResult{}, err
	}

	nonce, err := nm.Next(ctx)
	if err != nil {
		return SendResult{}, fmt.Errorf("eth: reserve nonce: %w", err)
	}
	sub.nonce = nonce

	first, err := sub.sign()
	if err == nil {
		err = r.backend.SendTransaction(ctx, first)
		if err != nil {
			err = fmt.Errorf("eth: send transaction: %w", err)
		}
	}
	if err != nil {
		// Nothing reached the mempool, so the nonce can be handed out again.
		nm.Release(nonce)
		return SendResult{}, err
	}
	sub.hashes = append(sub.hashes, first.Hash())
	r.log.Info("transaction submitted", "from", signer.Address(), "to", sub.to, "nonce", nonce, "tx", first.Hash())

	return r.wait(ctx, sub)
}

// submission is one nonce and every fee level it was broadcast at.
type submission struct {
	signer  Signer
	chainID *big.Int

	to    common.Address
	data  []byte
	value *big.Int
	gas   uint64
	nonce uint64

	tipCap, feeCap *big.Int
	hashes         []common.Hash
	replacements   int
}

func (s *submission) sign() (*types.Transaction, error) {
	to := s.to
	return s.signer.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     s.nonce,
		GasTipCap: s.tipCap,
		GasFeeCap: s.feeCap,
		Gas:       s.gas,
		To:        &to,
		Value:     s.value,
		Data:      s.data,
	}), s.chainID)
}

func (r *Relayer) price(ctx context.Context, sub *submission) error {
	tip, err := r.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return fmt.Errorf("eth: suggest tip: %w", err)
	}
	head, err := r.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("eth: latest header: %w", err)
	}
	if head.BaseFee == nil || head.BaseFee.Sign() < 0 {
		return errors.New("eth: latest header has no base fee")
	}
	sub.tipCap, sub.feeCap, err = r.cfg.Fees.Initial(head.BaseFee, tip)
	return err
}

// wait polls every broadcast hash and re-broadcasts at bumped fees while
// none is mined.
func (r *Relayer) wait(ctx context.Context, sub *submission) (SendResult, error) {
	lastSent := r.cfg.Now()
	for {
		for _, h := range sub.hashes {
			receipt, err := r.backend.TransactionReceipt(ctx, h)
			switch {
			case err == nil:
				return SendResult{
					From:         sub.signer.Address(),
					Nonce:        sub.nonce,
					TxHash:       h,
					Receipt:      receipt,
					Replacements: sub.replacements,
				}, nil
			case !errors.Is(err, ethereum.NotFound):
				return SendResult{}, fmt.Errorf("eth: receipt %s: %w", h, err)
			}
		}

		if sub.replacements >= r.cfg.MaxReplacements || r.cfg.Now().Sub(lastSent) < r.cfg.ReplaceAfter {
			if err := r.cfg.Sleep(ctx, r.cfg.ReceiptPollInterval); err != nil {
				return SendResult{}, err
			}
			continue
		}

		tip, fee, err := r.cfg.Fees.Bump(sub.tipCap, sub.feeCap)
		if err != nil {
			return SendResult{}, err
		}
		sub.tipCap, sub.feeCap = tip, fee
		replacement, err := sub.sign()
		if err != nil {
			return SendResult{}, err
		}
		sub.replacements++
		lastSent = r.cfg.Now()

		// An earlier broadcast may still land, so a rejected replacement
		// only means we keep polling.
		if err := r.backend.SendTransaction(ctx, replacement); err != nil {
			r.log.Warn("replacement rejected", "nonce", sub.nonce, "attempt", sub.replacements, "err", err)
			continue
		}
		sub.hashes = append(sub.hashes, replacement.Hash())
		r.log.Info("transaction replaced",
			"nonce", sub.nonce,
			"attempt", sub.replacements,
			"tx", replacement.Hash(),
			"tipCap", tip,
			"feeCap", fee,
		)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		return est
	}
	return out
}

func isRevert(err error) bool {
	var rerr rpc.Error
	if errors.As(err, &rerr) && rerr.ErrorCode() == revertErrorCode {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}
