// Package chaingateway talks to the deposit contracts on an EVM chain: balance
// reads, batch proxy deployment and per-proxy fund transfers.
package chaingateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/juno-intents/deposit-router/internal/eth"
	"github.com/juno-intents/deposit-router/internal/proxyabi"
)

var (
	ErrInvalidConfig = errors.New("chaingateway: invalid config")
	ErrEmptyBatch    = errors.New("chaingateway: empty deploy batch")
	// ErrReverted means the transaction was mined with a failed status or the
	// node refused to estimate it because it would revert.
	ErrReverted = errors.New("chaingateway: transaction reverted")
)

// Reader is the read side of ethclient.Client.
type Reader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// Sender submits a transaction and blocks until it is mined.
type Sender interface {
	SendAndWaitMined(ctx context.Context, req eth.TxRequest) (eth.SendResult, error)
}

type Config struct {
	Deployer common.Address
	Treasury common.Address

	// Optional fixed gas limits; 0 estimates per transaction.
	DeployGasLimit   uint64
	TransferGasLimit uint64
}

type Gateway struct {
	cfg    Config
	reader Reader
	sender Sender
	log    *slog.Logger
}

func New(cfg Config, reader Reader, sender Sender, log *slog.Logger) (*Gateway, error) {
	if (cfg.Deployer == common.Address{}) {
		return nil, fmt.Errorf("%w: Deployer must be non-zero", ErrInvalidConfig)
	}
	if (cfg.Treasury == common.Address{}) {
		return nil, fmt.Errorf("%w: Treasury must be non-zero", ErrInvalidConfig)
	}
	if reader == nil {
		return nil, fmt.Errorf("%w: nil reader", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Gateway{cfg: cfg, reader: reader, sender: sender, log: log}, nil
}

// Balance reads the native balance at the latest block.
func (g *Gateway) Balance(ctx context.Context, address [20]byte) (*big.Int, error) {
	bal, err := g.reader.BalanceAt(ctx, common.Address(address), nil)
	if err != nil {
		return nil, fmt.Errorf("chaingateway: balance %s: %w", common.Address(address), err)
	}
	return bal, nil
}

// HasCode reports whether a contract is deployed at address, i.e. whether a
// deposit's proxy already exists.
func (g *Gateway) HasCode(ctx context.Context, address [20]byte) (bool, error) {
	code, err := g.reader.CodeAt(ctx, common.Address(address), nil)
	if err != nil {
		return false, fmt.Errorf("chaingateway: code at %s: %w", common.Address(address), err)
	}
	return len(code) > 0, nil
}

// DeployMultiple deploys one proxy per user salt in a single transaction.
func (g *Gateway) DeployMultiple(ctx context.Context, salts [][32]byte) ([32]byte, error) {
	if len(salts) == 0 {
		return [32]byte{}, ErrEmptyBatch
	}
	data, err := proxyabi.PackDeployMultipleCalldata(salts)
	if err != nil {
		return [32]byte{}, err
	}
	h, err := g.send(ctx, "deployMultiple", eth.TxRequest{
		To:       g.cfg.Deployer,
		Data:     data,
		GasLimit: g.cfg.DeployGasLimit,
	})
	if err != nil {
		return [32]byte{}, err
	}
	g.log.Info("proxies deployed", "count", len(salts), "tx", h)
	return h, nil
}

// TransferFunds asks a deployed proxy to forward its balance to the treasury.
func (g *Gateway) TransferFunds(ctx context.Context, proxy [20]byte) ([32]byte, error) {
	data, err := proxyabi.PackTransferFundsCalldata(g.cfg.Treasury)
	if err != nil {
		return [32]byte{}, err
	}
	h, err := g.send(ctx, "transferFunds", eth.TxRequest{
		To:       common.Address(proxy),
		Data:     data,
		GasLimit: g.cfg.TransferGasLimit,
	})
	if err != nil {
		return [32]byte{}, err
	}
	g.log.Info("funds transferred", "proxy", common.Address(proxy), "tx", h)
	return h, nil
}

// ComputeProxyAddress asks the deployer contract where a proxy for userSalt
// lands when deployed by caller. It is an eth_call with From set to caller.
func (g *Gateway) ComputeProxyAddress(ctx context.Context, userSalt [32]byte, caller [20]byte) ([20]byte, error) {
	data, err := proxyabi.PackComputeProxyAddressCalldata(userSalt)
	if err != nil {
		return [20]byte{}, err
	}
	to := g.cfg.Deployer
	out, err := g.reader.CallContract(ctx, ethereum.CallMsg{
		From: common.Address(caller),
		To:   &to,
		Data: data,
	}, nil)
	if err != nil {
		return [20]byte{}, fmt.Errorf("chaingateway: computeProxyAddress: %w", err)
	}
	a, err := proxyabi.UnpackComputeProxyAddress(out)
	if err != nil {
		return [20]byte{}, err
	}
	return [20]byte(a), nil
}

func (g *Gateway) send(ctx context.Context, op string, req eth.TxRequest) ([32]byte, error) {
	if g.sender == nil {
		return [32]byte{}, fmt.Errorf("%w: read-only gateway cannot %s", ErrInvalidConfig, op)
	}
	res, err := g.sender.SendAndWaitMined(ctx, req)
	if errors.Is(err, eth.ErrExecutionReverted) {
		return [32]byte{}, fmt.Errorf("%w: %s: %w", ErrReverted, op, err)
	}
	if err != nil {
		return [32]byte{}, fmt.Errorf("chaingateway: %s: %w", op, err)
	}
	if res.Receipt == nil {
		return [32]byte{}, fmt.Errorf("chaingateway: %s: missing receipt for %s", op, res.TxHash)
	}
	if res.Receipt.Status != types.ReceiptStatusSuccessful {
		return [32]byte{}, fmt.Errorf("%w: %s tx %s", ErrReverted, op, res.TxHash)
	}
	return [32]byte(res.TxHash), nil
}
