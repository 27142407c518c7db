// Command deposit-address derives deposit addresses offline and optionally
// checks them against the deployer contract.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/juno-intents/deposit-router/internal/chaingateway"
	"github.com/juno-intents/deposit-router/internal/config"
	"github.com/juno-intents/deposit-router/internal/create2"
)

var errMismatch = errors.New("on-chain address mismatch")

type dialFunc func(ctx context.Context, rpcURL string) (chaingateway.Reader, func(), error)

type derived struct {
	User           string `json:"user"`
	Nonce          uint64 `json:"nonce"`
	Salt           string `json:"salt"`
	DepositAddress string `json:"depositAddress"`
	OnChainAddress string `json:"onChainAddress,omitempty"`
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	err := runMain(os.Args[1:], os.Stdout, dialEthclient)
	switch {
	case err == nil:
	case errors.Is(err, errMismatch):
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func dialEthclient(ctx context.Context, rpcURL string) (chaingateway.Reader, func(), error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}

func runMain(args []string, stdout io.Writer, dial dialFunc) error {
	fs := flag.NewFlagSet("deposit-address", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	deployer := fs.String("deployer", os.Getenv("DEPLOYER_ADDRESS"), "DeterministicProxyDeployer address")
	initCodeHash := fs.String("init-code-hash", os.Getenv("INIT_CODE_HASH"), "keccak256 of the proxy init code")
	treasury := fs.String("treasury", os.Getenv("TREASURY_ADDRESS"), "treasury address")
	userFlag := fs.String("user", "", "user address (required)")
	nonce := fs.Uint64("nonce", 0, "first nonce to derive")
	count := fs.Int("count", 1, "number of consecutive nonces to derive")
	verify := fs.Bool("verify", false, "cross-check each address with computeProxyAddress over eth_call")
	rpcURL := fs.String("rpc-url", "", "EVM JSON-RPC URL (required with --verify)")
	timeout := fs.Duration("timeout", 30*time.Second, "overall timeout for --verify")

	if err := fs.Parse(args); err != nil {
		return err
	}
	contracts, err := config.ParseContracts(*deployer, *initCodeHash, *treasury)
	if err != nil {
		return err
	}
	user, err := create2.ParseAddress(*userFlag)
	if err != nil {
		return fmt.Errorf("--user: %w", err)
	}
	if *count <= 0 || *count > 10_000 {
		return fmt.Errorf("--count must be in [1, 10000]")
	}
	if *verify && strings.TrimSpace(*rpcURL) == "" {
		return fmt.Errorf("--rpc-url is required with --verify")
	}

	var gw *chaingateway.Gateway
	ctx := context.Background()
	if *verify {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()

		reader, closeFn, err := dial(ctx, strings.TrimSpace(*rpcURL))
		if err != nil {
			return fmt.Errorf("dial rpc: %w", err)
		}
		defer closeFn()

		gw, err = chaingateway.New(chaingateway.Config{
			Deployer: common.Address(contracts.Deployer),
			Treasury: common.Address(contracts.Treasury),
		}, reader, nil, nil)
		if err != nil {
			return err
		}
	}

	deriver := contracts.Deriver()
	enc := json.NewEncoder(stdout)
	var mismatches int
	for i := 0; i < *count; i++ {
		n := *nonce + uint64(i)
		addr, salt := deriver.DepositAddress(user, n)
		out := derived{
			User:           create2.FormatAddress(user),
			Nonce:          n,
			Salt:           create2.FormatBytes32(salt),
			DepositAddress: create2.FormatAddress(addr),
		}
		if gw != nil {
			onChain, err := gw.ComputeProxyAddress(ctx, salt, user)
			if err != nil {
				return fmt.Errorf("nonce %d: %w", n, err)
			}
			out.OnChainAddress = create2.FormatAddress(onChain)
			if onChain != addr {
				mismatches++
			}
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	if mismatches > 0 {
		return fmt.Errorf("%w: %d of %d addresses", errMismatch, mismatches, *count)
	}
	return nil
}
