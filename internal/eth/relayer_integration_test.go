//go:build integration

package eth

import (
	"context"
	"math/big"
	"net"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/juno-intents/deposit-router/internal/create2"
)

const anvilImage = "ghcr.io/foundry-rs/foundry@sha256:043752653d5be351c71709091b3db97c4421c907eb40ea294195e7f532aadf46"

// First two anvil dev accounts.
var anvilKeys = []string{
	"0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	"0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
}

func TestRelayer_FundsDepositAddressesOnAnvil(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client := startAnvil(t, ctx)

	keys, err := ParsePrivateKeysHexList(strings.Join(anvilKeys, ","))
	if err != nil {
		t.Fatalf("ParsePrivateKeysHexList: %v", err)
	}
	relayer, err := NewRelayer(client, NewLocalSigners(keys), RelayerConfig{
		ChainID:             big.NewInt(31337),
		GasLimitMultiplier:  1.2,
		Fees:                FeePolicy{MinTipCap: big.NewInt(1)},
		ReceiptPollInterval: 100 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewRelayer: %v", err)
	}

	deriver := create2.Deriver{
		Deployer:     common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		InitCodeHash: [32]byte{0x01},
	}
	user := common.HexToAddress("0x4242424242424242424242424242424242424242")

	const n = 4
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		senders = map[common.Address]int{}
		targets [n][20]byte
		errs    [n]error
	)
	for i := 0; i < n; i++ {
		targets[i], _ = deriver.DepositAddress(user, uint64(i))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := relayer.SendAndWaitMined(ctx, TxRequest{
				To:    common.Address(targets[i]),
				Value: big.NewInt(int64(1000 + i)),
			})
			if err == nil && res.Receipt.Status != types.ReceiptStatusSuccessful {
				t.Errorf("tx %d: receipt status %d", i, res.Receipt.Status)
			}
			errs[i] = err
			mu.Lock()
			senders[res.From]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("SendAndWaitMined %d: %v", i, err)
		}
	}
	if len(senders) != 2 {
		t.Fatalf("signer rotation: got %v", senders)
	}
	for i, target := range targets {
		bal, err := client.BalanceAt(ctx, common.Address(target), nil)
		if err != nil {
			t.Fatalf("BalanceAt: %v", err)
		}
		if bal.Int64() != int64(1000+i) {
			t.Fatalf("deposit %d balance: got %s want %d", i, bal, 1000+i)
		}
	}
}

func startAnvil(t *testing.T, ctx context.Context) *ethclient.Client {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	_ = ln.Close()

	out, err := exec.CommandContext(ctx, "docker", "run", "--rm", "-d",
		"-e", "ANVIL_IP_ADDR=0.0.0.0",
		"-p", "127.0.0.1:"+port+":8545",
		anvilImage, "anvil", "--port", "8545", "--chain-id", "31337",
	).CombinedOutput()
	if err != nil {
		t.Fatalf("docker run anvil: %v: %s", err, out)
	}
	id := strings.TrimSpace(string(out))
	t.Cleanup(func() { _ = exec.Command("docker", "rm", "-f", id).Run() })

	url := "http://127.0.0.1:" + port
	for deadline := time.Now().Add(15 * time.Second); time.Now().Before(deadline); time.Sleep(200 * time.Millisecond) {
		c, err := ethclient.DialContext(ctx, url)
		if err != nil {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, time.Second)
		_, err = c.ChainID(cctx)
		cancel()
		if err == nil {
			t.Cleanup(c.Close)
			return c
		}
		c.Close()
	}
	t.Fatalf("anvil not ready at %s", url)
	return nil
}
