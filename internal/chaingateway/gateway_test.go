package chaingateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/juno-intents/deposit-router/internal/eth"
	"github.com/juno-intents/deposit-router/internal/proxyabi"
)

var (
	testDeployer = common.HexToAddress("0x2b05daf67cc41957f60f74ff7d3c4ab54840fc8d")
	testTreasury = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

type fakeReader struct {
	balances map[common.Address]*big.Int
	code     map[common.Address][]byte
	err      error

	calls   []ethereum.CallMsg
	callOut []byte
}

func (r *fakeReader) BalanceAt(_ context.Context, a common.Address, _ *big.Int) (*big.Int, error) {
	if r.err != nil {
		return nil, r.err
	}
	if v, ok := r.balances[a]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (r *fakeReader) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	r.calls = append(r.calls, msg)
	if r.err != nil {
		return nil, r.err
	}
	return r.callOut, nil
}

func (r *fakeReader) CodeAt(_ context.Context, a common.Address, _ *big.Int) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.code[a], nil
}

type fakeSender struct {
	reqs   []eth.TxRequest
	status uint64
	err    error
}

func (s *fakeSender) SendAndWaitMined(_ context.Context, req eth.TxRequest) (eth.SendResult, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return eth.SendResult{}, s.err
	}
	h := common.BytesToHash([]byte{byte(len(s.reqs))})
	return eth.SendResult{TxHash: h, Receipt: &types.Receipt{TxHash: h, Status: s.status}}, nil
}

func newTestGateway(t *testing.T, r Reader, s Sender) *Gateway {
	t.Helper()
	g, err := New(Config{Deployer: testDeployer, Treasury: testTreasury, TransferGasLimit: 80_000}, r, s, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestGateway_Balance(t *testing.T) {
	t.Parallel()

	var funded [20]byte
	funded[0] = 0x01
	r := &fakeReader{balances: map[common.Address]*big.Int{common.Address(funded): big.NewInt(42)}}
	g := newTestGateway(t, r, &fakeSender{})

	got, err := g.Balance(context.Background(), funded)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if got.Int64() != 42 {
		t.Fatalf("balance: got %s want 42", got)
	}

	r.err = errors.New("rpc down")
	if _, err := g.Balance(context.Background(), funded); !errors.Is(err, r.err) {
		t.Fatalf("Balance error: got %v", err)
	}
}

func TestGateway_DeployMultiple(t *testing.T) {
	t.Parallel()

	s := &fakeSender{status: types.ReceiptStatusSuccessful}
	g := newTestGateway(t, &fakeReader{}, s)

	var s1, s2 [32]byte
	s1[0], s2[0] = 0x01, 0x02

	h, err := g.DeployMultiple(context.Background(), [][32]byte{s1, s2})
	if err != nil {
		t.Fatalf("DeployMultiple: %v", err)
	}
	if h == [32]byte{} {
		t.Fatalf("expected tx hash")
	}
	if len(s.reqs) != 1 {
		t.Fatalf("requests: got %d want 1", len(s.reqs))
	}
	want, _ := proxyabi.PackDeployMultipleCalldata([][32]byte{s1, s2})
	if s.reqs[0].To != testDeployer || !bytes.Equal(s.reqs[0].Data, want) {
		t.Fatalf("deploy request mismatch: %+v", s.reqs[0])
	}
	if s.reqs[0].GasLimit != 0 {
		t.Fatalf("deploy gas limit: got %d want estimate", s.reqs[0].GasLimit)
	}
}

func TestGateway_DeployMultiple_Failures(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, &fakeReader{}, &fakeSender{status: types.ReceiptStatusSuccessful})
	if _, err := g.DeployMultiple(context.Background(), nil); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("empty: got %v want %v", err, ErrEmptyBatch)
	}

	reverting := newTestGateway(t, &fakeReader{}, &fakeSender{status: types.ReceiptStatusFailed})
	if _, err := reverting.DeployMultiple(context.Background(), [][32]byte{{1}}); !errors.Is(err, ErrReverted) {
		t.Fatalf("revert: got %v want %v", err, ErrReverted)
	}

	boom := errors.New("nonce too low")
	failing := newTestGateway(t, &fakeReader{}, &fakeSender{err: boom})
	_, err := failing.DeployMultiple(context.Background(), [][32]byte{{1}})
	if !errors.Is(err, boom) || errors.Is(err, ErrReverted) {
		t.Fatalf("transport failure: got %v", err)
	}

	estimateRevert := fmt.Errorf("%w: estimate gas: execution reverted", eth.ErrExecutionReverted)
	refused := newTestGateway(t, &fakeReader{}, &fakeSender{err: estimateRevert})
	_, err = refused.DeployMultiple(context.Background(), [][32]byte{{1}})
	if !errors.Is(err, ErrReverted) || !errors.Is(err, eth.ErrExecutionReverted) {
		t.Fatalf("estimate revert: got %v want %v", err, ErrReverted)
	}
}

func TestGateway_TransferFunds(t *testing.T) {
	t.Parallel()

	s := &fakeSender{status: types.ReceiptStatusSuccessful}
	g := newTestGateway(t, &fakeReader{}, s)

	var proxy [20]byte
	proxy[19] = 0x77
	if _, err := g.TransferFunds(context.Background(), proxy); err != nil {
		t.Fatalf("TransferFunds: %v", err)
	}
	want, _ := proxyabi.PackTransferFundsCalldata(testTreasury)
	req := s.reqs[0]
	if req.To != common.Address(proxy) || !bytes.Equal(req.Data, want) || req.GasLimit != 80_000 {
		t.Fatalf("transfer request mismatch: %+v", req)
	}

	s.status = types.ReceiptStatusFailed
	if _, err := g.TransferFunds(context.Background(), proxy); !errors.Is(err, ErrReverted) {
		t.Fatalf("revert: got %v want %v", err, ErrReverted)
	}
}

func TestGateway_ComputeProxyAddress(t *testing.T) {
	t.Parallel()

	want := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	r := &fakeReader{callOut: common.LeftPadBytes(want.Bytes(), 32)}
	g := newTestGateway(t, r, nil)

	var salt [32]byte
	salt[0] = 0x09
	var caller [20]byte
	caller[0] = 0x42

	got, err := g.ComputeProxyAddress(context.Background(), salt, caller)
	if err != nil {
		t.Fatalf("ComputeProxyAddress: %v", err)
	}
	if common.Address(got) != want {
		t.Fatalf("address: got %x want %s", got, want)
	}
	if r.calls[0].From != common.Address(caller) || *r.calls[0].To != testDeployer {
		t.Fatalf("call msg: %+v", r.calls[0])
	}
}

func TestGateway_HasCode(t *testing.T) {
	t.Parallel()

	var proxy, empty [20]byte
	proxy[19], empty[19] = 0x01, 0x02
	r := &fakeReader{code: map[common.Address][]byte{common.Address(proxy): {0x60, 0x80}}}
	g := newTestGateway(t, r, nil)

	if ok, err := g.HasCode(context.Background(), proxy); err != nil || !ok {
		t.Fatalf("deployed proxy: ok=%v err=%v", ok, err)
	}
	if ok, err := g.HasCode(context.Background(), empty); err != nil || ok {
		t.Fatalf("empty account: ok=%v err=%v", ok, err)
	}
	r.err = errors.New("rpc down")
	if _, err := g.HasCode(context.Background(), proxy); !errors.Is(err, r.err) {
		t.Fatalf("rpc failure: got %v", err)
	}
}

func TestGateway_ReadOnlyRejectsSends(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, &fakeReader{}, nil)
	if _, err := g.TransferFunds(context.Background(), [20]byte{1}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v want %v", err, ErrInvalidConfig)
	}
}

func TestNew_RejectsMissingAddresses(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Treasury: testTreasury}, &fakeReader{}, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing deployer: got %v", err)
	}
	if _, err := New(Config{Deployer: testDeployer}, &fakeReader{}, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing treasury: got %v", err)
	}
}
