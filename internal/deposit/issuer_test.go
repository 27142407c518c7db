package deposit

import (
	"context"
	"errors"
	"testing"

	"github.com/juno-intents/deposit-router/internal/create2"
)

type recordingNotifier struct {
	got []Deposit
	err error
}

func (n *recordingNotifier) DepositCreated(_ context.Context, d Deposit) error {
	n.got = append(n.got, d)
	return n.err
}

type failingLedger struct {
	Ledger
	err error
}

func (l failingLedger) Insert(context.Context, Deposit) (Deposit, error) {
	return Deposit{}, l.err
}

type failingAllocator struct{ err error }

func (a failingAllocator) AllocateNonce(context.Context, [20]byte) (uint64, error) {
	return 0, a.err
}

func testDeriver() create2.Deriver {
	var d create2.Deriver
	for i := range d.Deployer {
		d.Deployer[i] = 0xab
	}
	for i := range d.InitCodeHash {
		d.InitCodeHash[i] = 0xef
	}
	return d
}

func TestIssuer_IssuesSequentialAddresses(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	events := &recordingNotifier{}
	deriver := testDeriver()

	iss, err := NewIssuer(deriver, store, store, events, nil)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	var user [20]byte
	for i := range user {
		user[i] = 0x42
	}

	first, err := iss.Issue(context.Background(), user)
	if err != nil {
		t.Fatalf("Issue #1: %v", err)
	}
	second, err := iss.Issue(context.Background(), user)
	if err != nil {
		t.Fatalf("Issue #2: %v", err)
	}

	if first.Nonce != 0 || second.Nonce != 1 {
		t.Fatalf("nonces: got %d,%d want 0,1", first.Nonce, second.Nonce)
	}
	if first.Address == second.Address {
		t.Fatalf("expected distinct addresses")
	}
	if first.Status != StatusPending {
		t.Fatalf("status: got %v want %v", first.Status, StatusPending)
	}

	wantAddr, wantSalt := create2.ComputeDepositAddress(deriver.Deployer, deriver.InitCodeHash, user, 0)
	if first.Address != wantAddr {
		t.Fatalf("address: got %x want %x", first.Address, wantAddr)
	}
	if first.Salt != create2.FormatBytes32(wantSalt) {
		t.Fatalf("salt: got %s want %s", first.Salt, create2.FormatBytes32(wantSalt))
	}

	stored, err := store.GetByAddress(context.Background(), first.Address)
	if err != nil {
		t.Fatalf("GetByAddress: %v", err)
	}
	if stored.Nonce != 0 || stored.User != user {
		t.Fatalf("stored deposit mismatch: %+v", stored)
	}

	if len(events.got) != 2 || events.got[0].Address != first.Address {
		t.Fatalf("events: got %d", len(events.got))
	}
}

func TestIssuer_NotifierFailureDoesNotFailIssue(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	iss, err := NewIssuer(testDeriver(), store, store, &recordingNotifier{err: errors.New("broker down")}, nil)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	if _, err := iss.Issue(context.Background(), [20]byte{1}); err != nil {
		t.Fatalf("Issue: %v", err)
	}
}

func TestIssuer_PersistenceFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	store := NewMemoryStore()

	iss, err := NewIssuer(testDeriver(), failingAllocator{err: boom}, store, nil, nil)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	if _, err := iss.Issue(context.Background(), [20]byte{1}); !errors.Is(err, boom) {
		t.Fatalf("allocator failure: got %v want %v", err, boom)
	}

	events := &recordingNotifier{}
	iss, err = NewIssuer(testDeriver(), store, failingLedger{Ledger: store, err: boom}, events, nil)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	if _, err := iss.Issue(context.Background(), [20]byte{1}); !errors.Is(err, boom) {
		t.Fatalf("ledger failure: got %v want %v", err, boom)
	}
	if len(events.got) != 0 {
		t.Fatalf("expected no event on failed issue")
	}
	all, _ := store.ListAll(context.Background(), 0)
	if len(all) != 0 {
		t.Fatalf("expected no rows after failed insert, got %d", len(all))
	}

	// The nonce consumed by the failed insert is not handed out again.
	n, err := store.AllocateNonce(context.Background(), [20]byte{1})
	if err != nil {
		t.Fatalf("AllocateNonce: %v", err)
	}
	if n != 1 {
		t.Fatalf("next nonce: got %d want 1", n)
	}
}

func TestNewIssuer_RejectsNilDependencies(t *testing.T) {
	t.Parallel()

	if _, err := NewIssuer(testDeriver(), nil, NewMemoryStore(), nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v want %v", err, ErrInvalidConfig)
	}
}
