package deposit

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"
)

type nonceKey struct {
	user  [20]byte
	nonce uint64
}

// MemoryStore implements Store in process memory. It backs unit tests and the
// single-process dev mode of the binaries.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	nextNonce map[[20]byte]uint64
	nextID    int64
	deposits  map[[20]byte]Deposit
	byNonce   map[nonceKey][20]byte
	// Insertion order; stands in for created_at ordering when timestamps tie.
	order [][20]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       time.Now,
		nextNonce: make(map[[20]byte]uint64),
		deposits:  make(map[[20]byte]Deposit),
		byNonce:   make(map[nonceKey][20]byte),
	}
}

func (s *MemoryStore) AllocateNonce(_ context.Context, user [20]byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.nextNonce[user]
	s.nextNonce[user] = n + 1
	return n, nil
}

func (s *MemoryStore) Insert(_ context.Context, d Deposit) (Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deposits[d.Address]; ok {
		return Deposit{}, ErrAlreadyExists
	}
	key := nonceKey{user: d.User, nonce: d.Nonce}
	if _, ok := s.byNonce[key]; ok {
		return Deposit{}, ErrAlreadyExists
	}

	s.nextID++
	now := s.now().UTC()
	d.ID = s.nextID
	d.CreatedAt = now
	d.UpdatedAt = now
	d.RoutedAmountWei = cloneBig(d.RoutedAmountWei)

	s.deposits[d.Address] = d
	s.byNonce[key] = d.Address
	s.order = append(s.order, d.Address)
	return copyDeposit(d), nil
}

func (s *MemoryStore) GetByAddress(_ context.Context, address [20]byte) (Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deposits[address]
	if !ok {
		return Deposit{}, ErrNotFound
	}
	return copyDeposit(d), nil
}

func (s *MemoryStore) ListByUser(_ context.Context, user [20]byte) ([]Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Deposit
	for _, addr := range s.order {
		d := s.deposits[addr]
		if d.User == user {
			out = append(out, copyDeposit(d))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out, nil
}

func (s *MemoryStore) ListAll(_ context.Context, limit int) ([]Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Deposit, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, copyDeposit(s.deposits[s.order[i]]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListByStatuses(_ context.Context, statuses ...Status) ([]Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(statuses) == 0 {
		return nil, nil
	}
	want := make(map[Status]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}

	var out []Deposit
	for _, addr := range s.order {
		d := s.deposits[addr]
		if _, ok := want[d.Status]; ok {
			out = append(out, copyDeposit(d))
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, address [20]byte, status Status) error {
	return s.update(address, func(d *Deposit) {
		d.Status = status
	})
}

func (s *MemoryStore) RecordDeployed(_ context.Context, address [20]byte, txHash [32]byte) error {
	return s.update(address, func(d *Deposit) {
		d.Status = StatusDeployed
		d.DeployTxHash = txHash
	})
}

func (s *MemoryStore) RecordRouted(_ context.Context, address [20]byte, amountWei *big.Int, txHash [32]byte) error {
	return s.update(address, func(d *Deposit) {
		d.Status = StatusRouted
		d.RoutedAmountWei = cloneBig(amountWei)
		d.RouteTxHash = txHash
	})
}

func (s *MemoryStore) update(address [20]byte, fn func(*Deposit)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deposits[address]
	if !ok {
		return ErrNotFound
	}
	fn(&d)
	d.UpdatedAt = s.now().UTC()
	s.deposits[address] = d
	return nil
}

func copyDeposit(d Deposit) Deposit {
	d.RoutedAmountWei = cloneBig(d.RoutedAmountWei)
	return d
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
