package leases

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps leases in process. It serializes sweeps within one
// process in dev mode and backs unit tests.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]Lease
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:    now,
		leases: make(map[string]Lease),
	}
}

func (s *MemoryStore) TryAcquire(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if cur, ok := s.leases[name]; ok && cur.ExpiresAt.After(now) {
		return cur, false, nil
	}
	l := Lease{Name: name, Owner: owner, ExpiresAt: now.Add(ttl)}
	s.leases[name] = l
	return l, true, nil
}

// Renew succeeds for the recorded owner even past expiry, as long as nobody
// has taken the lease over.
func (s *MemoryStore) Renew(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[name]
	switch {
	case !ok:
		return Lease{}, false, ErrNotFound
	case cur.Owner != owner:
		return Lease{}, false, ErrNotOwner
	}
	cur.ExpiresAt = s.now().Add(ttl)
	s.leases[name] = cur
	return cur, true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[name]
	if !ok {
		return nil
	}
	if cur.Owner != owner {
		return ErrNotOwner
	}
	delete(s.leases, name)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (Lease, error) {
	if name == "" {
		return Lease{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[name]
	if !ok {
		return Lease{}, ErrNotFound
	}
	return cur, nil
}
