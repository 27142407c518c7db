// Package leases provides named, expiring ownership records. The sweeper
// holds one for the duration of each run so that at most one sweep touches
// the ledger and the chain at a time across all replicas.
package leases

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
	ErrNotOwner     = errors.New("leases: not owner")
)

type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Store is a compare-and-swap lease table.
//
//   - TryAcquire takes the lease when it is absent or expired; otherwise it
//     returns the current holder with ok=false.
//   - Renew extends a lease the caller still owns.
//   - Release drops it; releasing an absent lease is a no-op.
type Store interface {
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, error)
}

func validate(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name/owner must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}

// Guard binds a lease name, an owner and a TTL for a job that must never run
// concurrently with itself.
type Guard struct {
	store Store
	name  string
	owner string
	ttl   time.Duration
}

func NewGuard(store Store, name, owner string, ttl time.Duration) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if err := validate(name, owner, ttl); err != nil {
		return nil, err
	}
	return &Guard{store: store, name: name, owner: owner, ttl: ttl}, nil
}

func (g *Guard) Name() string  { return g.name }
func (g *Guard) Owner() string { return g.owner }

// Acquire reports whether this owner now holds the lease. When it does not,
// the returned lease names the current holder.
func (g *Guard) Acquire(ctx context.Context) (Lease, bool, error) {
	return g.store.TryAcquire(ctx, g.name, g.owner, g.ttl)
}

// Extend pushes the expiry out by another TTL. It fails with ErrNotOwner or
// ErrNotFound when the lease was lost in the meantime.
func (g *Guard) Extend(ctx context.Context) error {
	_, ok, err := g.store.Renew(ctx, g.name, g.owner, g.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotOwner
	}
	return nil
}

func (g *Guard) Release(ctx context.Context) error {
	return g.store.Release(ctx, g.name, g.owner)
}
