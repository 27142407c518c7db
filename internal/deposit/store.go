package deposit

import (
	"context"
	"errors"
	"math/big"
)

var (
	ErrNotFound          = errors.New("deposit: not found")
	ErrAlreadyExists     = errors.New("deposit: already exists")
	ErrInvalidTransition = errors.New("deposit: invalid transition")
	ErrUnknownStatus     = errors.New("deposit: unknown status")
)

// NonceAllocator hands out per-user nonces. A value is never returned twice
// for the same user, and different users never contend with each other.
type NonceAllocator interface {
	AllocateNonce(ctx context.Context, user [20]byte) (uint64, error)
}

// Ledger is the deposit table. Status writes are unconditional; callers
// validate transitions with the Status helpers before writing.
type Ledger interface {
	// Insert stores a new deposit and returns it with ID and timestamps set.
	Insert(ctx context.Context, d Deposit) (Deposit, error)
	GetByAddress(ctx context.Context, address [20]byte) (Deposit, error)
	// ListByUser orders by nonce ascending.
	ListByUser(ctx context.Context, user [20]byte) ([]Deposit, error)
	// ListAll orders newest first. limit <= 0 means no limit.
	ListAll(ctx context.Context, limit int) ([]Deposit, error)
	// ListByStatuses orders oldest first.
	ListByStatuses(ctx context.Context, statuses ...Status) ([]Deposit, error)

	UpdateStatus(ctx context.Context, address [20]byte, status Status) error
	RecordDeployed(ctx context.Context, address [20]byte, txHash [32]byte) error
	RecordRouted(ctx context.Context, address [20]byte, amountWei *big.Int, txHash [32]byte) error
}

type Store interface {
	NonceAllocator
	Ledger
}
