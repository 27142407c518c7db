package deposit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/juno-intents/deposit-router/internal/create2"
)

var ErrInvalidConfig = errors.New("deposit: invalid config")

// CreatedNotifier is told about every newly issued deposit.
type CreatedNotifier interface {
	DepositCreated(ctx context.Context, d Deposit) error
}

// Issuer hands out fresh deposit addresses: one nonce, one derived address,
// one pending row per call.
type Issuer struct {
	deriver create2.Deriver
	nonces  NonceAllocator
	ledger  Ledger
	events  CreatedNotifier
	log     *slog.Logger
}

// NewIssuer wires an issuer. events may be nil.
func NewIssuer(deriver create2.Deriver, nonces NonceAllocator, ledger Ledger, events CreatedNotifier, log *slog.Logger) (*Issuer, error) {
	if nonces == nil || ledger == nil {
		return nil, fmt.Errorf("%w: nil nonce allocator/ledger", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Issuer{
		deriver: deriver,
		nonces:  nonces,
		ledger:  ledger,
		events:  events,
		log:     log,
	}, nil
}

// Issue allocates the next nonce for user and records a pending deposit at the
// derived address. A failure after allocation leaves the nonce unused; it is
// never handed out again.
func (i *Issuer) Issue(ctx context.Context, user [20]byte) (Deposit, error) {
	if i == nil {
		return Deposit{}, fmt.Errorf("%w: nil issuer", ErrInvalidConfig)
	}

	nonce, err := i.nonces.AllocateNonce(ctx, user)
	if err != nil {
		return Deposit{}, fmt.Errorf("deposit: allocate nonce: %w", err)
	}

	addr, salt := i.deriver.DepositAddress(user, nonce)
	d, err := i.ledger.Insert(ctx, Deposit{
		User:    user,
		Nonce:   nonce,
		Salt:    create2.FormatBytes32(salt),
		Address: addr,
		Status:  StatusPending,
	})
	if err != nil {
		return Deposit{}, fmt.Errorf("deposit: insert: %w", err)
	}

	i.log.Info("issued deposit address",
		"user", create2.FormatAddress(user),
		"nonce", nonce,
		"deposit", create2.FormatAddress(addr),
	)

	if i.events != nil {
		if err := i.events.DepositCreated(ctx, d); err != nil {
			i.log.Warn("publish deposit created", "deposit", create2.FormatAddress(addr), "err", err)
		}
	}
	return d, nil
}
