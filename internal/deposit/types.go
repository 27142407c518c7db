package deposit

import (
	"fmt"
	"math/big"
	"time"

	"github.com/juno-intents/deposit-router/internal/create2"
)

type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusFunded
	StatusDeployed
	StatusFailed
	StatusRouted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFunded:
		return "funded"
	case StatusDeployed:
		return "deployed"
	case StatusFailed:
		return "failed"
	case StatusRouted:
		return "routed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ParseStatus is the inverse of String for the five persisted statuses.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "funded":
		return StatusFunded, nil
	case "deployed":
		return StatusDeployed, nil
	case "failed":
		return StatusFailed, nil
	case "routed":
		return StatusRouted, nil
	default:
		return StatusUnknown, fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

func (s Status) MarshalText() ([]byte, error) {
	if s < StatusPending || s > StatusRouted {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Lifecycle:
//
//	pending  -> funded    (balance observed)
//	funded   -> deployed  (batch deploy confirmed)
//	deployed -> routed    (transfer confirmed)
//	funded | deployed -> failed
//	failed   -> funded    (operator retry)
//	failed   -> deployed  (operator retry, proxy already on chain)

func (s Status) MarkFunded() (Status, error) {
	return s.transition(StatusFunded, StatusPending)
}

func (s Status) MarkDeployed() (Status, error) {
	return s.transition(StatusDeployed, StatusFunded)
}

func (s Status) MarkRouted() (Status, error) {
	return s.transition(StatusRouted, StatusDeployed)
}

func (s Status) MarkFailed() (Status, error) {
	return s.transition(StatusFailed, StatusFunded, StatusDeployed)
}

// Retry re-queues a failed deposit for the next sweep's deploy batch.
func (s Status) Retry() (Status, error) {
	return s.transition(StatusFunded, StatusFailed)
}

// Resume re-queues a failed deposit whose proxy already exists, so the next
// sweep only transfers it.
func (s Status) Resume() (Status, error) {
	return s.transition(StatusDeployed, StatusFailed)
}

func (s Status) transition(to Status, from ...Status) (Status, error) {
	for _, f := range from {
		if s == f {
			return to, nil
		}
	}
	return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, to)
}

type Deposit struct {
	ID    int64
	User  [20]byte
	Nonce uint64

	// Salt is the 0x-hex user salt as persisted. It is kept as text so a
	// corrupted row still loads and can be reported by the sweep.
	Salt    string
	Address [20]byte
	Status  Status

	DeployTxHash    [32]byte
	RouteTxHash     [32]byte
	RoutedAmountWei *big.Int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserSalt decodes the stored salt.
func (d Deposit) UserSalt() ([32]byte, error) {
	return create2.ParseBytes32(d.Salt)
}
