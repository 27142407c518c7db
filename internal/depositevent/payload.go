// Package depositevent defines the JSON records the deposit services exchange
// over the queue.
package depositevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/juno-intents/deposit-router/internal/create2"
	"github.com/juno-intents/deposit-router/internal/deposit"
	"github.com/juno-intents/deposit-router/internal/sweep"
)

const (
	VersionDepositCreated = "deposits.created.v1"
	VersionSweepCompleted = "sweeps.completed.v1"
	VersionSweepTrigger   = "sweeps.trigger.v1"
)

var ErrInvalidPayload = errors.New("depositevent: invalid payload")

type DepositCreated struct {
	Version        string    `json:"version"`
	DepositAddress string    `json:"depositAddress"`
	User           string    `json:"user"`
	Nonce          uint64    `json:"nonce"`
	Salt           string    `json:"salt"`
	CreatedAt      time.Time `json:"createdAt"`
}

func NewDepositCreated(d deposit.Deposit) DepositCreated {
	return DepositCreated{
		Version:        VersionDepositCreated,
		DepositAddress: create2.FormatAddress(d.Address),
		User:           create2.FormatAddress(d.User),
		Nonce:          d.Nonce,
		Salt:           d.Salt,
		CreatedAt:      d.CreatedAt.UTC(),
	}
}

type SweepCompleted struct {
	Version string `json:"version"`
	sweep.Summary
}

func NewSweepCompleted(s sweep.Summary) SweepCompleted {
	return SweepCompleted{Version: VersionSweepCompleted, Summary: s}
}

// SweepTrigger asks the sweeper to run now.
type SweepTrigger struct {
	Version     string    `json:"version"`
	Reason      string    `json:"reason,omitempty"`
	RequestedBy string    `json:"requestedBy,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

func NewSweepTrigger(reason, requestedBy string, at time.Time) SweepTrigger {
	return SweepTrigger{
		Version:     VersionSweepTrigger,
		Reason:      strings.TrimSpace(reason),
		RequestedBy: strings.TrimSpace(requestedBy),
		RequestedAt: at.UTC(),
	}
}

// ParseSweepTrigger decodes a trigger record and rejects other versions.
func ParseSweepTrigger(b []byte) (SweepTrigger, error) {
	var t SweepTrigger
	if err := json.Unmarshal(b, &t); err != nil {
		return SweepTrigger{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if t.Version != VersionSweepTrigger {
		return SweepTrigger{}, fmt.Errorf("%w: version %q", ErrInvalidPayload, t.Version)
	}
	return t, nil
}
