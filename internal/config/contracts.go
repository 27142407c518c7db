// Package config validates the on-chain contract parameters shared by the
// deposit binaries.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/juno-intents/deposit-router/internal/create2"
)

var ErrInvalidConfig = errors.New("config: invalid config")

// Contracts is the fixed on-chain configuration every address derivation and
// sweep depends on.
type Contracts struct {
	Deployer     [20]byte
	InitCodeHash [32]byte
	Treasury     [20]byte
}

// ParseContracts validates hex inputs. All three values are required.
func ParseContracts(deployer, initCodeHash, treasury string) (Contracts, error) {
	var (
		c    Contracts
		err  error
		errs []error
	)
	if c.Deployer, err = parseRequiredAddress("deployer", deployer); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(initCodeHash) == "" {
		errs = append(errs, fmt.Errorf("%w: init code hash is required", ErrInvalidConfig))
	} else if c.InitCodeHash, err = create2.ParseBytes32(initCodeHash); err != nil {
		errs = append(errs, fmt.Errorf("%w: init code hash: %w", ErrInvalidConfig, err))
	}
	if c.Treasury, err = parseRequiredAddress("treasury", treasury); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Contracts{}, errors.Join(errs...)
	}
	if c.Deployer == ([20]byte{}) {
		return Contracts{}, fmt.Errorf("%w: deployer must be non-zero", ErrInvalidConfig)
	}
	return c, nil
}

// Deriver returns the address deriver bound to these contracts.
func (c Contracts) Deriver() create2.Deriver {
	return create2.Deriver{Deployer: c.Deployer, InitCodeHash: c.InitCodeHash}
}

func parseRequiredAddress(name, v string) ([20]byte, error) {
	if strings.TrimSpace(v) == "" {
		return [20]byte{}, fmt.Errorf("%w: %s address is required", ErrInvalidConfig, name)
	}
	a, err := create2.ParseAddress(v)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: %s address: %w", ErrInvalidConfig, name, err)
	}
	return a, nil
}
