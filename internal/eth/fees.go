package eth

import (
	"errors"
	"fmt"
	"math/big"
)

var ErrInvalidFeeArgs = errors.New("eth: invalid fee args")

// FeePolicy is the fixed EIP-1559 pricing used for every sweep transaction.
//
//	tipCap = max(suggestedTip, MinTipCap)
//	feeCap = 2*baseFee + tipCap
//
// Replacements scale both caps by BumpPercent, and by at least the absolute
// minimum bumps, since geth rejects replacements that are not strictly pricier.
type FeePolicy struct {
	MinTipCap *big.Int

	BumpPercent   int
	MinTipBump    *big.Int
	MinFeeCapBump *big.Int
}

func (p FeePolicy) validate(replacing bool) error {
	if p.MinTipCap == nil || p.MinTipCap.Sign() < 0 {
		return fmt.Errorf("%w: MinTipCap must be >= 0", ErrInvalidFeeArgs)
	}
	if !replacing {
		return nil
	}
	if p.BumpPercent <= 0 {
		return fmt.Errorf("%w: BumpPercent must be > 0", ErrInvalidFeeArgs)
	}
	if p.MinTipBump == nil || p.MinTipBump.Sign() < 0 || p.MinFeeCapBump == nil || p.MinFeeCapBump.Sign() < 0 {
		return fmt.Errorf("%w: minimum bumps must be >= 0", ErrInvalidFeeArgs)
	}
	return nil
}

// Initial prices a first submission from the latest base fee.
func (p FeePolicy) Initial(baseFee, suggestedTip *big.Int) (tipCap, feeCap *big.Int, err error) {
	if baseFee == nil || suggestedTip == nil || baseFee.Sign() < 0 || suggestedTip.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	if err := p.validate(false); err != nil {
		return nil, nil, err
	}

	tipCap = new(big.Int).Set(suggestedTip)
	if tipCap.Cmp(p.MinTipCap) < 0 {
		tipCap.Set(p.MinTipCap)
	}
	feeCap = new(big.Int).Lsh(baseFee, 1)
	feeCap.Add(feeCap, tipCap)
	return tipCap, feeCap, nil
}

// Bump prices a same-nonce replacement. The returned feeCap is never below
// the returned tipCap.
func (p FeePolicy) Bump(tipCap, feeCap *big.Int) (*big.Int, *big.Int, error) {
	if tipCap == nil || feeCap == nil || tipCap.Sign() < 0 || feeCap.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	if err := p.validate(true); err != nil {
		return nil, nil, err
	}

	newTip := bumpBy(tipCap, p.BumpPercent, p.MinTipBump)
	newFee := bumpBy(feeCap, p.BumpPercent, p.MinFeeCapBump)
	if newFee.Cmp(newTip) < 0 {
		newFee.Set(newTip)
	}
	return newTip, newFee, nil
}

func bumpBy(v *big.Int, pct int, minBump *big.Int) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(int64(100+pct)))
	out.Quo(out, big.NewInt(100))
	floor := new(big.Int).Add(v, minBump)
	if out.Cmp(floor) < 0 {
		out.Set(floor)
	}
	return out
}
