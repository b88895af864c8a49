package rewards

import (
	"context"
	"fmt"
	"math/big"
)

// Pool describes one reward pool: an ordered payout table in display units,
// parallel weights, and the decimal scale used to convert a display amount
// into ledger base units.
type Pool struct {
	ID          string
	DisplayName string
	Asset       string
	Account     string
	Amounts     []float64
	Weights     []uint64
	Decimals    uint8
}

// PoolRegistry is the read-only reward pool collaborator.
type PoolRegistry interface {
	Pool(ctx context.Context, id string) (*Pool, error)
}

// Validate enforces the redeemability invariants: a non-empty payout table
// and, when weights are present, one weight per amount.
func (p *Pool) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: pool not configured", ErrPoolMisconfigured)
	}
	if len(p.Amounts) == 0 {
		return fmt.Errorf("%w: pool %s has no payout table", ErrPoolMisconfigured, p.ID)
	}
	if len(p.Weights) > 0 && len(p.Weights) != len(p.Amounts) {
		return fmt.Errorf("%w: pool %s has %d weights for %d amounts", ErrPoolMisconfigured, p.ID, len(p.Weights), len(p.Amounts))
	}
	for i, amount := range p.Amounts {
		if amount < 0 {
			return fmt.Errorf("%w: pool %s amount %d is negative", ErrPoolMisconfigured, p.ID, i)
		}
	}
	return nil
}

// PayoutWeights returns the weight table, defaulting every entry to 1 when
// the pool omits weights.
func (p *Pool) PayoutWeights() []uint64 {
	if len(p.Weights) == len(p.Amounts) {
		return p.Weights
	}
	weights := make([]uint64, len(p.Amounts))
	for i := range weights {
		weights[i] = 1
	}
	return weights
}

// BaseAmount converts a display amount into base units using the pool's
// decimal scale, rounding to the nearest base unit.
func (p *Pool) BaseAmount(display float64) *big.Int {
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(p.Decimals)), nil))
	scaled := new(big.Float).Mul(big.NewFloat(display), scale)
	base, _ := scaled.Int(nil)
	// big.Float truncates toward zero; nudge up when the fraction rounds.
	half := new(big.Float).Sub(scaled, new(big.Float).SetInt(base))
	if half.Cmp(big.NewFloat(0.5)) >= 0 {
		base.Add(base, big.NewInt(1))
	}
	return base
}
