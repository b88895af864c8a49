package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
)

// SettleRequest asks the ledger client to move base units from the pool
// account to the destination wallet.
type SettleRequest struct {
	PoolAccount string
	Destination string
	Asset       string
	BaseAmount  *big.Int
}

// SettleResult reports the confirmed ledger signature and how many attempts
// the submission took.
type SettleResult struct {
	Signature string
	Attempts  int
}

// Settler submits and confirms the value transfer. Implementations classify
// failures with the coded sentinels in this package so the engine can map
// them without inspecting transport detail.
type Settler interface {
	Settle(ctx context.Context, req SettleRequest) (*SettleResult, error)
}

// Result is the successful outcome of one redemption.
type Result struct {
	Pool          string
	PrizeIndex    int
	DisplayAmount float64
	BaseAmount    *big.Int
	Signature     string
	Attempts      int
}

// Engine ties admission, prize selection, settlement, and recording into the
// single redeem operation the service exposes.
type Engine struct {
	codec       *Codec
	coordinator *Coordinator
	settler     Settler
	logger      *slog.Logger
}

// NewEngine wires the redemption engine.
func NewEngine(codec *Codec, coordinator *Coordinator, settler Settler, logger *slog.Logger) (*Engine, error) {
	switch {
	case codec == nil:
		return nil, fmt.Errorf("rewards: codec required")
	case coordinator == nil:
		return nil, fmt.Errorf("rewards: coordinator required")
	case settler == nil:
		return nil, fmt.Errorf("rewards: settler required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{codec: codec, coordinator: coordinator, settler: settler, logger: logger}, nil
}

// IssueToken mints a redemption token for an upstream caller whose identity
// and wallet are already authenticated.
func (e *Engine) IssueToken(ctx context.Context, actor, wallet, pool string) (string, error) {
	return e.codec.Issue(ctx, actor, wallet, pool)
}

// Redeem exchanges a token for a settled reward. Once the coordinator admits
// the claim, every failure path releases the reservation before returning;
// the reservation is finalized only after the ledger transfer confirms.
func (e *Engine) Redeem(ctx context.Context, token string) (*Result, error) {
	claim, err := e.coordinator.Begin(ctx, token)
	if err != nil {
		return nil, err
	}

	index, err := SelectPrize(claim.Pool.PayoutWeights())
	if err != nil {
		e.coordinator.Release(ctx, claim)
		return nil, fmt.Errorf("%w: %v", ErrPoolMisconfigured, err)
	}
	display := claim.Pool.Amounts[index]
	base := claim.Pool.BaseAmount(display)

	settled, err := e.settler.Settle(ctx, SettleRequest{
		PoolAccount: claim.Pool.Account,
		Destination: claim.Reservation.Wallet,
		Asset:       claim.Pool.Asset,
		BaseAmount:  base,
	})
	if err != nil {
		e.coordinator.Release(ctx, claim)
		e.logger.Warn("settlement failed; reservation released",
			"actor", claim.Reservation.Actor, "pool", claim.Reservation.Pool,
			"code", CodeOf(err), "error", err)
		var coded *CodedError
		if errors.As(err, &coded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	if err := e.coordinator.Finalize(ctx, claim, formatDisplay(display), base.String(), settled.Signature); err != nil {
		// The transfer landed; the missing record is an inconsistency for
		// manual reconciliation, not a reason to fail the caller.
		e.logger.Error("settled redemption not recorded; manual reconciliation required",
			"reservation", claim.Reservation.ID, "actor", claim.Reservation.Actor,
			"pool", claim.Reservation.Pool, "signature", settled.Signature, "error", err)
	}

	return &Result{
		Pool:          claim.Reservation.Pool,
		PrizeIndex:    index,
		DisplayAmount: display,
		BaseAmount:    base,
		Signature:     settled.Signature,
		Attempts:      settled.Attempts,
	}, nil
}

func formatDisplay(amount float64) string {
	return big.NewFloat(amount).Text('f', -1)
}
