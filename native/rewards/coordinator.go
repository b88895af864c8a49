package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Role is an actor's pool-scoped privilege level.
type Role string

const (
	// RoleNone is the default: daily actor and wallet caps apply.
	RoleNone Role = "none"
	// RoleElevated skips the wallet-level cap but keeps the actor-level
	// daily limit.
	RoleElevated Role = "elevated"
	// RoleBypass skips every daily limit. Operational escape hatch for
	// testing payouts; intentionally unlimited.
	RoleBypass Role = "bypass"
)

// RoleRegistry resolves an actor's privilege for a pool.
type RoleRegistry interface {
	Role(ctx context.Context, actor, pool string) (Role, error)
}

// Reservation is the durable row that both reserves daily eligibility and
// later records the settlement outcome. Its (actor, pool, day) uniqueness
// constraint is the concurrency lock for the whole engine.
type Reservation struct {
	ID        string
	Actor     string
	Wallet    string
	Pool      string
	Day       string
	TokenID   string
	CreatedAt time.Time
}

// ErrReservationExists is returned by EligibilityStore.InsertReservation when
// the (actor, pool, day) key is already taken.
var ErrReservationExists = errors.New("rewards: reservation already exists")

// EligibilityStore is the conditional-write surface of the shared store. The
// insert and the finalize/delete pair must each be a single atomic statement;
// read-then-write here reintroduces the double-redemption race.
type EligibilityStore interface {
	InsertReservation(ctx context.Context, res Reservation) error
	DeleteReservation(ctx context.Context, id string) error
	// HeldBy returns the token id of the reservation occupying
	// (actor, pool, day), or empty when the slot is free.
	HeldBy(ctx context.Context, actor, pool, day string) (string, error)
	// WalletSettledOn reports whether the wallet already holds a settled
	// record for the pool on the given day.
	WalletSettledOn(ctx context.Context, wallet, pool, day string) (bool, error)
	// FinalizeReservation writes the reward amounts and ledger signature in
	// place. Repeating the call with the same signature is a no-op.
	FinalizeReservation(ctx context.Context, id, displayAmount, baseAmount, signature string) error
}

// Coordinator enforces at-most-once redemption. It owns reservation creation
// and deletion; nothing else writes those rows.
type Coordinator struct {
	codec  *Codec
	tokens TokenStore
	store  EligibilityStore
	roles  RoleRegistry
	pools  PoolRegistry
	logger *slog.Logger
	now    func() time.Time
}

// NewCoordinator wires the claim coordinator. All collaborators are required.
func NewCoordinator(codec *Codec, tokens TokenStore, store EligibilityStore, roles RoleRegistry, pools PoolRegistry, logger *slog.Logger) (*Coordinator, error) {
	switch {
	case codec == nil:
		return nil, fmt.Errorf("rewards: codec required")
	case tokens == nil:
		return nil, fmt.Errorf("rewards: token store required")
	case store == nil:
		return nil, fmt.Errorf("rewards: eligibility store required")
	case roles == nil:
		return nil, fmt.Errorf("rewards: role registry required")
	case pools == nil:
		return nil, fmt.Errorf("rewards: pool registry required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		codec:  codec,
		tokens: tokens,
		store:  store,
		roles:  roles,
		pools:  pools,
		logger: logger,
		now:    time.Now,
	}, nil
}

// WithClock overrides the time source. Test hook.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	if now != nil {
		c.now = now
	}
	return c
}

// Claim is the admitted outcome of Begin: a held reservation plus everything
// settlement needs.
type Claim struct {
	Reservation Reservation
	Pool        *Pool
	Role        Role
	TokenID     string
}

// DayKey returns the UTC calendar-day bucket used for daily limits.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Begin runs the admission state machine: verify the token, resolve its
// binding, take the daily reservation, enforce the wallet cap, and burn the
// token. On return the caller holds the reservation and must either finalize
// it or release it; dangling reservations block the actor for the day.
func (c *Coordinator) Begin(ctx context.Context, token string) (*Claim, error) {
	tokenID, err := c.codec.Verify(token)
	if err != nil {
		return nil, err
	}

	binding, err := c.tokens.GetToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("rewards: load token: %w", err)
	}
	if binding.State != TokenIssued {
		return nil, ErrAlreadyUsed
	}

	role, pool, err := c.resolve(ctx, binding)
	if err != nil {
		return nil, err
	}
	if err := pool.Validate(); err != nil {
		return nil, err
	}

	day := DayKey(c.now())
	res := Reservation{
		ID:        uuid.NewString(),
		Actor:     binding.Actor,
		Wallet:    binding.Wallet,
		Pool:      binding.Pool,
		Day:       day,
		TokenID:   tokenID,
		CreatedAt: c.now().UTC(),
	}
	if role == RoleBypass {
		// Privileged actors still get a reservation row for settlement
		// bookkeeping, keyed per attempt so the uniqueness constraint
		// never throttles them.
		res.Day = day + "#" + res.ID
	}

	// The insert is the lock: of N concurrent attempts with the same
	// (actor, pool, day), exactly one lands.
	if err := c.store.InsertReservation(ctx, res); err != nil {
		if errors.Is(err, ErrReservationExists) {
			// Concurrent requests with the same token lose the slot to
			// each other and report AlreadyUsed; a second token the same
			// day is a genuine rate limit.
			if held, heldErr := c.store.HeldBy(ctx, res.Actor, res.Pool, res.Day); heldErr == nil && held == tokenID {
				return nil, ErrAlreadyUsed
			}
			return nil, ErrRateLimited
		}
		return nil, fmt.Errorf("rewards: reserve redemption: %w", err)
	}

	if role == RoleNone {
		settled, err := c.store.WalletSettledOn(ctx, binding.Wallet, binding.Pool, day)
		if err != nil {
			c.rollbackReservation(ctx, res)
			return nil, fmt.Errorf("rewards: wallet cap lookup: %w", err)
		}
		if settled {
			// Wallet farming across identities: burn the token so it
			// cannot be retried, and free the actor slot since no
			// reward will be granted.
			if _, burnErr := c.tokens.ClaimToken(ctx, tokenID); burnErr != nil {
				c.logger.Error("wallet-cap token burn failed; manual reconciliation required",
					"token", tokenID, "actor", binding.Actor, "pool", binding.Pool, "error", burnErr)
			}
			c.rollbackReservation(ctx, res)
			return nil, ErrRateLimited
		}
	}

	claimed, err := c.tokens.ClaimToken(ctx, tokenID)
	if err != nil {
		c.rollbackReservation(ctx, res)
		return nil, fmt.Errorf("rewards: claim token: %w", err)
	}
	if !claimed {
		// Lost the race to a concurrent claimant holding the same token.
		c.rollbackReservation(ctx, res)
		return nil, ErrAlreadyUsed
	}

	return &Claim{Reservation: res, Pool: pool, Role: role, TokenID: tokenID}, nil
}

// resolve fetches the actor's role and the pool config in parallel; the two
// lookups have no data dependency.
func (c *Coordinator) resolve(ctx context.Context, binding TokenBinding) (Role, *Pool, error) {
	type roleResult struct {
		role Role
		err  error
	}
	roleCh := make(chan roleResult, 1)
	go func() {
		role, err := c.roles.Role(ctx, binding.Actor, binding.Pool)
		roleCh <- roleResult{role: role, err: err}
	}()

	pool, poolErr := c.pools.Pool(ctx, binding.Pool)
	r := <-roleCh

	if r.err != nil {
		return RoleNone, nil, fmt.Errorf("rewards: resolve role: %w", r.err)
	}
	if poolErr != nil {
		return RoleNone, nil, fmt.Errorf("%w: %v", ErrPoolMisconfigured, poolErr)
	}
	return r.role, pool, nil
}

func (c *Coordinator) rollbackReservation(ctx context.Context, res Reservation) {
	if err := c.store.DeleteReservation(ctx, res.ID); err != nil {
		c.logger.Error("reservation rollback failed; manual reconciliation required",
			"reservation", res.ID, "actor", res.Actor, "pool", res.Pool, "error", err)
	}
}

// Release compensates a held claim after a settlement failure: the
// reservation row is removed first, then the token reverts to released.
// Both halves are attempted unconditionally; a partial failure is logged as
// an inconsistency rather than swallowed.
func (c *Coordinator) Release(ctx context.Context, claim *Claim) {
	if claim == nil {
		return
	}
	if err := c.store.DeleteReservation(ctx, claim.Reservation.ID); err != nil {
		c.logger.Error("compensation: reservation delete failed; manual reconciliation required",
			"reservation", claim.Reservation.ID, "actor", claim.Reservation.Actor,
			"pool", claim.Reservation.Pool, "error", err)
	}
	if err := c.tokens.ReleaseToken(ctx, claim.TokenID); err != nil {
		c.logger.Error("compensation: token release failed; manual reconciliation required",
			"token", claim.TokenID, "actor", claim.Reservation.Actor,
			"pool", claim.Reservation.Pool, "error", err)
	}
}

// Finalize records the settled outcome on the reservation row. This single
// in-place update is the permanent evidence of the redemption.
func (c *Coordinator) Finalize(ctx context.Context, claim *Claim, displayAmount, baseAmount, signature string) error {
	return c.store.FinalizeReservation(ctx, claim.Reservation.ID, displayAmount, baseAmount, signature)
}
