// Package redemptions persists token bindings and redemption reservations in
// SQLite. The (actor, pool, day) uniqueness constraint on the reservations
// table is the concurrency lock the claim coordinator depends on; every
// conditional write here is a single statement checked via RowsAffected.
package redemptions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"redeemd/native/rewards"
)

// Store implements rewards.TokenStore and rewards.EligibilityStore over a
// single SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The engine relies on conditional writes, not connection-level locking,
	// but SQLite still wants a single writer.
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS tokens (
            id TEXT PRIMARY KEY,
            actor TEXT NOT NULL,
            wallet TEXT NOT NULL,
            pool TEXT NOT NULL,
            state TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS redemptions (
            id TEXT PRIMARY KEY,
            actor TEXT NOT NULL,
            wallet TEXT NOT NULL,
            pool TEXT NOT NULL,
            day TEXT NOT NULL,
            token_id TEXT NOT NULL,
            display_amount TEXT,
            base_amount TEXT,
            signature TEXT,
            created_at TIMESTAMP NOT NULL,
            UNIQUE(actor, pool, day)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_redemptions_wallet_day
            ON redemptions(wallet, pool, day);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// PutToken persists a fresh token binding.
func (s *Store) PutToken(ctx context.Context, id string, binding rewards.TokenBinding) error {
	const stmt = `INSERT INTO tokens(id, actor, wallet, pool, state, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, id, binding.Actor, binding.Wallet, binding.Pool, string(binding.State), time.Now().UTC())
	return err
}

// GetToken loads a binding by identifier.
func (s *Store) GetToken(ctx context.Context, id string) (rewards.TokenBinding, error) {
	const query = `SELECT actor, wallet, pool, state FROM tokens WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	var binding rewards.TokenBinding
	var state string
	if err := row.Scan(&binding.Actor, &binding.Wallet, &binding.Pool, &state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rewards.TokenBinding{}, rewards.ErrTokenNotFound
		}
		return rewards.TokenBinding{}, err
	}
	binding.State = rewards.TokenState(state)
	return binding, nil
}

// ClaimToken conditionally transitions a token from issued to claimed. The
// boolean reports whether the update matched a row, which is how concurrent
// claimants learn they lost the race.
func (s *Store) ClaimToken(ctx context.Context, id string) (bool, error) {
	const stmt = `UPDATE tokens SET state = ? WHERE id = ? AND state = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(rewards.TokenClaimed), id, string(rewards.TokenIssued))
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ReleaseToken reverts a claimed token after a failed settlement. The token
// stays unusable but is no longer counted against the actor's quota.
func (s *Store) ReleaseToken(ctx context.Context, id string) error {
	const stmt = `UPDATE tokens SET state = ? WHERE id = ? AND state = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(rewards.TokenReleased), id, string(rewards.TokenClaimed))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("token %s not in claimed state", id)
	}
	return nil
}

// InsertReservation takes the daily slot for (actor, pool, day). INSERT OR
// IGNORE keeps the conflict check inside one atomic statement; a zero
// RowsAffected means another request already holds the slot.
func (s *Store) InsertReservation(ctx context.Context, r rewards.Reservation) error {
	const stmt = `INSERT OR IGNORE INTO redemptions(id, actor, wallet, pool, day, token_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, r.ID, r.Actor, r.Wallet, r.Pool, r.Day, r.TokenID, r.CreatedAt)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return rewards.ErrReservationExists
	}
	return nil
}

// HeldBy returns the token id occupying the (actor, pool, day) slot, or an
// empty string when the slot is free.
func (s *Store) HeldBy(ctx context.Context, actor, pool, day string) (string, error) {
	const query = `SELECT token_id FROM redemptions WHERE actor = ? AND pool = ? AND day = ?`
	row := s.db.QueryRowContext(ctx, query, actor, pool, day)
	var tokenID string
	if err := row.Scan(&tokenID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return tokenID, nil
}

// DeleteReservation removes a reservation row during compensation.
func (s *Store) DeleteReservation(ctx context.Context, id string) error {
	const stmt = `DELETE FROM redemptions WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("reservation %s not found", id)
	}
	return nil
}

// WalletSettledOn reports whether the wallet already holds a settled record
// for the pool on the given day, regardless of which actor funneled it.
func (s *Store) WalletSettledOn(ctx context.Context, wallet, pool, day string) (bool, error) {
	const query = `SELECT COUNT(1) FROM redemptions WHERE wallet = ? AND pool = ? AND day LIKE ? || '%' AND signature IS NOT NULL`
	row := s.db.QueryRowContext(ctx, query, wallet, pool, day)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// FinalizeReservation records the settled amounts and signature in place.
// The signature guard makes re-recording the same settlement a no-op and
// refuses to overwrite a different signature.
func (s *Store) FinalizeReservation(ctx context.Context, id, displayAmount, baseAmount, signature string) error {
	const stmt = `UPDATE redemptions SET display_amount = ?, base_amount = ?, signature = ? WHERE id = ? AND (signature IS NULL OR signature = ?)`
	res, err := s.db.ExecContext(ctx, stmt, displayAmount, baseAmount, signature, id, signature)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("reservation %s missing or settled with a different signature", id)
	}
	return nil
}

// Record is a settled redemption row, exposed for operator inspection.
type Record struct {
	ID            string
	Actor         string
	Wallet        string
	Pool          string
	Day           string
	TokenID       string
	DisplayAmount string
	BaseAmount    string
	Signature     string
	CreatedAt     time.Time
}

// SettledRecords lists settled redemptions for a pool, newest first.
func (s *Store) SettledRecords(ctx context.Context, pool string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, actor, wallet, pool, day, token_id, display_amount, base_amount, signature, created_at
        FROM redemptions WHERE pool = ? AND signature IS NOT NULL ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, pool, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Actor, &rec.Wallet, &rec.Pool, &rec.Day, &rec.TokenID, &rec.DisplayAmount, &rec.BaseAmount, &rec.Signature, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
