package rewards

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const tokenIDBytes = 16

// TokenState tracks the single-use lifecycle of a redemption token.
type TokenState string

const (
	// TokenIssued is the initial state; the token may be redeemed once.
	TokenIssued TokenState = "issued"
	// TokenClaimed marks a spent token. The transition is conditional and
	// happens at most once.
	TokenClaimed TokenState = "claimed"
	// TokenReleased marks a token whose settlement failed. It is unusable
	// but kept for operator inspection and no longer blocks the actor's
	// daily quota.
	TokenReleased TokenState = "released"
)

// TokenBinding is the server-side record a token points at. The token string
// itself carries no payload beyond the random identifier and its MAC.
type TokenBinding struct {
	Actor  string
	Wallet string
	Pool   string
	State  TokenState
}

// TokenStore persists token bindings. Implementations must make ClaimToken a
// single conditional write that reports whether it matched a row.
type TokenStore interface {
	PutToken(ctx context.Context, id string, binding TokenBinding) error
	GetToken(ctx context.Context, id string) (TokenBinding, error)
	// ClaimToken transitions id from issued to claimed. It returns false,
	// without error, when the token was not in the issued state.
	ClaimToken(ctx context.Context, id string) (bool, error)
	// ReleaseToken transitions id from claimed to released.
	ReleaseToken(ctx context.Context, id string) error
}

// ErrTokenNotFound is returned by TokenStore implementations for unknown ids.
var ErrTokenNotFound = errors.New("rewards: token not found")

// Codec mints and verifies redemption tokens of the form "id.mac" where mac
// is an HMAC-SHA256 over the hex identifier under a server-held secret.
type Codec struct {
	secret []byte
	store  TokenStore
}

// NewCodec builds a codec. The secret must be non-empty; bindings are kept in
// the supplied store.
func NewCodec(secret []byte, store TokenStore) (*Codec, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("rewards: token secret required")
	}
	if store == nil {
		return nil, fmt.Errorf("rewards: token store required")
	}
	return &Codec{secret: append([]byte(nil), secret...), store: store}, nil
}

// Issue mints a fresh token bound to (actor, wallet, pool) and persists the
// binding. Identifiers are never reused across bindings.
func (c *Codec) Issue(ctx context.Context, actor, wallet, pool string) (string, error) {
	actor = strings.TrimSpace(actor)
	wallet = strings.TrimSpace(wallet)
	pool = strings.TrimSpace(pool)
	if actor == "" || wallet == "" || pool == "" {
		return "", fmt.Errorf("rewards: actor, wallet, and pool required")
	}
	raw := make([]byte, tokenIDBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("rewards: generate token id: %w", err)
	}
	id := hex.EncodeToString(raw)
	binding := TokenBinding{Actor: actor, Wallet: wallet, Pool: pool, State: TokenIssued}
	if err := c.store.PutToken(ctx, id, binding); err != nil {
		return "", fmt.Errorf("rewards: persist token binding: %w", err)
	}
	return id + "." + c.mac(id), nil
}

// Verify checks the token's MAC and returns the identifier. It fails closed
// on any malformed input and performs no store access, so forged tokens cost
// nothing beyond one HMAC computation.
func (c *Codec) Verify(token string) (string, error) {
	id, mac, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || id == "" || mac == "" {
		return "", ErrForbidden
	}
	if !hmac.Equal([]byte(c.mac(id)), []byte(mac)) {
		return "", ErrForbidden
	}
	return id, nil
}

func (c *Codec) mac(id string) string {
	h := hmac.New(sha256.New, c.secret)
	h.Write([]byte(id))
	return hex.EncodeToString(h.Sum(nil))
}
