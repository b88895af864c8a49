package rewards

import (
	"context"
	"strings"
	"sync"
	"testing"
)

// memTokens is an in-memory TokenStore that counts reads so tests can assert
// forged tokens never reach the store.
type memTokens struct {
	mu     sync.Mutex
	tokens map[string]TokenBinding
	reads  int
}

func newMemTokens() *memTokens {
	return &memTokens{tokens: make(map[string]TokenBinding)}
}

func (m *memTokens) PutToken(_ context.Context, id string, binding TokenBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[id] = binding
	return nil
}

func (m *memTokens) GetToken(_ context.Context, id string) (TokenBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	binding, ok := m.tokens[id]
	if !ok {
		return TokenBinding{}, ErrTokenNotFound
	}
	return binding, nil
}

func (m *memTokens) ClaimToken(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	binding, ok := m.tokens[id]
	if !ok || binding.State != TokenIssued {
		return false, nil
	}
	binding.State = TokenClaimed
	m.tokens[id] = binding
	return true, nil
}

func (m *memTokens) ReleaseToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	binding, ok := m.tokens[id]
	if !ok {
		return ErrTokenNotFound
	}
	binding.State = TokenReleased
	m.tokens[id] = binding
	return nil
}

func (m *memTokens) readCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

func TestCodecIssueVerifyRoundTrip(t *testing.T) {
	store := newMemTokens()
	codec, err := NewCodec([]byte("server-secret"), store)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	token, err := codec.Issue(context.Background(), "actor-1", "wallet-1", "pool-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := codec.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	binding, err := store.GetToken(context.Background(), id)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if binding.Actor != "actor-1" || binding.Wallet != "wallet-1" || binding.Pool != "pool-1" {
		t.Fatalf("unexpected binding: %+v", binding)
	}
	if binding.State != TokenIssued {
		t.Fatalf("expected issued state, got %s", binding.State)
	}
}

func TestCodecIssueFreshIdentifiers(t *testing.T) {
	store := newMemTokens()
	codec, err := NewCodec([]byte("server-secret"), store)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		token, err := codec.Issue(context.Background(), "actor", "wallet", "pool")
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		id, _, _ := strings.Cut(token, ".")
		if seen[id] {
			t.Fatalf("identifier %s reused", id)
		}
		seen[id] = true
	}
}

func TestCodecRejectsTamperedSignature(t *testing.T) {
	store := newMemTokens()
	codec, err := NewCodec([]byte("server-secret"), store)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	token, err := codec.Issue(context.Background(), "actor", "wallet", "pool")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	reads := store.readCount()

	// Flip one signature byte.
	tampered := []byte(token)
	last := len(tampered) - 1
	if tampered[last] == 'a' {
		tampered[last] = 'b'
	} else {
		tampered[last] = 'a'
	}
	if _, err := codec.Verify(string(tampered)); err != ErrForbidden {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if store.readCount() != reads {
		t.Fatalf("forged token reached the store")
	}
}

func TestCodecRejectsMalformedTokens(t *testing.T) {
	codec, err := NewCodec([]byte("server-secret"), newMemTokens())
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	for _, token := range []string{"", ".", "abc.", ".def", "no-separator", "  "} {
		if _, err := codec.Verify(token); err != ErrForbidden {
			t.Fatalf("token %q: expected ErrForbidden, got %v", token, err)
		}
	}
}

func TestCodecRejectsWrongSecret(t *testing.T) {
	store := newMemTokens()
	issuer, _ := NewCodec([]byte("secret-a"), store)
	verifier, _ := NewCodec([]byte("secret-b"), store)
	token, err := issuer.Issue(context.Background(), "actor", "wallet", "pool")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Verify(token); err != ErrForbidden {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}
