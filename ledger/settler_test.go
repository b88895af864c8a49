package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"redeemd/native/rewards"
)

// fakeNode scripts per-method outcomes and records every submission.
type fakeNode struct {
	mu sync.Mutex

	balance        *big.Int
	balanceErr     error
	missingAssets  map[string]bool
	windowCalls    int
	height         uint64
	submitOutcomes []error
	submits        []*Transaction
	statusBySig    map[string][]SignatureStatus
	defaultStatus  SignatureStatus
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		balance:       big.NewInt(1_000_000_000),
		missingAssets: map[string]bool{},
		statusBySig:   map[string][]SignatureStatus{},
	}
}

func (n *fakeNode) Balance(_ context.Context, _ string) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.balanceErr != nil {
		return nil, n.balanceErr
	}
	return new(big.Int).Set(n.balance), nil
}

func (n *fakeNode) AssetAccountExists(_ context.Context, owner, _ string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.missingAssets[owner], nil
}

func (n *fakeNode) LatestValidityWindow(_ context.Context) (*ValidityWindow, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.windowCalls++
	return &ValidityWindow{
		Blockhash:       fmt.Sprintf("hash-%d", n.windowCalls),
		LastValidHeight: 100 + uint64(n.windowCalls),
	}, nil
}

func (n *fakeNode) Height(_ context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.height, nil
}

func (n *fakeNode) SubmitTransaction(_ context.Context, tx *Transaction) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.submits = append(n.submits, tx)
	if len(n.submitOutcomes) > 0 {
		err := n.submitOutcomes[0]
		n.submitOutcomes = n.submitOutcomes[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("sig-%d", len(n.submits)), nil
}

func (n *fakeNode) SignatureStatus(_ context.Context, sig string) (*SignatureStatus, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	queue := n.statusBySig[sig]
	if len(queue) == 0 {
		if n.defaultStatus.Level != "" {
			status := n.defaultStatus
			return &status, nil
		}
		return &SignatureStatus{Level: LevelConfirmed}, nil
	}
	status := queue[0]
	if len(queue) > 1 {
		n.statusBySig[sig] = queue[1:]
	}
	return &status, nil
}

func testSigner(t *testing.T) *Signer {
	t.Helper()
	signer, err := NewSigner("4f6e652074776f20746872656520666f75722066697665207369782073766e21")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return signer
}

func testRequest() rewards.SettleRequest {
	return rewards.SettleRequest{
		PoolAccount: "pool-acct",
		Destination: "wallet-1",
		Asset:       "asset-a",
		BaseAmount:  big.NewInt(3_000_000),
	}
}

func newTestSettler(t *testing.T, node Node, cfg SettlerConfig) *Settler {
	t.Helper()
	if cfg.ConfirmPollInterval == 0 {
		cfg.ConfirmPollInterval = time.Millisecond
	}
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = time.Second
	}
	if cfg.OverallTimeout == 0 {
		cfg.OverallTimeout = 5 * time.Second
	}
	settler, err := NewSettler(node, testSigner(t), cfg, nil)
	if err != nil {
		t.Fatalf("NewSettler: %v", err)
	}
	return settler
}

func TestSettleFirstAttemptSucceeds(t *testing.T) {
	node := newFakeNode()
	settler := newTestSettler(t, node, SettlerConfig{BasePriorityFee: 1000})
	result, err := settler.Settle(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.Attempts != 1 || result.Signature != "sig-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	tx := node.submits[0]
	if len(tx.Instructions) != 1 || tx.Instructions[0].Kind != InstructionTransfer {
		t.Fatalf("unexpected instructions: %+v", tx.Instructions)
	}
	if tx.Instructions[0].Amount != "3000000" {
		t.Fatalf("amount %s, want 3000000", tx.Instructions[0].Amount)
	}
	ok, err := Verify(tx, testSigner(t).Account())
	if err != nil || !ok {
		t.Fatalf("transaction signature invalid: ok=%v err=%v", ok, err)
	}
}

func TestSettleRetriesWithFreshWindowAndEscalatedFee(t *testing.T) {
	node := newFakeNode()
	node.submitOutcomes = []error{&RPCError{Code: CodeWindowExpired, Message: "blockhash expired"}}
	settler := newTestSettler(t, node, SettlerConfig{
		MaxAttempts:     3,
		BasePriorityFee: 1000,
		PriorityFeeStep: 2000,
		ComputeLimit:    200_000,
		ComputeStep:     50_000,
	})
	result, err := settler.Settle(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", result.Attempts)
	}
	if len(node.submits) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(node.submits))
	}
	first, second := node.submits[0], node.submits[1]
	if first.Blockhash == second.Blockhash {
		t.Fatal("retry reused the validity window")
	}
	if second.PriorityFee != 3000 {
		t.Fatalf("retry priority fee %d, want 3000", second.PriorityFee)
	}
	if second.ComputeLimit != 250_000 {
		t.Fatalf("retry compute limit %d, want 250000", second.ComputeLimit)
	}
}

func TestSettleNonRetryableFailsImmediately(t *testing.T) {
	node := newFakeNode()
	node.submitOutcomes = []error{&RPCError{Code: CodeInvalidTx, Message: "malformed instruction"}}
	settler := newTestSettler(t, node, SettlerConfig{MaxAttempts: 5})
	_, err := settler.Settle(context.Background(), testRequest())
	if !errors.Is(err, rewards.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if len(node.submits) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(node.submits))
	}
}

func TestSettleOnChainInsufficientFunds(t *testing.T) {
	node := newFakeNode()
	node.submitOutcomes = []error{&RPCError{Code: CodeInsufficientFunds, Message: "pool account empty"}}
	settler := newTestSettler(t, node, SettlerConfig{MaxAttempts: 5})
	_, err := settler.Settle(context.Background(), testRequest())
	if !errors.Is(err, rewards.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestSettleBalancePrecheckFailsFast(t *testing.T) {
	node := newFakeNode()
	node.balance = big.NewInt(10)
	settler := newTestSettler(t, node, SettlerConfig{CheckBalance: true})
	_, err := settler.Settle(context.Background(), testRequest())
	if !errors.Is(err, rewards.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if len(node.submits) != 0 {
		t.Fatalf("expected no submission after failed precheck, got %d", len(node.submits))
	}
}

func TestSettleBalanceProbeErrorDoesNotAbort(t *testing.T) {
	node := newFakeNode()
	node.balanceErr = &RPCError{Code: CodeRateLimited, Message: "slow down"}
	settler := newTestSettler(t, node, SettlerConfig{CheckBalance: true})
	result, err := settler.Settle(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", result.Attempts)
	}
}

func TestSettlePrependsAccountCreation(t *testing.T) {
	node := newFakeNode()
	node.missingAssets["wallet-1"] = true
	settler := newTestSettler(t, node, SettlerConfig{})
	if _, err := settler.Settle(context.Background(), testRequest()); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	tx := node.submits[0]
	if len(tx.Instructions) != 2 {
		t.Fatalf("expected 2 instructions, got %d", len(tx.Instructions))
	}
	if tx.Instructions[0].Kind != InstructionCreateAssetAccount || tx.Instructions[0].Destination != "wallet-1" {
		t.Fatalf("expected account creation first, got %+v", tx.Instructions[0])
	}
	if tx.Instructions[1].Kind != InstructionTransfer {
		t.Fatalf("expected transfer second, got %+v", tx.Instructions[1])
	}
}

func TestSettleWindowExpiryDuringConfirmationRetries(t *testing.T) {
	node := newFakeNode()
	// First submission never confirms and its window expires; the second
	// confirms normally.
	node.statusBySig["sig-1"] = []SignatureStatus{{Level: LevelProcessed}}
	node.height = 102 // past sig-1's lastValidHeight of 101
	settler := newTestSettler(t, node, SettlerConfig{MaxAttempts: 3})
	result, err := settler.Settle(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.Attempts != 2 || result.Signature != "sig-2" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSettleExhaustionReturnsTransient(t *testing.T) {
	node := newFakeNode()
	node.submitOutcomes = []error{
		&RPCError{Code: CodeRateLimited, Message: "busy"},
		&RPCError{Code: CodeWindowExpired, Message: "expired"},
		&RPCError{Code: CodeRateLimited, Message: "busy"},
	}
	settler := newTestSettler(t, node, SettlerConfig{MaxAttempts: 3})
	_, err := settler.Settle(context.Background(), testRequest())
	if !errors.Is(err, rewards.ErrNetworkTransient) {
		t.Fatalf("expected ErrNetworkTransient, got %v", err)
	}
	if len(node.submits) != 3 {
		t.Fatalf("expected 3 submissions, got %d", len(node.submits))
	}
}

func TestSettleOverallTimeoutBoundsRetries(t *testing.T) {
	node := newFakeNode()
	// Confirmation never advances past processed and the chain height
	// never moves, so each attempt runs into its per-attempt timeout.
	node.defaultStatus = SignatureStatus{Level: LevelProcessed}
	settler := newTestSettler(t, node, SettlerConfig{
		MaxAttempts:         10,
		AttemptTimeout:      40 * time.Millisecond,
		OverallTimeout:      100 * time.Millisecond,
		ConfirmPollInterval: 5 * time.Millisecond,
	})
	start := time.Now()
	_, err := settler.Settle(context.Background(), testRequest())
	if !errors.Is(err, rewards.ErrNetworkTransient) {
		t.Fatalf("expected ErrNetworkTransient, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("settlement ran %v past its overall timeout", elapsed)
	}
}

func TestSettleRejectsNonPositiveAmount(t *testing.T) {
	settler := newTestSettler(t, newFakeNode(), SettlerConfig{})
	req := testRequest()
	req.BaseAmount = big.NewInt(0)
	if _, err := settler.Settle(context.Background(), req); !errors.Is(err, rewards.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
}
