package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"redeemd/native/rewards"
)

// SettlerConfig bounds the retry loop. Attempts each get a fresh validity
// window and an escalated fee; the overall timeout caps the whole settlement
// regardless of how many attempts remain.
type SettlerConfig struct {
	MaxAttempts         int
	AttemptTimeout      time.Duration
	OverallTimeout      time.Duration
	ConfirmPollInterval time.Duration
	ConfirmationLevel   string
	BasePriorityFee     uint64
	PriorityFeeStep     uint64
	ComputeLimit        uint64
	ComputeStep         uint64
	CheckBalance        bool
	// SubmitRate caps transaction submissions per second so retry storms
	// cannot hammer the node. Zero disables the throttle.
	SubmitRate float64
}

func (c *SettlerConfig) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = 2 * time.Minute
	}
	if c.ConfirmPollInterval <= 0 {
		c.ConfirmPollInterval = 2 * time.Second
	}
	if c.ConfirmationLevel == "" {
		c.ConfirmationLevel = LevelConfirmed
	}
	if c.ComputeLimit == 0 {
		c.ComputeLimit = 200_000
	}
}

// Settler implements rewards.Settler against a ledger node.
type Settler struct {
	node    Node
	signer  *Signer
	cfg     SettlerConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewSettler wires the settlement client.
func NewSettler(node Node, signer *Signer, cfg SettlerConfig, logger *slog.Logger) (*Settler, error) {
	if node == nil {
		return nil, fmt.Errorf("ledger: node required")
	}
	if signer == nil {
		return nil, fmt.Errorf("ledger: signer required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.normalize()
	var limiter *rate.Limiter
	if cfg.SubmitRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), 1)
	}
	return &Settler{node: node, signer: signer, cfg: cfg, limiter: limiter, logger: logger}, nil
}

// Settle builds, signs, submits, and confirms the transfer. Retryable
// failures (expired window, timeout, transient node errors, rate limiting)
// loop with a fresh validity window and escalated fees; non-retryable ones
// return immediately. Every path returns a coded error the engine can map
// without inspecting transport detail.
func (s *Settler) Settle(ctx context.Context, req rewards.SettleRequest) (*rewards.SettleResult, error) {
	if req.BaseAmount == nil || req.BaseAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive amount", rewards.ErrTransferFailed)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OverallTimeout)
	defer cancel()

	if s.cfg.CheckBalance {
		balance, err := s.node.Balance(ctx, req.PoolAccount)
		if err != nil {
			// The balance probe is a fail-fast optimisation; a probe
			// failure is not a settlement failure.
			s.logger.Warn("pool balance probe failed", "pool_account", req.PoolAccount, "error", err)
		} else if balance.Cmp(req.BaseAmount) < 0 {
			return nil, fmt.Errorf("%w: pool holds %s, needs %s", rewards.ErrPoolExhausted, balance, req.BaseAmount)
		}
	}

	instructions, err := s.buildInstructions(ctx, req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			break
		}
		signature, err := s.attempt(ctx, req, instructions, attempt)
		if err == nil {
			return &rewards.SettleResult{Signature: signature, Attempts: attempt}, nil
		}
		lastErr = err
		if !Retryable(err) {
			return nil, s.classify(err)
		}
		s.logger.Warn("settlement attempt failed",
			"attempt", attempt, "destination", req.Destination, "error", err)
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, s.classify(lastErr)
}

// buildInstructions prepares the transfer, prepending asset-account creation
// for whichever side is missing so the whole batch lands atomically.
func (s *Settler) buildInstructions(ctx context.Context, req rewards.SettleRequest) ([]Instruction, error) {
	var instructions []Instruction
	for _, owner := range []string{req.PoolAccount, req.Destination} {
		exists, err := s.node.AssetAccountExists(ctx, owner, req.Asset)
		if err != nil {
			return nil, s.classify(err)
		}
		if !exists {
			instructions = append(instructions, Instruction{
				Kind:        InstructionCreateAssetAccount,
				Destination: owner,
				Asset:       req.Asset,
			})
		}
	}
	instructions = append(instructions, Instruction{
		Kind:        InstructionTransfer,
		Source:      req.PoolAccount,
		Destination: req.Destination,
		Asset:       req.Asset,
		Amount:      req.BaseAmount.String(),
	})
	return instructions, nil
}

func (s *Settler) attempt(ctx context.Context, req rewards.SettleRequest, instructions []Instruction, attempt int) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	window, err := s.node.LatestValidityWindow(attemptCtx)
	if err != nil {
		return "", err
	}

	tx := &Transaction{
		FeePayer:        s.signer.Account(),
		Instructions:    instructions,
		Blockhash:       window.Blockhash,
		LastValidHeight: window.LastValidHeight,
		PriorityFee:     s.cfg.BasePriorityFee + uint64(attempt-1)*s.cfg.PriorityFeeStep,
		ComputeLimit:    s.cfg.ComputeLimit + uint64(attempt-1)*s.cfg.ComputeStep,
	}
	if err := s.signer.Sign(tx); err != nil {
		return "", &RPCError{Code: CodeInvalidTx, Message: err.Error()}
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(attemptCtx); err != nil {
			return "", err
		}
	}
	signature, err := s.node.SubmitTransaction(attemptCtx, tx)
	if err != nil {
		return "", err
	}
	if err := s.awaitConfirmation(attemptCtx, signature, window); err != nil {
		return "", err
	}
	return signature, nil
}

// awaitConfirmation polls the signature status until it reaches the required
// level, the attempt times out, or the validity window expires. Expiry and
// timeout are retryable; only an explicit on-chain failure is terminal.
func (s *Settler) awaitConfirmation(ctx context.Context, signature string, window *ValidityWindow) error {
	ticker := time.NewTicker(s.cfg.ConfirmPollInterval)
	defer ticker.Stop()
	for {
		status, err := s.node.SignatureStatus(ctx, signature)
		if err == nil {
			switch status.Level {
			case LevelFailed:
				return &RPCError{Code: CodeInvalidTx, Message: "transaction failed on chain: " + status.Err}
			case LevelFinalized:
				return nil
			case LevelConfirmed:
				if s.cfg.ConfirmationLevel != LevelFinalized {
					return nil
				}
			case LevelProcessed:
				if s.cfg.ConfirmationLevel == LevelProcessed {
					return nil
				}
			}
		} else if !Retryable(err) {
			return err
		}

		height, heightErr := s.node.Height(ctx)
		if heightErr == nil && height > window.LastValidHeight {
			return &RPCError{Code: CodeWindowExpired, Message: "validity window expired before confirmation"}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// classify maps transport failures onto the engine's settlement taxonomy.
func (s *Settler) classify(err error) error {
	if err == nil {
		return fmt.Errorf("%w: settlement aborted", rewards.ErrNetworkTransient)
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case CodeInsufficientFunds:
			return fmt.Errorf("%w: %v", rewards.ErrPoolExhausted, err)
		case CodeInvalidTx:
			return fmt.Errorf("%w: %v", rewards.ErrTransferFailed, err)
		}
		return fmt.Errorf("%w: %v", rewards.ErrNetworkTransient, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", rewards.ErrNetworkTransient, err)
	}
	return fmt.Errorf("%w: %v", rewards.ErrNetworkTransient, err)
}
