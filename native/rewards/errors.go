package rewards

import "errors"

// Code classifies every terminal outcome a redemption can surface to the
// request handler. The handler maps codes to HTTP statuses; nothing in this
// package is fatal to the process.
type Code string

const (
	// CodeForbidden marks a malformed or forged token. Rejected before any
	// store access.
	CodeForbidden Code = "forbidden"
	// CodeInvalidToken marks a well-formed token with no known binding.
	CodeInvalidToken Code = "invalid_token"
	// CodeAlreadyUsed marks a token that has already been claimed.
	CodeAlreadyUsed Code = "already_used"
	// CodeRateLimited marks an actor or wallet that hit its daily cap.
	CodeRateLimited Code = "rate_limited"
	// CodePoolMisconfigured marks a pool with no payout table or mismatched
	// weights. Operator mistake, surfaced verbatim.
	CodePoolMisconfigured Code = "pool_misconfigured"
	// CodePoolExhausted marks a settlement aborted for insufficient funds.
	CodePoolExhausted Code = "pool_exhausted"
	// CodeNetworkTransient marks a settlement that exhausted retries on
	// retryable ledger failures.
	CodeNetworkTransient Code = "network_transient"
	// CodeTransferFailed marks a settlement rejected for a non-retryable
	// cause.
	CodeTransferFailed Code = "transfer_failed"
)

var (
	ErrForbidden         = &CodedError{Code: CodeForbidden, msg: "rewards: token signature rejected"}
	ErrInvalidToken      = &CodedError{Code: CodeInvalidToken, msg: "rewards: unknown token"}
	ErrAlreadyUsed       = &CodedError{Code: CodeAlreadyUsed, msg: "rewards: token already redeemed"}
	ErrRateLimited       = &CodedError{Code: CodeRateLimited, msg: "rewards: daily redemption limit reached"}
	ErrPoolMisconfigured = &CodedError{Code: CodePoolMisconfigured, msg: "rewards: pool misconfigured"}
	ErrPoolExhausted     = &CodedError{Code: CodePoolExhausted, msg: "rewards: pool balance exhausted"}
	ErrNetworkTransient  = &CodedError{Code: CodeNetworkTransient, msg: "rewards: ledger unavailable"}
	ErrTransferFailed    = &CodedError{Code: CodeTransferFailed, msg: "rewards: transfer rejected"}
)

// CodedError attaches a Code to an error so handlers can map outcomes
// without string matching.
type CodedError struct {
	Code Code
	msg  string
}

func (e *CodedError) Error() string { return e.msg }

// Is reports equality by code so wrapped coded errors still match their
// sentinel via errors.Is.
func (e *CodedError) Is(target error) bool {
	var coded *CodedError
	if errors.As(target, &coded) {
		return coded.Code == e.Code
	}
	return false
}

// CodeOf extracts the classification from err, defaulting to
// CodeTransferFailed for unclassified settlement failures.
func CodeOf(err error) Code {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeTransferFailed
}
