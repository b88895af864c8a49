// Package ledger talks to the settlement ledger node over JSON-RPC and turns
// a reward into a confirmed value transfer. The transport mirrors the thin
// hand-rolled JSON-RPC clients used by the gateway services; the settler
// layers bounded retries, fee escalation, and confirmation polling on top.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// JSON-RPC error codes the ledger node emits. The first two are retryable
// with a fresh validity window; the last two never succeed on retry.
const (
	CodeRateLimited       = -32001
	CodeWindowExpired     = -32002
	CodeInsufficientFunds = -32003
	CodeInvalidTx         = -32004
)

// ValidityWindow anchors a transaction to a recent block reference; the
// transaction stops being submittable once the chain passes LastValidHeight.
type ValidityWindow struct {
	Blockhash       string `json:"blockhash"`
	LastValidHeight uint64 `json:"lastValidHeight"`
}

// SignatureStatus is the node's view of a submitted transaction.
type SignatureStatus struct {
	Level string `json:"level"`
	Err   string `json:"err,omitempty"`
}

// Confirmation levels reported by the node, weakest to strongest.
const (
	LevelUnknown   = ""
	LevelProcessed = "processed"
	LevelConfirmed = "confirmed"
	LevelFinalized = "finalized"
	LevelFailed    = "failed"
)

// Node is the surface of the ledger the settler needs. The RPC client below
// implements it; tests substitute scripted fakes.
type Node interface {
	Balance(ctx context.Context, account string) (*big.Int, error)
	AssetAccountExists(ctx context.Context, owner, asset string) (bool, error)
	LatestValidityWindow(ctx context.Context) (*ValidityWindow, error)
	Height(ctx context.Context) (uint64, error)
	SubmitTransaction(ctx context.Context, tx *Transaction) (string, error)
	SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error)
}

// Client is a thin JSON-RPC client for the ledger node.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewClient builds a client with a per-call HTTP timeout; the settler wraps
// every call in its own attempt context as well.
func NewClient(baseURL, authToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http:      &http.Client{Timeout: timeout},
	}
}

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger rpc error %d: %s", e.Code, e.Message)
}

// Retryable reports whether err can succeed with a fresh validity window.
// Transport-level failures (timeouts, connection resets) are retryable; only
// a definitive node rejection is not.
func Retryable(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case CodeInsufficientFunds, CodeInvalidTx:
			return false
		}
		return true
	}
	return true
}

func (c *Client) Balance(ctx context.Context, account string) (*big.Int, error) {
	var result struct {
		Amount string `json:"amount"`
	}
	if err := c.call(ctx, "ledger_getBalance", []interface{}{map[string]string{"account": account}}, &result); err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(result.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: malformed balance %q for %s", result.Amount, account)
	}
	return amount, nil
}

func (c *Client) AssetAccountExists(ctx context.Context, owner, asset string) (bool, error) {
	var result struct {
		Exists bool `json:"exists"`
	}
	params := []interface{}{map[string]string{"owner": owner, "asset": asset}}
	if err := c.call(ctx, "ledger_getAssetAccount", params, &result); err != nil {
		return false, err
	}
	return result.Exists, nil
}

func (c *Client) LatestValidityWindow(ctx context.Context) (*ValidityWindow, error) {
	var window ValidityWindow
	if err := c.call(ctx, "ledger_getLatestBlockhash", nil, &window); err != nil {
		return nil, err
	}
	if window.Blockhash == "" {
		return nil, fmt.Errorf("ledger: node returned empty blockhash")
	}
	return &window, nil
}

func (c *Client) Height(ctx context.Context) (uint64, error) {
	var result struct {
		Height uint64 `json:"height"`
	}
	if err := c.call(ctx, "ledger_getHeight", nil, &result); err != nil {
		return 0, err
	}
	return result.Height, nil
}

func (c *Client) SubmitTransaction(ctx context.Context, tx *Transaction) (string, error) {
	var result struct {
		Signature string `json:"signature"`
	}
	if err := c.call(ctx, "ledger_sendTransaction", []interface{}{tx}, &result); err != nil {
		return "", err
	}
	if result.Signature == "" {
		return "", fmt.Errorf("ledger: node accepted transaction without signature")
	}
	return result.Signature, nil
}

func (c *Client) SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	var status SignatureStatus
	params := []interface{}{map[string]string{"signature": signature}}
	if err := c.call(ctx, "ledger_getSignatureStatus", params, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	payload := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ledger: encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ledger: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: %s: %w", method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("ledger: read %s response: %w", method, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RPCError{Code: CodeRateLimited, Message: "node rate limited"}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger: %s returned status %d", method, resp.StatusCode)
	}
	var decoded jsonRPCResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("ledger: decode %s response: %w", method, err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if result == nil {
		return nil
	}
	if len(decoded.Result) == 0 {
		return fmt.Errorf("ledger: %s returned empty result", method)
	}
	return json.Unmarshal(decoded.Result, result)
}
