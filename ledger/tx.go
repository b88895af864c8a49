package ledger

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Instruction kinds understood by the ledger node. Account creation is
// prepended to the same transaction as the transfer so either both land or
// neither does.
const (
	InstructionCreateAssetAccount = "create_asset_account"
	InstructionTransfer           = "transfer"
)

// Instruction is one operation inside a transaction.
type Instruction struct {
	Kind        string `json:"kind"`
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount,omitempty"`
}

// Transaction is the artifact submitted to the ledger: a validity-window
// anchored instruction list with fee and compute parameters, signed by the
// operator's settlement key.
type Transaction struct {
	FeePayer        string        `json:"feePayer"`
	Instructions    []Instruction `json:"instructions"`
	Blockhash       string        `json:"blockhash"`
	LastValidHeight uint64        `json:"lastValidHeight"`
	PriorityFee     uint64        `json:"priorityFee"`
	ComputeLimit    uint64        `json:"computeLimit"`
	Signature       string        `json:"signature,omitempty"`
}

// signingPayload is the canonical byte encoding covered by the signature.
func (tx *Transaction) signingPayload() ([]byte, error) {
	unsigned := *tx
	unsigned.Signature = ""
	return json.Marshal(&unsigned)
}

// Signer holds the operator's ed25519 settlement key.
type Signer struct {
	key ed25519.PrivateKey
}

// NewSigner derives a signer from a hex-encoded 32-byte seed.
func NewSigner(seedHex string) (*Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("ledger: decode operator key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ledger: operator key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Signer{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// Account returns the operator account identifier (hex public key).
func (s *Signer) Account() string {
	return hex.EncodeToString(s.key.Public().(ed25519.PublicKey))
}

// Sign computes and attaches the transaction signature.
func (s *Signer) Sign(tx *Transaction) error {
	payload, err := tx.signingPayload()
	if err != nil {
		return fmt.Errorf("ledger: encode transaction: %w", err)
	}
	tx.Signature = hex.EncodeToString(ed25519.Sign(s.key, payload))
	return nil
}

// Verify checks a transaction signature against a hex public key. Used by
// tests and by the submission preflight.
func Verify(tx *Transaction, account string) (bool, error) {
	pub, err := hex.DecodeString(account)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("ledger: malformed account %q", account)
	}
	sig, err := hex.DecodeString(tx.Signature)
	if err != nil {
		return false, fmt.Errorf("ledger: malformed signature: %w", err)
	}
	payload, err := tx.signingPayload()
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig), nil
}
