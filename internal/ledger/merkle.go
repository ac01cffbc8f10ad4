package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/custodix/remitter/internal/adapter"
	"github.com/custodix/remitter/internal/store/schema"
)

// merkleLeaf is the canonical serialization hashed into each leaf. Field order
// does not matter on the wire: the JCS transform fixes the byte form.
type merkleLeaf struct {
	ID              int64  `json:"id"`
	AmountCents     int64  `json:"amount_cents"`
	BalanceAfter    int64  `json:"balance_after_cents"`
	BankReceiptHash string `json:"bank_receipt_hash"`
	HashAfter       string `json:"hash_after"`
}

// Auditor computes deterministic Merkle roots over ledger entry sequences
type Auditor struct {
	jcs adapter.JCS
}

// NewAuditor creates a Merkle auditor using the given canonicalizer
func NewAuditor(jcs adapter.JCS) *Auditor {
	return &Auditor{jcs: jcs}
}

// ComputeRoot returns the hex Merkle root of the ordered entry sequence.
// The empty sequence yields SHA256(""). Odd-length levels duplicate the last
// node. Identical sequences always yield identical roots.
func (a *Auditor) ComputeRoot(entries []*schema.LedgerEntry) (string, error) {
	if len(entries) == 0 {
		empty := sha256.Sum256(nil)
		return hex.EncodeToString(empty[:]), nil
	}

	level := make([][32]byte, 0, len(entries))
	for _, e := range entries {
		leaf := merkleLeaf{
			ID:              e.Seq,
			AmountCents:     e.AmountCents,
			BalanceAfter:    e.BalanceAfterCents,
			BankReceiptHash: e.BankReceiptHash,
			HashAfter:       e.HashAfter,
		}
		raw, err := json.Marshal(leaf)
		if err != nil {
			return "", fmt.Errorf("failed to marshal merkle leaf: %w", err)
		}
		canonical, err := a.jcs.Transform(raw)
		if err != nil {
			return "", fmt.Errorf("failed to canonicalize merkle leaf: %w", err)
		}
		level = append(level, sha256.Sum256(canonical))
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][32]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			pair := make([]byte, 0, 64)
			pair = append(pair, level[i][:]...)
			pair = append(pair, level[i+1][:]...)
			next = append(next, sha256.Sum256(pair))
		}
		level = next
	}

	return hex.EncodeToString(level[0][:]), nil
}
