package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/custodix/remitter/internal/domain"
	"github.com/custodix/remitter/internal/store"
	"github.com/custodix/remitter/internal/store/schema"
)

// Ledger is the append-only, hash-chained balance ledger. Appends for a given
// period are serialized by the period row lock; past entries are never mutated.
type Ledger struct {
	store store.Store
}

// New creates a ledger over the given store
func New(s store.Store) *Ledger {
	return &Ledger{store: s}
}

// ChainHash computes hash_after = SHA256(prev_hash || receipt_hash || balance_after)
func ChainHash(prevHash, receiptHash string, balanceAfterCents int64) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(receiptHash))
	h.Write([]byte(strconv.FormatInt(balanceAfterCents, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// Append appends one balance movement to the period's chain inside its own
// transaction. Use AppendInTx when composing with a larger transaction.
func (l *Ledger) Append(ctx context.Context, key domain.PeriodKey, amountCents int64, receiptHash string, releaseUUID *string) (*schema.LedgerEntry, error) {
	var entry *schema.LedgerEntry
	err := l.store.Transact(ctx, func(tx store.Store) error {
		period, err := tx.GetPeriod(ctx, key)
		if err != nil {
			return err
		}
		if period == nil {
			return domain.ErrPeriodNotFound
		}
		locked, err := tx.LockPeriod(ctx, period.ID)
		if err != nil {
			return err
		}
		entry, err = AppendInTx(ctx, tx, locked, amountCents, receiptHash, releaseUUID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// AppendInTx appends an entry within an existing transaction whose period row
// is already locked. It reads the current tail, rejects a release that would
// overdraw the balance, computes the chained hash, and advances the period's
// running balance hash.
func AppendInTx(ctx context.Context, tx store.Store, period *schema.Period, amountCents int64, receiptHash string, releaseUUID *string) (*schema.LedgerEntry, error) {
	tail, err := tx.TailLedgerEntry(ctx, period.ID)
	if err != nil {
		return nil, err
	}

	var prevHash string
	var prevBalance int64
	var seq int64 = 1
	if tail != nil {
		prevHash = tail.HashAfter
		prevBalance = tail.BalanceAfterCents
		seq = tail.Seq + 1
	}

	if amountCents < 0 && -amountCents > prevBalance {
		return nil, fmt.Errorf("release of %d cents against balance %d: %w",
			-amountCents, prevBalance, domain.ErrInsufficientFunds)
	}

	balanceAfter := prevBalance + amountCents
	entry := &schema.LedgerEntry{
		PeriodID:          period.ID,
		Seq:               seq,
		AmountCents:       amountCents,
		BalanceAfterCents: balanceAfter,
		PrevHash:          prevHash,
		HashAfter:         ChainHash(prevHash, receiptHash, balanceAfter),
		BankReceiptHash:   receiptHash,
		ReleaseUUID:       releaseUUID,
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}

	period.RunningBalanceHash = entry.HashAfter
	if err := tx.UpdatePeriod(ctx, period); err != nil {
		return nil, err
	}
	return entry, nil
}

// Tail returns the latest entry for a period, nil when the chain is empty
func (l *Ledger) Tail(ctx context.Context, key domain.PeriodKey) (*schema.LedgerEntry, error) {
	period, err := l.store.GetPeriod(ctx, key)
	if err != nil {
		return nil, err
	}
	if period == nil {
		return nil, domain.ErrPeriodNotFound
	}
	return l.store.TailLedgerEntry(ctx, period.ID)
}

// All returns the period's entries in chain order
func (l *Ledger) All(ctx context.Context, key domain.PeriodKey) ([]*schema.LedgerEntry, error) {
	period, err := l.store.GetPeriod(ctx, key)
	if err != nil {
		return nil, err
	}
	if period == nil {
		return nil, domain.ErrPeriodNotFound
	}
	return l.store.ListLedgerEntries(ctx, period.ID)
}

// VerifyChain recomputes every link of an entry sequence and returns
// domain.ErrChainIntegrity on the first disagreement with stored values.
func VerifyChain(entries []*schema.LedgerEntry) error {
	var prevHash string
	var prevBalance int64
	for i, e := range entries {
		if e.PrevHash != prevHash {
			return fmt.Errorf("entry %d: prev_hash mismatch: %w", i, domain.ErrChainIntegrity)
		}
		if e.BalanceAfterCents != prevBalance+e.AmountCents {
			return fmt.Errorf("entry %d: balance mismatch: %w", i, domain.ErrChainIntegrity)
		}
		if recomputed := ChainHash(e.PrevHash, e.BankReceiptHash, e.BalanceAfterCents); recomputed != e.HashAfter {
			return fmt.Errorf("entry %d: hash_after mismatch: %w", i, domain.ErrChainIntegrity)
		}
		prevHash = e.HashAfter
		prevBalance = e.BalanceAfterCents
	}
	return nil
}

// Sum returns the signed total of an entry sequence
func Sum(entries []*schema.LedgerEntry) int64 {
	var total int64
	for _, e := range entries {
		total += e.AmountCents
	}
	return total
}
