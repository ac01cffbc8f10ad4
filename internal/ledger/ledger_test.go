package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodix/remitter/internal/adapter"
	"github.com/custodix/remitter/internal/domain"
	"github.com/custodix/remitter/internal/store"
	"github.com/custodix/remitter/internal/store/schema"
)

func newLedger(t *testing.T) (*Ledger, store.Store, domain.PeriodKey) {
	t.Helper()
	s := store.NewMemoryStore()
	key := domain.PeriodKey{ABN: "51824753556", TaxType: domain.TaxTypePAYGW, PeriodID: "2025Q1"}
	require.NoError(t, s.CreatePeriod(context.Background(), &schema.Period{
		ABN:      key.ABN,
		TaxType:  key.TaxType,
		PeriodID: key.PeriodID,
		State:    domain.PeriodStateOpen,
	}))
	return New(s), s, key
}

func TestAppendChainsHashes(t *testing.T) {
	l, _, key := newLedger(t)
	ctx := context.Background()

	first, err := l.Append(ctx, key, 50_000, "receipt-1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)
	assert.Empty(t, first.PrevHash)
	assert.Equal(t, int64(50_000), first.BalanceAfterCents)
	assert.Equal(t, ChainHash("", "receipt-1", 50_000), first.HashAfter)

	second, err := l.Append(ctx, key, -20_000, "receipt-2", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, first.HashAfter, second.PrevHash)
	assert.Equal(t, int64(30_000), second.BalanceAfterCents)
	assert.Equal(t, ChainHash(first.HashAfter, "receipt-2", 30_000), second.HashAfter)

	tail, err := l.Tail(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, second.HashAfter, tail.HashAfter)
}

func TestAppendRejectsOverdraw(t *testing.T) {
	l, _, key := newLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, key, 10_000, "receipt-1", nil)
	require.NoError(t, err)

	_, err = l.Append(ctx, key, -10_001, "receipt-2", nil)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	entries, err := l.All(ctx, key)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAppendUnknownPeriod(t *testing.T) {
	l, _, _ := newLedger(t)
	missing := domain.PeriodKey{ABN: "00000000000", TaxType: domain.TaxTypeGST, PeriodID: "2025Q1"}
	_, err := l.Append(context.Background(), missing, 1_000, "r", nil)
	assert.ErrorIs(t, err, domain.ErrPeriodNotFound)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	l, _, key := newLedger(t)
	ctx := context.Background()
	_, err := l.Append(ctx, key, 50_000, "receipt-1", nil)
	require.NoError(t, err)
	_, err = l.Append(ctx, key, -20_000, "receipt-2", nil)
	require.NoError(t, err)

	entries, err := l.All(ctx, key)
	require.NoError(t, err)
	require.NoError(t, VerifyChain(entries))
	assert.Equal(t, int64(30_000), Sum(entries))

	tampered := []*schema.LedgerEntry{cloneEntry(entries[0]), cloneEntry(entries[1])}
	tampered[0].AmountCents = 500_000
	tampered[0].BalanceAfterCents = 500_000
	assert.ErrorIs(t, VerifyChain(tampered), domain.ErrChainIntegrity)

	relinked := []*schema.LedgerEntry{cloneEntry(entries[0]), cloneEntry(entries[1])}
	relinked[1].PrevHash = "forged"
	assert.ErrorIs(t, VerifyChain(relinked), domain.ErrChainIntegrity)
}

func cloneEntry(e *schema.LedgerEntry) *schema.LedgerEntry {
	c := *e
	return &c
}

func TestMerkleEmptySet(t *testing.T) {
	auditor := NewAuditor(adapter.NewJCS())
	root, err := auditor.ComputeRoot(nil)
	require.NoError(t, err)

	empty := sha256.Sum256(nil)
	assert.Equal(t, hex.EncodeToString(empty[:]), root)
}

func merkleEntries(n int) []*schema.LedgerEntry {
	entries := make([]*schema.LedgerEntry, n)
	var balance int64
	for i := range entries {
		balance += int64(i+1) * 1_000
		entries[i] = &schema.LedgerEntry{
			Seq:               int64(i + 1),
			AmountCents:       int64(i+1) * 1_000,
			BalanceAfterCents: balance,
			BankReceiptHash:   "receipt",
			HashAfter:         ChainHash("", "receipt", balance),
		}
	}
	return entries
}

func TestMerkleDeterministic(t *testing.T) {
	auditor := NewAuditor(adapter.NewJCS())
	entries := merkleEntries(3)

	a, err := auditor.ComputeRoot(entries)
	require.NoError(t, err)
	b, err := auditor.ComputeRoot(entries)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestMerkleOddLevelDuplicatesLast(t *testing.T) {
	auditor := NewAuditor(adapter.NewJCS())
	three := merkleEntries(3)

	// duplicating the last entry must reproduce the odd-level root
	four := append(merkleEntries(3), three[2])

	oddRoot, err := auditor.ComputeRoot(three)
	require.NoError(t, err)
	paddedRoot, err := auditor.ComputeRoot(four)
	require.NoError(t, err)
	assert.Equal(t, oddRoot, paddedRoot)
}

func TestMerkleSensitiveToEntryChange(t *testing.T) {
	auditor := NewAuditor(adapter.NewJCS())
	entries := merkleEntries(4)
	base, err := auditor.ComputeRoot(entries)
	require.NoError(t, err)

	entries[2].AmountCents++
	changed, err := auditor.ComputeRoot(entries)
	require.NoError(t, err)
	assert.NotEqual(t, base, changed)
}
