package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/custodix/remitter/internal/adapter"
	"github.com/custodix/remitter/internal/domain"
	"github.com/custodix/remitter/internal/ledger"
	"github.com/custodix/remitter/internal/store"
	"github.com/custodix/remitter/internal/store/schema"
)

// Bundle is the read-only evidence projection for one period: everything an
// external auditor needs to independently re-verify a release.
type Bundle struct {
	ABN           string             `json:"abn"`
	TaxType       domain.TaxType     `json:"tax_type"`
	PeriodID      string             `json:"period_id"`
	State         domain.PeriodState `json:"state"`
	GeneratedAt   time.Time          `json:"generated_at"`
	MerkleRoot    string             `json:"merkle_root"`
	ChainVerified bool               `json:"chain_verified"`

	Entries     []EntryView      `json:"ledger_entries"`
	RPT         *TokenView       `json:"rpt,omitempty"`
	Settlements []SettlementView `json:"settlements"`
	BASLabels   map[string]int64 `json:"bas_labels"`
	Discrepancy []DiscrepancyRow `json:"discrepancy_log"`
}

// EntryView is one ledger row as exposed in the bundle
type EntryView struct {
	Seq               int64     `json:"seq"`
	AmountCents       int64     `json:"amount_cents"`
	BalanceAfterCents int64     `json:"balance_after_cents"`
	PrevHash          string    `json:"prev_hash"`
	HashAfter         string    `json:"hash_after"`
	BankReceiptHash   string    `json:"bank_receipt_hash"`
	ReleaseUUID       *string   `json:"release_uuid,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// TokenView exposes the token's signed payload and wire form
type TokenView struct {
	RPTID     string           `json:"rpt_id"`
	Status    schema.RPTStatus `json:"status"`
	Kid       string           `json:"kid"`
	Compact   string           `json:"compact"`
	Payload   json.RawMessage  `json:"payload"`
	IssuedAt  time.Time        `json:"issued_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// SettlementView summarizes a ledger-linked cash movement
type SettlementView struct {
	ProviderRef string                  `json:"provider_ref"`
	Rail        domain.Rail             `json:"rail"`
	AmountCents int64                   `json:"amount_cents"`
	PaidAt      time.Time               `json:"paid_at"`
	Status      schema.SettlementStatus `json:"status"`
	ReleaseUUID *string                 `json:"release_uuid,omitempty"`
}

// DiscrepancyRow is one blocked-close audit record
type DiscrepancyRow struct {
	EventID    string          `json:"event_id"`
	Meta       json.RawMessage `json:"meta"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Builder assembles evidence bundles
type Builder struct {
	store   store.Store
	auditor *ledger.Auditor
	clock   adapter.Clock
}

// NewBuilder creates a bundle builder
func NewBuilder(s store.Store, auditor *ledger.Auditor, clock adapter.Clock) *Builder {
	return &Builder{store: s, auditor: auditor, clock: clock}
}

// Build assembles the bundle for a period. The hash chain and Merkle root
// are recomputed from the stored entries; any disagreement is a hard
// domain.ErrChainIntegrity failure, never a degraded bundle.
func (b *Builder) Build(ctx context.Context, key domain.PeriodKey) (*Bundle, error) {
	period, err := b.store.GetPeriod(ctx, key)
	if err != nil {
		return nil, err
	}
	if period == nil {
		return nil, domain.ErrPeriodNotFound
	}

	entries, err := b.store.ListLedgerEntries(ctx, period.ID)
	if err != nil {
		return nil, err
	}
	if err := ledger.VerifyChain(entries); err != nil {
		return nil, fmt.Errorf("period %s: %w", key, err)
	}
	root, err := b.auditor.ComputeRoot(entries)
	if err != nil {
		return nil, err
	}
	if period.MerkleRoot != "" && root != period.MerkleRoot {
		return nil, fmt.Errorf("period %s: recomputed merkle root disagrees with stored root: %w",
			key, domain.ErrChainIntegrity)
	}

	bundle := &Bundle{
		ABN:           period.ABN,
		TaxType:       period.TaxType,
		PeriodID:      period.PeriodID,
		State:         period.State,
		GeneratedAt:   b.clock.Now(),
		MerkleRoot:    root,
		ChainVerified: true,
		Entries:       make([]EntryView, 0, len(entries)),
		BASLabels:     basLabels(period),
	}
	for _, e := range entries {
		bundle.Entries = append(bundle.Entries, EntryView{
			Seq:               e.Seq,
			AmountCents:       e.AmountCents,
			BalanceAfterCents: e.BalanceAfterCents,
			PrevHash:          e.PrevHash,
			HashAfter:         e.HashAfter,
			BankReceiptHash:   e.BankReceiptHash,
			ReleaseUUID:       e.ReleaseUUID,
			CreatedAt:         e.CreatedAt,
		})
	}

	token, err := b.store.GetLatestRPTForPeriod(ctx, period.ID)
	if err != nil {
		return nil, err
	}
	if token != nil {
		bundle.RPT = &TokenView{
			RPTID:     token.RPTID,
			Status:    token.Status,
			Kid:       token.Kid,
			Compact:   token.Compact,
			Payload:   json.RawMessage(token.Payload),
			IssuedAt:  token.IssuedAt,
			ExpiresAt: token.ExpiresAt,
		}
	}

	settlements, err := b.store.ListSettlementsForPeriod(ctx, period.ID)
	if err != nil {
		return nil, err
	}
	bundle.Settlements = make([]SettlementView, 0, len(settlements))
	for _, s := range settlements {
		bundle.Settlements = append(bundle.Settlements, SettlementView{
			ProviderRef: s.ProviderRef,
			Rail:        s.Rail,
			AmountCents: s.AmountCents,
			PaidAt:      s.PaidAt,
			Status:      s.Status,
			ReleaseUUID: s.ReleaseUUID,
		})
	}

	audits, err := b.store.ListAuditLogs(ctx, key.String())
	if err != nil {
		return nil, err
	}
	bundle.Discrepancy = make([]DiscrepancyRow, 0)
	for _, a := range audits {
		if a.EventType != schema.AuditBlock {
			continue
		}
		bundle.Discrepancy = append(bundle.Discrepancy, DiscrepancyRow{
			EventID:    a.EventID,
			Meta:       json.RawMessage(a.Meta),
			RecordedAt: a.CreatedAt,
		})
	}
	return bundle, nil
}

// basLabels maps the period totals onto BAS statement labels:
// W2 for withheld PAYGW, 1A for GST on sales
func basLabels(period *schema.Period) map[string]int64 {
	labels := make(map[string]int64, 1)
	switch period.TaxType {
	case domain.TaxTypeGST:
		labels["1A"] = period.FinalLiabilityCents
	default:
		labels["W2"] = period.FinalLiabilityCents
	}
	return labels
}
