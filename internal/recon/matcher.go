package recon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/custodix/remitter/internal/logger"
	"github.com/custodix/remitter/internal/store"
	"github.com/custodix/remitter/internal/store/schema"
)

// matchWindow is how far a bank value date may sit from the settlement's
// paid_at and still match
const matchWindow = 24 * time.Hour

// ImportSummary reports one statement import
type ImportSummary struct {
	Format   Format
	Imported int
	Matched  int
	DLQ      int
}

// Engine matches imported bank statement lines against ledger-linked
// settlements. Matching and DLQ promotion run inside one transaction so a
// settlement is never linked to two lines.
type Engine struct {
	store store.Store
}

// NewEngine creates a reconciliation engine over the given store
func NewEngine(s store.Store) *Engine {
	return &Engine{store: s}
}

// ImportStatement parses a raw statement (sniffing the format when not
// explicit), matches each line against unmatched settlements, and persists
// every line as MATCHED or DLQ with a reason.
func (e *Engine) ImportStatement(ctx context.Context, data []byte, format Format) (*ImportSummary, error) {
	lines, format, err := ParseStatement(data, format)
	if err != nil {
		return nil, err
	}

	summary := &ImportSummary{Format: format, Imported: len(lines)}
	err = e.store.Transact(ctx, func(tx store.Store) error {
		settlements, err := tx.ListUnmatchedSettlements(ctx)
		if err != nil {
			return err
		}

		rows := make([]*schema.BankLine, 0, len(lines))
		matches := make([]*schema.Settlement, len(lines))
		for i, line := range lines {
			row, err := toBankLine(line, format)
			if err != nil {
				return err
			}
			if settlement := findMatch(row, settlements); settlement != nil {
				row.Status = schema.BankLineMatched
				row.SettlementID = &settlement.ID
				matches[i] = settlement
				settlements = without(settlements, settlement)
				summary.Matched++
			} else {
				row.Status = schema.BankLineDLQ
				row.DLQReason = dlqReason(row, settlements)
				summary.DLQ++
			}
			rows = append(rows, row)
		}

		if err := tx.InsertBankLines(ctx, rows); err != nil {
			return err
		}
		for i, settlement := range matches {
			if settlement == nil {
				continue
			}
			settlement.Status = schema.SettlementMatched
			settlement.BankLineID = &rows[i].ID
			if err := tx.UpdateSettlement(ctx, settlement); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.InfoCtx(ctx, "statement imported",
		zap.String("format", string(format)),
		zap.Int("lines", summary.Imported),
		zap.Int("matched", summary.Matched),
		zap.Int("dlq", summary.DLQ))
	return summary, nil
}

// ReplayDLQ re-scans all dead-lettered lines against the current unmatched
// settlements and promotes any that now match, e.g. after a late settlement
// import. Returns how many lines were promoted.
func (e *Engine) ReplayDLQ(ctx context.Context) (int, error) {
	var promoted int
	err := e.store.Transact(ctx, func(tx store.Store) error {
		dlq, err := tx.ListDLQBankLines(ctx)
		if err != nil {
			return err
		}
		settlements, err := tx.ListUnmatchedSettlements(ctx)
		if err != nil {
			return err
		}

		for _, line := range dlq {
			settlement := findMatch(line, settlements)
			if settlement == nil {
				continue
			}
			settlements = without(settlements, settlement)

			line.Status = schema.BankLineMatched
			line.SettlementID = &settlement.ID
			line.DLQReason = ""
			if err := tx.UpdateBankLine(ctx, line); err != nil {
				return err
			}

			settlement.Status = schema.SettlementMatched
			settlement.BankLineID = &line.ID
			if err := tx.UpdateSettlement(ctx, settlement); err != nil {
				return err
			}

			meta, err := json.Marshal(map[string]interface{}{
				"bank_line_id":  line.ID,
				"settlement_id": settlement.ID,
				"provider_ref":  settlement.ProviderRef,
			})
			if err != nil {
				return fmt.Errorf("failed to marshal audit meta: %w", err)
			}
			if err := tx.InsertAuditLog(ctx, &schema.AuditLog{
				EventID:   ulid.Make().String(),
				EventType: schema.AuditDLQReplay,
				Subject:   settlement.ProviderRef,
				Meta:      datatypes.JSON(meta),
			}); err != nil {
				return err
			}
			promoted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return promoted, nil
}

// findMatch applies the matching rule: identical absolute amount and value
// date within the window, preferring a normalized reference match over a bare
// amount+window match
func findMatch(line *schema.BankLine, settlements []*schema.Settlement) *schema.Settlement {
	var fallback *schema.Settlement
	for _, s := range settlements {
		if absCents(line.AmountCents) != absCents(s.AmountCents) {
			continue
		}
		if !withinWindow(line.ValueDate, s.PaidAt) {
			continue
		}
		if line.ReferenceNormalized != "" && line.ReferenceNormalized == s.Reference {
			return s
		}
		if fallback == nil {
			fallback = s
		}
	}
	return fallback
}

func dlqReason(line *schema.BankLine, settlements []*schema.Settlement) string {
	for _, s := range settlements {
		if absCents(line.AmountCents) == absCents(s.AmountCents) {
			return "amount matched but value date outside window"
		}
	}
	return "no unmatched settlement with matching amount"
}

func withinWindow(valueDate, paidAt time.Time) bool {
	delta := valueDate.Sub(paidAt.Truncate(24 * time.Hour))
	if delta < 0 {
		delta = -delta
	}
	return delta <= matchWindow
}

func toBankLine(line Line, format Format) (*schema.BankLine, error) {
	raw, err := json.Marshal(line.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal raw line: %w", err)
	}
	return &schema.BankLine{
		ValueDate:           line.ValueDate,
		AmountCents:         line.AmountCents,
		ReferenceRaw:        line.Reference,
		ReferenceNormalized: NormalizeReference(line.Reference),
		SourceFormat:        string(format),
		Raw:                 datatypes.JSON(raw),
	}, nil
}

func without(settlements []*schema.Settlement, drop *schema.Settlement) []*schema.Settlement {
	out := settlements[:0]
	for _, s := range settlements {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}

func absCents(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
