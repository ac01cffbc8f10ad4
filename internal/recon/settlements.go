package recon

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/custodix/remitter/internal/domain"
	"github.com/custodix/remitter/internal/logger"
	"github.com/custodix/remitter/internal/store"
	"github.com/custodix/remitter/internal/store/schema"
)

// SettlementRow is one provider-side settlement record, source format
// independent. Rows identify their period by (abn, period_id); the tax type is
// resolved against the registered periods.
type SettlementRow struct {
	ProviderRef string
	Rail        domain.Rail
	AmountCents int64
	PaidAt      time.Time
	ABN         string
	PeriodID    string
}

// SettlementImportSummary reports one settlement import
type SettlementImportSummary struct {
	Format   Format
	Imported int
	Created  int
	Updated  int
	Skipped  int
}

// ParseSettlements normalizes a raw settlement file into rows. Supported
// formats are csv, a json array, and the {csv: "..."} wrapper; an empty format
// triggers content sniffing.
func ParseSettlements(data []byte, format Format) ([]SettlementRow, Format, error) {
	if format == "" {
		detected, err := DetectFormat(data)
		if err != nil {
			return nil, "", err
		}
		format = detected
	}

	var rows []SettlementRow
	var err error
	switch format {
	case FormatCSV:
		rows, err = parseSettlementsCSV(data)
	case FormatJSON:
		rows, err = parseSettlementsJSON(data)
	default:
		return nil, "", fmt.Errorf("unsupported settlement format %q", format)
	}
	if err != nil {
		return nil, "", err
	}
	return rows, format, nil
}

func parseSettlementsCSV(data []byte) ([]SettlementRow, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read settlement csv: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("settlement csv has no data rows")
	}

	header := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		header[strings.ToLower(strings.TrimSpace(name))] = i
	}
	required := func(name string) (int, error) {
		idx, ok := header[name]
		if !ok {
			return 0, fmt.Errorf("settlement csv missing %s column", name)
		}
		return idx, nil
	}

	refIdx, err := required("provider_ref")
	if err != nil {
		return nil, err
	}
	railIdx, err := required("rail")
	if err != nil {
		return nil, err
	}
	paidIdx, err := required("paid_at")
	if err != nil {
		return nil, err
	}
	abnIdx, err := required("abn")
	if err != nil {
		return nil, err
	}
	periodIdx, err := required("period_id")
	if err != nil {
		return nil, err
	}
	centsIdx, hasCents := header["amount_cents"]
	amountIdx, hasAmount := header["amount"]
	if !hasCents && !hasAmount {
		return nil, fmt.Errorf("settlement csv missing amount columns")
	}

	rows := make([]SettlementRow, 0, len(records)-1)
	for n, record := range records[1:] {
		var amount int64
		switch {
		case hasCents && strings.TrimSpace(record[centsIdx]) != "":
			amount, err = strconv.ParseInt(strings.TrimSpace(record[centsIdx]), 10, 64)
		case hasAmount && strings.TrimSpace(record[amountIdx]) != "":
			amount, err = parseAmountCents(record[amountIdx])
		default:
			err = fmt.Errorf("no amount value")
		}
		if err != nil {
			return nil, fmt.Errorf("settlement csv row %d: %w", n+2, err)
		}

		paidAt, err := parseSettlementTime(record[paidIdx])
		if err != nil {
			return nil, fmt.Errorf("settlement csv row %d: %w", n+2, err)
		}

		row := SettlementRow{
			ProviderRef: strings.TrimSpace(record[refIdx]),
			Rail:        domain.Rail(strings.ToUpper(strings.TrimSpace(record[railIdx]))),
			AmountCents: amount,
			PaidAt:      paidAt,
			ABN:         strings.TrimSpace(record[abnIdx]),
			PeriodID:    strings.TrimSpace(record[periodIdx]),
		}
		if err := validateSettlementRow(row); err != nil {
			return nil, fmt.Errorf("settlement csv row %d: %w", n+2, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

type jsonSettlement struct {
	ProviderRef string   `json:"provider_ref"`
	Rail        string   `json:"rail"`
	AmountCents *int64   `json:"amount_cents"`
	Amount      *float64 `json:"amount"`
	PaidAt      string   `json:"paid_at"`
	ABN         string   `json:"abn"`
	PeriodID    string   `json:"period_id"`
}

func parseSettlementsJSON(data []byte) ([]SettlementRow, error) {
	trimmed := bytes.TrimSpace(data)

	// the {csv: "..."} wrapper carries a csv payload inside a json envelope
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapper jsonStatement
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, fmt.Errorf("failed to parse settlement json: %w", err)
		}
		if wrapper.CSV == "" {
			return nil, fmt.Errorf("settlement json object missing csv field")
		}
		return parseSettlementsCSV([]byte(wrapper.CSV))
	}

	var raw []jsonSettlement
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse settlement json: %w", err)
	}

	rows := make([]SettlementRow, 0, len(raw))
	for n, r := range raw {
		var amount int64
		switch {
		case r.AmountCents != nil:
			amount = *r.AmountCents
		case r.Amount != nil:
			amount = dollarsToCents(*r.Amount)
		default:
			return nil, fmt.Errorf("settlement json row %d: no amount field", n)
		}

		paidAt, err := parseSettlementTime(r.PaidAt)
		if err != nil {
			return nil, fmt.Errorf("settlement json row %d: %w", n, err)
		}

		row := SettlementRow{
			ProviderRef: strings.TrimSpace(r.ProviderRef),
			Rail:        domain.Rail(strings.ToUpper(strings.TrimSpace(r.Rail))),
			AmountCents: amount,
			PaidAt:      paidAt,
			ABN:         strings.TrimSpace(r.ABN),
			PeriodID:    strings.TrimSpace(r.PeriodID),
		}
		if err := validateSettlementRow(row); err != nil {
			return nil, fmt.Errorf("settlement json row %d: %w", n, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func validateSettlementRow(row SettlementRow) error {
	if row.ProviderRef == "" {
		return fmt.Errorf("empty provider_ref")
	}
	if !row.Rail.Valid() {
		return fmt.Errorf("invalid rail %q", row.Rail)
	}
	if row.ABN == "" || row.PeriodID == "" {
		return fmt.Errorf("missing abn or period_id")
	}
	return nil
}

// parseSettlementTime keeps a full timestamp when the source carries one,
// falling back to the statement date layouts
func parseSettlementTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return parseDate(s)
}

// ImportSettlements upserts provider-side settlement records keyed by
// provider_ref. New refs become PENDING settlements, PENDING refs are
// refreshed in place, MATCHED refs are left alone. Rows naming an unknown
// (abn, period_id) are skipped rather than failing the batch. A following
// ReplayDLQ promotes any dead-lettered bank lines the new settlements match.
func (e *Engine) ImportSettlements(ctx context.Context, data []byte, format Format) (*SettlementImportSummary, error) {
	rows, format, err := ParseSettlements(data, format)
	if err != nil {
		return nil, err
	}

	summary := &SettlementImportSummary{Format: format, Imported: len(rows)}
	err = e.store.Transact(ctx, func(tx store.Store) error {
		for _, row := range rows {
			period, err := findPeriod(ctx, tx, row.ABN, row.PeriodID)
			if err != nil {
				return err
			}
			if period == nil {
				summary.Skipped++
				continue
			}

			existing, err := tx.GetSettlementByProviderRef(ctx, row.ProviderRef)
			if err != nil {
				return err
			}
			switch {
			case existing == nil:
				if err := tx.InsertSettlement(ctx, &schema.Settlement{
					PeriodID:    period.ID,
					Rail:        row.Rail,
					AmountCents: row.AmountCents,
					ProviderRef: row.ProviderRef,
					PaidAt:      row.PaidAt,
					Reference:   settlementReference(period),
					Status:      schema.SettlementPending,
				}); err != nil {
					return err
				}
				summary.Created++
			case existing.Status == schema.SettlementPending:
				existing.PeriodID = period.ID
				existing.Rail = row.Rail
				existing.AmountCents = row.AmountCents
				existing.PaidAt = row.PaidAt
				existing.Reference = settlementReference(period)
				if err := tx.UpdateSettlement(ctx, existing); err != nil {
					return err
				}
				summary.Updated++
			default:
				// already matched to a bank line; imports never rewrite it
				summary.Skipped++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.InfoCtx(ctx, "settlements imported",
		zap.String("format", string(format)),
		zap.Int("rows", summary.Imported),
		zap.Int("created", summary.Created),
		zap.Int("updated", summary.Updated),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}

// settlementReference mirrors the reference a release stamps on its
// settlement, so imported rows match the same bank lines
func settlementReference(period *schema.Period) string {
	return NormalizeReference(fmt.Sprintf("ATO %s %s %s", period.TaxType, period.PeriodID, period.ABN))
}

func findPeriod(ctx context.Context, s store.Store, abn, periodID string) (*schema.Period, error) {
	for _, taxType := range []domain.TaxType{domain.TaxTypePAYGW, domain.TaxTypeGST} {
		period, err := s.GetPeriod(ctx, domain.PeriodKey{ABN: abn, TaxType: taxType, PeriodID: periodID})
		if err != nil {
			return nil, err
		}
		if period != nil {
			return period, nil
		}
	}
	return nil, nil
}
