package recon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodix/remitter/internal/domain"
	"github.com/custodix/remitter/internal/store"
	"github.com/custodix/remitter/internal/store/schema"
)

func TestNormalizeReference(t *testing.T) {
	assert.Equal(t, "atopaygw2025q151824753556", NormalizeReference("ATO PAYGW 2025Q1 51824753556"))
	assert.Equal(t, "ref123", NormalizeReference("REF-123"))
	assert.Equal(t, "", NormalizeReference("  ***  "))
}

func TestParseAmountCents(t *testing.T) {
	cases := map[string]int64{
		"300.00":    30_000,
		"-300":      -30_000,
		"1,234.56":  123_456,
		"+0.5":      50,
		"-1,250.5":  -125_050,
		"0":         0,
		"19.999":    1_999,
	}
	for in, want := range cases {
		got, err := parseAmountCents(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := parseAmountCents("12a.00")
	assert.Error(t, err)
	_, err = parseAmountCents("")
	assert.Error(t, err)
}

func TestDetectFormat(t *testing.T) {
	csvData := []byte("date,amount,reference\n2025-04-28,300.00,ATO PAYGW\n")
	jsonData := []byte(`[{"date":"2025-04-28","amount":300,"reference":"ATO"}]`)
	ofxData := []byte("OFXHEADER:100\n<OFX><STMTTRN><DTPOSTED>20250428<TRNAMT>-300.00</STMTTRN></OFX>")

	f, err := DetectFormat(csvData)
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	f, err = DetectFormat(jsonData)
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = DetectFormat(ofxData)
	require.NoError(t, err)
	assert.Equal(t, FormatOFX, f)
}

func TestParseCSVWithCreditDebitColumns(t *testing.T) {
	data := []byte("Date,Credit,Debit,Description\n2025-04-28,300.00,,ATO PAYGW 2025Q1\n2025-04-29,,125.50,BANK FEE\n")
	lines, format, err := ParseStatement(data, "")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, format)
	require.Len(t, lines, 2)

	assert.Equal(t, int64(30_000), lines[0].AmountCents)
	assert.Equal(t, "ATO PAYGW 2025Q1", lines[0].Reference)
	assert.Equal(t, time.Date(2025, 4, 28, 0, 0, 0, 0, time.UTC), lines[0].ValueDate)

	assert.Equal(t, int64(-12_550), lines[1].AmountCents)
}

func TestParseJSONArrayAndCSVWrapper(t *testing.T) {
	array := []byte(`[{"value_date":"2025-04-28","amount_cents":30000,"reference":"ATO PAYGW"}]`)
	lines, _, err := ParseStatement(array, FormatJSON)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, int64(30_000), lines[0].AmountCents)

	wrapper := []byte(`{"csv":"date,amount,reference\n2025-04-28,300.00,ATO PAYGW\n"}`)
	lines, _, err = ParseStatement(wrapper, FormatJSON)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, int64(30_000), lines[0].AmountCents)
	assert.Equal(t, "ATO PAYGW", lines[0].Reference)
}

func TestParseOFX(t *testing.T) {
	data := []byte(`OFXHEADER:100
<OFX>
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20250428120000
<TRNAMT>-300.00
<FITID>9001
<NAME>ATO PAYGW
<MEMO>2025Q1 51824753556
</STMTTRN>
</OFX>`)
	lines, format, err := ParseStatement(data, "")
	require.NoError(t, err)
	assert.Equal(t, FormatOFX, format)
	require.Len(t, lines, 1)
	assert.Equal(t, int64(-30_000), lines[0].AmountCents)
	assert.Equal(t, "ATO PAYGW 2025Q1 51824753556", lines[0].Reference)
	assert.Equal(t, time.Date(2025, 4, 28, 0, 0, 0, 0, time.UTC), lines[0].ValueDate)
}

func seedSettlement(t *testing.T, s store.Store, providerRef, reference string, amountCents int64, paidAt time.Time) *schema.Settlement {
	t.Helper()
	settlement := &schema.Settlement{
		PeriodID:    1,
		Rail:        domain.RailEFT,
		AmountCents: amountCents,
		ProviderRef: providerRef,
		PaidAt:      paidAt,
		Reference:   NormalizeReference(reference),
		Status:      schema.SettlementPending,
	}
	require.NoError(t, s.InsertSettlement(context.Background(), settlement))
	return settlement
}

func TestImportMatchesByReferenceWithinWindow(t *testing.T) {
	s := store.NewMemoryStore()
	engine := NewEngine(s)
	paidAt := time.Date(2025, 4, 28, 14, 30, 0, 0, time.UTC)
	seedSettlement(t, s, "SIM-EFT-1", "ATO PAYGW 2025Q1 51824753556", 30_000, paidAt)

	// value date one day later, reference reformatted by the bank
	data := []byte("date,amount,reference\n2025-04-29,300.00,ato-paygw/2025q1/51824753556\n")
	summary, err := engine.ImportStatement(context.Background(), data, "")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Matched)
	assert.Zero(t, summary.DLQ)

	unmatched, err := s.ListUnmatchedSettlements(context.Background())
	require.NoError(t, err)
	assert.Empty(t, unmatched)
}

func TestImportAmountMismatchNeverMatches(t *testing.T) {
	s := store.NewMemoryStore()
	engine := NewEngine(s)
	paidAt := time.Date(2025, 4, 28, 14, 30, 0, 0, time.UTC)
	seedSettlement(t, s, "SIM-EFT-1", "ATO PAYGW 2025Q1", 30_000, paidAt)

	// same reference, wrong amount
	data := []byte("date,amount,reference\n2025-04-28,299.99,ATO PAYGW 2025Q1\n")
	summary, err := engine.ImportStatement(context.Background(), data, "")
	require.NoError(t, err)
	assert.Zero(t, summary.Matched)
	assert.Equal(t, 1, summary.DLQ)

	dlq, err := s.ListDLQBankLines(context.Background())
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.NotEmpty(t, dlq[0].DLQReason)
}

func TestImportOutsideWindowGoesToDLQ(t *testing.T) {
	s := store.NewMemoryStore()
	engine := NewEngine(s)
	paidAt := time.Date(2025, 4, 28, 14, 30, 0, 0, time.UTC)
	seedSettlement(t, s, "SIM-EFT-1", "ATO PAYGW 2025Q1", 30_000, paidAt)

	data := []byte("date,amount,reference\n2025-05-05,300.00,ATO PAYGW 2025Q1\n")
	summary, err := engine.ImportStatement(context.Background(), data, "")
	require.NoError(t, err)
	assert.Zero(t, summary.Matched)
	assert.Equal(t, 1, summary.DLQ)
}

func TestImportPrefersReferenceMatch(t *testing.T) {
	s := store.NewMemoryStore()
	engine := NewEngine(s)
	paidAt := time.Date(2025, 4, 28, 10, 0, 0, 0, time.UTC)
	decoy := seedSettlement(t, s, "SIM-EFT-1", "OTHER REF", 30_000, paidAt)
	target := seedSettlement(t, s, "SIM-EFT-2", "ATO PAYGW 2025Q1", 30_000, paidAt)

	data := []byte("date,amount,reference\n2025-04-28,300.00,ATO PAYGW 2025Q1\n")
	summary, err := engine.ImportStatement(context.Background(), data, "")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Matched)

	unmatched, err := s.ListUnmatchedSettlements(context.Background())
	require.NoError(t, err)
	require.Len(t, unmatched, 1)
	assert.Equal(t, decoy.ProviderRef, unmatched[0].ProviderRef)
	_ = target
}

func TestReplayDLQPromotesLateSettlement(t *testing.T) {
	s := store.NewMemoryStore()
	engine := NewEngine(s)
	ctx := context.Background()

	// line arrives before any settlement exists
	data := []byte("date,amount,reference\n2025-04-28,300.00,ATO PAYGW 2025Q1\n")
	summary, err := engine.ImportStatement(ctx, data, "")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DLQ)

	// settlement imported late
	seedSettlement(t, s, "SIM-EFT-9", "ATO PAYGW 2025Q1", 30_000, time.Date(2025, 4, 28, 9, 0, 0, 0, time.UTC))

	promoted, err := engine.ReplayDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	dlq, err := s.ListDLQBankLines(ctx)
	require.NoError(t, err)
	assert.Empty(t, dlq)

	unmatched, err := s.ListUnmatchedSettlements(ctx)
	require.NoError(t, err)
	assert.Empty(t, unmatched)

	audits, err := s.ListAuditLogs(ctx, "SIM-EFT-9")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, schema.AuditDLQReplay, audits[0].EventType)
}

func seedPeriod(t *testing.T, s store.Store) *schema.Period {
	t.Helper()
	period := &schema.Period{
		ABN:      "51824753556",
		TaxType:  domain.TaxTypePAYGW,
		PeriodID: "2025Q1",
		State:    domain.PeriodStateReleased,
	}
	require.NoError(t, s.CreatePeriod(context.Background(), period))
	return period
}

func TestParseSettlementsFormats(t *testing.T) {
	csvData := []byte("provider_ref,rail,amount_cents,paid_at,abn,period_id\nPRV-1,eft,30000,2025-04-28T09:00:00Z,51824753556,2025Q1\n")
	rows, format, err := ParseSettlements(csvData, "")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, format)
	require.Len(t, rows, 1)
	assert.Equal(t, "PRV-1", rows[0].ProviderRef)
	assert.Equal(t, domain.RailEFT, rows[0].Rail)
	assert.Equal(t, int64(30_000), rows[0].AmountCents)
	assert.Equal(t, time.Date(2025, 4, 28, 9, 0, 0, 0, time.UTC), rows[0].PaidAt)

	jsonData := []byte(`[{"provider_ref":"PRV-2","rail":"BPAY","amount":300.00,"paid_at":"2025-04-28","abn":"51824753556","period_id":"2025Q1"}]`)
	rows, format, err = ParseSettlements(jsonData, "")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, format)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.RailBPAY, rows[0].Rail)
	assert.Equal(t, int64(30_000), rows[0].AmountCents)

	wrapper := []byte(`{"csv":"provider_ref,rail,amount,paid_at,abn,period_id\nPRV-3,EFT,300.00,2025-04-28,51824753556,2025Q1\n"}`)
	rows, _, err = ParseSettlements(wrapper, FormatJSON)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "PRV-3", rows[0].ProviderRef)

	_, _, err = ParseSettlements([]byte("provider_ref,rail,paid_at,abn,period_id\nPRV-4,EFT,2025-04-28,x,y\n"), FormatCSV)
	assert.Error(t, err)
	_, _, err = ParseSettlements([]byte(`[{"provider_ref":"PRV-5","rail":"CHEQUE","amount":1,"paid_at":"2025-04-28","abn":"x","period_id":"y"}]`), FormatJSON)
	assert.Error(t, err)
}

func TestImportSettlementsUpsertsByProviderRef(t *testing.T) {
	s := store.NewMemoryStore()
	engine := NewEngine(s)
	ctx := context.Background()
	period := seedPeriod(t, s)

	data := []byte("provider_ref,rail,amount_cents,paid_at,abn,period_id\n" +
		"PRV-1,EFT,30000,2025-04-28T09:00:00Z,51824753556,2025Q1\n" +
		"PRV-2,EFT,10000,2025-04-28T09:00:00Z,99999999999,2025Q1\n")
	summary, err := engine.ImportSettlements(ctx, data, FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Imported)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 1, summary.Skipped)

	created, err := s.GetSettlementByProviderRef(ctx, "PRV-1")
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, period.ID, created.PeriodID)
	assert.Equal(t, schema.SettlementPending, created.Status)
	assert.Equal(t, NormalizeReference("ATO PAYGW 2025Q1 51824753556"), created.Reference)

	// the same provider_ref refreshes in place instead of duplicating
	corrected := []byte("provider_ref,rail,amount_cents,paid_at,abn,period_id\nPRV-1,EFT,31000,2025-04-29T09:00:00Z,51824753556,2025Q1\n")
	summary, err = engine.ImportSettlements(ctx, corrected, FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)
	assert.Zero(t, summary.Created)

	updated, err := s.GetSettlementByProviderRef(ctx, "PRV-1")
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, int64(31_000), updated.AmountCents)
}

func TestImportSettlementsNeverRewritesMatched(t *testing.T) {
	s := store.NewMemoryStore()
	engine := NewEngine(s)
	ctx := context.Background()
	seedPeriod(t, s)

	settlement := seedSettlement(t, s, "PRV-1", "ATO PAYGW 2025Q1", 30_000, time.Date(2025, 4, 28, 9, 0, 0, 0, time.UTC))
	settlement.Status = schema.SettlementMatched
	require.NoError(t, s.UpdateSettlement(ctx, settlement))

	data := []byte("provider_ref,rail,amount_cents,paid_at,abn,period_id\nPRV-1,EFT,99999,2025-04-28T09:00:00Z,51824753556,2025Q1\n")
	summary, err := engine.ImportSettlements(ctx, data, FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)

	row, err := s.GetSettlementByProviderRef(ctx, "PRV-1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(30_000), row.AmountCents)
}

func TestSettlementImportThenReplayPromotesDLQLine(t *testing.T) {
	s := store.NewMemoryStore()
	engine := NewEngine(s)
	ctx := context.Background()
	seedPeriod(t, s)

	// bank line lands before the provider reports the settlement
	statement := []byte("date,amount,reference\n2025-04-28,-300.00,ATO PAYGW 2025Q1 51824753556\n")
	summary, err := engine.ImportStatement(ctx, statement, "")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DLQ)

	settlements := []byte("provider_ref,rail,amount_cents,paid_at,abn,period_id\nPRV-9,EFT,-30000,2025-04-28T09:00:00Z,51824753556,2025Q1\n")
	imported, err := engine.ImportSettlements(ctx, settlements, FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, 1, imported.Created)

	promoted, err := engine.ReplayDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	dlq, err := s.ListDLQBankLines(ctx)
	require.NoError(t, err)
	assert.Empty(t, dlq)

	row, err := s.GetSettlementByProviderRef(ctx, "PRV-9")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, schema.SettlementMatched, row.Status)

	audits, err := s.ListAuditLogs(ctx, "PRV-9")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, schema.AuditDLQReplay, audits[0].EventType)
}

func TestReplayDLQIdempotentWhenNothingMatches(t *testing.T) {
	s := store.NewMemoryStore()
	engine := NewEngine(s)

	promoted, err := engine.ReplayDLQ(context.Background())
	require.NoError(t, err)
	assert.Zero(t, promoted)
}
