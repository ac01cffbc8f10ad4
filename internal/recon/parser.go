package recon

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// Format identifies a bank statement source format
type Format string

const (
	FormatCSV  Format = "csv"
	FormatOFX  Format = "ofx"
	FormatJSON Format = "json"
)

// Line is one normalized statement line, source format independent
type Line struct {
	ValueDate   time.Time
	AmountCents int64
	Reference   string
	Raw         map[string]interface{}
}

// NormalizeReference strips non-alphanumerics and lowercases, so references
// survive bank-side reformatting (spacing, case, punctuation)
func NormalizeReference(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}
	return b.String()
}

// DetectFormat sniffs the statement format from content. OFX is recognized by
// its SGML markers before generic text detection can misread it as plain text.
func DetectFormat(data []byte) (Format, error) {
	upper := bytes.ToUpper(data)
	if bytes.Contains(upper, []byte("<OFX")) || bytes.Contains(upper, []byte("OFXHEADER")) {
		return FormatOFX, nil
	}

	mime := mimetype.Detect(data)
	switch {
	case mime.Is("application/json"):
		return FormatJSON, nil
	case mime.Is("text/csv"):
		return FormatCSV, nil
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return FormatJSON, nil
	}
	if bytes.Contains(trimmed, []byte(",")) {
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unrecognized statement format (mime %s)", mime.String())
}

// ParseStatement normalizes a raw statement into lines. An empty format
// triggers content sniffing.
func ParseStatement(data []byte, format Format) ([]Line, Format, error) {
	if format == "" {
		detected, err := DetectFormat(data)
		if err != nil {
			return nil, "", err
		}
		format = detected
	}

	var lines []Line
	var err error
	switch format {
	case FormatCSV:
		lines, err = parseCSV(data)
	case FormatOFX:
		lines, err = parseOFX(data)
	case FormatJSON:
		lines, err = parseJSON(data)
	default:
		return nil, "", fmt.Errorf("unsupported statement format %q", format)
	}
	if err != nil {
		return nil, "", err
	}
	return lines, format, nil
}

// csv column aliases, matched case-insensitively
var (
	dateColumns      = []string{"value_date", "date", "valuedate", "posted"}
	amountColumns    = []string{"amount_cents", "amount"}
	creditColumns    = []string{"credit", "credit_amount", "deposit"}
	debitColumns     = []string{"debit", "debit_amount", "withdrawal"}
	referenceColumns = []string{"reference", "description", "narrative", "memo"}
)

func parseCSV(data []byte) ([]Line, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("csv statement has no data rows")
	}

	header := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		header[strings.ToLower(strings.TrimSpace(name))] = i
	}
	find := func(aliases []string) (int, bool) {
		for _, alias := range aliases {
			if idx, ok := header[alias]; ok {
				return idx, true
			}
		}
		return 0, false
	}

	dateIdx, ok := find(dateColumns)
	if !ok {
		return nil, fmt.Errorf("csv statement missing a date column")
	}
	amountIdx, hasAmount := find(amountColumns)
	creditIdx, hasCredit := find(creditColumns)
	debitIdx, hasDebit := find(debitColumns)
	if !hasAmount && !hasCredit && !hasDebit {
		return nil, fmt.Errorf("csv statement missing amount columns")
	}
	refIdx, hasRef := find(referenceColumns)

	lines := make([]Line, 0, len(records)-1)
	for n, record := range records[1:] {
		valueDate, err := parseDate(record[dateIdx])
		if err != nil {
			return nil, fmt.Errorf("csv row %d: %w", n+2, err)
		}

		var amount int64
		switch {
		case hasAmount && strings.TrimSpace(record[amountIdx]) != "":
			amount, err = parseAmountCents(record[amountIdx])
		case hasCredit && strings.TrimSpace(record[creditIdx]) != "":
			amount, err = parseAmountCents(record[creditIdx])
		case hasDebit && strings.TrimSpace(record[debitIdx]) != "":
			// debit-only columns carry unsigned magnitudes
			amount, err = parseAmountCents(record[debitIdx])
			if err == nil && amount > 0 {
				amount = -amount
			}
		default:
			err = fmt.Errorf("no amount value")
		}
		if err != nil {
			return nil, fmt.Errorf("csv row %d: %w", n+2, err)
		}

		var reference string
		if hasRef {
			reference = strings.TrimSpace(record[refIdx])
		}

		raw := make(map[string]interface{}, len(record))
		for i, v := range record {
			if i < len(records[0]) {
				raw[records[0][i]] = v
			}
		}
		lines = append(lines, Line{ValueDate: valueDate, AmountCents: amount, Reference: reference, Raw: raw})
	}
	return lines, nil
}

type jsonStatement struct {
	CSV string `json:"csv"`
}

type jsonLine struct {
	ValueDate   string   `json:"value_date"`
	Date        string   `json:"date"`
	AmountCents *int64   `json:"amount_cents"`
	Amount      *float64 `json:"amount"`
	Credit      *float64 `json:"credit"`
	Debit       *float64 `json:"debit"`
	Reference   string   `json:"reference"`
	Description string   `json:"description"`
}

func parseJSON(data []byte) ([]Line, error) {
	trimmed := bytes.TrimSpace(data)

	// the {csv: "..."} wrapper carries a csv payload inside a json envelope
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapper jsonStatement
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, fmt.Errorf("failed to parse json statement: %w", err)
		}
		if wrapper.CSV == "" {
			return nil, fmt.Errorf("json statement object missing csv field")
		}
		return parseCSV([]byte(wrapper.CSV))
	}

	var rows []jsonLine
	if err := json.Unmarshal(trimmed, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse json statement: %w", err)
	}

	lines := make([]Line, 0, len(rows))
	for n, row := range rows {
		dateField := row.ValueDate
		if dateField == "" {
			dateField = row.Date
		}
		valueDate, err := parseDate(dateField)
		if err != nil {
			return nil, fmt.Errorf("json row %d: %w", n, err)
		}

		var amount int64
		switch {
		case row.AmountCents != nil:
			amount = *row.AmountCents
		case row.Amount != nil:
			amount = dollarsToCents(*row.Amount)
		case row.Credit != nil:
			amount = dollarsToCents(*row.Credit)
		case row.Debit != nil:
			amount = -dollarsToCents(*row.Debit)
		default:
			return nil, fmt.Errorf("json row %d: no amount field", n)
		}

		reference := row.Reference
		if reference == "" {
			reference = row.Description
		}

		var raw map[string]interface{}
		if encoded, err := json.Marshal(row); err == nil {
			_ = json.Unmarshal(encoded, &raw)
		}
		lines = append(lines, Line{ValueDate: valueDate, AmountCents: amount, Reference: reference, Raw: raw})
	}
	return lines, nil
}

// parseOFX handles the SGML STMTTRN blocks of OFX 1.x statements. Tags close
// implicitly at the next tag, so values run to end of line.
func parseOFX(data []byte) ([]Line, error) {
	var lines []Line
	blocks := strings.Split(string(data), "<STMTTRN>")
	for _, block := range blocks[1:] {
		if end := strings.Index(block, "</STMTTRN>"); end >= 0 {
			block = block[:end]
		}

		posted := ofxTag(block, "DTPOSTED")
		if len(posted) < 8 {
			return nil, fmt.Errorf("ofx transaction missing DTPOSTED")
		}
		valueDate, err := time.Parse("20060102", posted[:8])
		if err != nil {
			return nil, fmt.Errorf("ofx DTPOSTED %q: %w", posted, err)
		}

		amountRaw := ofxTag(block, "TRNAMT")
		if amountRaw == "" {
			return nil, fmt.Errorf("ofx transaction missing TRNAMT")
		}
		amount, err := parseAmountCents(amountRaw)
		if err != nil {
			return nil, fmt.Errorf("ofx TRNAMT %q: %w", amountRaw, err)
		}

		reference := strings.TrimSpace(ofxTag(block, "NAME") + " " + ofxTag(block, "MEMO"))
		lines = append(lines, Line{
			ValueDate:   valueDate,
			AmountCents: amount,
			Reference:   reference,
			Raw: map[string]interface{}{
				"dtposted": posted,
				"trnamt":   amountRaw,
				"name":     ofxTag(block, "NAME"),
				"memo":     ofxTag(block, "MEMO"),
				"fitid":    ofxTag(block, "FITID"),
			},
		})
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("ofx statement has no transactions")
	}
	return lines, nil
}

func ofxTag(block, tag string) string {
	marker := "<" + tag + ">"
	start := strings.Index(block, marker)
	if start < 0 {
		return ""
	}
	rest := block[start+len(marker):]
	if lt := strings.IndexByte(rest, '<'); lt >= 0 {
		rest = rest[:lt]
	}
	if nl := strings.IndexAny(rest, "\r\n"); nl >= 0 {
		rest = rest[:nl]
	}
	return strings.TrimSpace(rest)
}

var dateLayouts = []string{"2006-01-02", "02/01/2006", "20060102", time.RFC3339}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Truncate(24 * time.Hour), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// parseAmountCents converts decimal dollar strings ("300.00", "-1,250.5")
// to signed cents without floating point on the integer part
func parseAmountCents(s string) (int64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	negative := false
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	whole := s
	frac := ""
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		whole, frac = s[:dot], s[dot+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}

	var cents int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		cents = cents*10 + int64(r-'0')
	}
	if negative {
		cents = -cents
	}
	return cents, nil
}

func dollarsToCents(v float64) int64 {
	if v < 0 {
		return -int64(-v*100 + 0.5)
	}
	return int64(v*100 + 0.5)
}
