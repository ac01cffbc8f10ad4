package domain

import (
	"fmt"
	"strings"
	"time"
)

// TaxType identifies the withholding obligation a period tracks
type TaxType string

const (
	// TaxTypePAYGW is pay-as-you-go withholding
	TaxTypePAYGW TaxType = "PAYGW"
	// TaxTypeGST is goods and services tax
	TaxTypeGST TaxType = "GST"
)

// Valid reports whether the tax type is one we custody funds for
func (t TaxType) Valid() bool {
	return t == TaxTypePAYGW || t == TaxTypeGST
}

// PeriodState is the lifecycle state of a tax period
type PeriodState string

const (
	// PeriodStateOpen accepts deposits
	PeriodStateOpen PeriodState = "OPEN"
	// PeriodStateClosing is the transient state while close checks run
	PeriodStateClosing PeriodState = "CLOSING"
	// PeriodStateBlockedAnomaly means the anomaly gate rejected the close
	PeriodStateBlockedAnomaly PeriodState = "BLOCKED_ANOMALY"
	// PeriodStateBlockedDiscrepancy means credited funds disagree with the liability
	PeriodStateBlockedDiscrepancy PeriodState = "BLOCKED_DISCREPANCY"
	// PeriodStateReadyRPT means an RPT has been issued and release may proceed
	PeriodStateReadyRPT PeriodState = "READY_RPT"
	// PeriodStateReleased is terminal: funds have been remitted
	PeriodStateReleased PeriodState = "RELEASED"
)

// Rail identifies a bank payment rail
type Rail string

const (
	// RailEFT is a direct-entry BSB/account transfer
	RailEFT Rail = "EFT"
	// RailBPAY is a biller-code/CRN payment
	RailBPAY Rail = "BPAY"
	// RailPayTo is a mandate-based PayTo sweep debit
	RailPayTo Rail = "PAYTO"
)

// Valid reports whether the rail is supported
func (r Rail) Valid() bool {
	return r == RailEFT || r == RailBPAY || r == RailPayTo
}

// PeriodKey uniquely identifies one tax-period obligation for one account
type PeriodKey struct {
	ABN      string
	TaxType  TaxType
	PeriodID string
}

// String returns the canonical "abn:taxtype:period" form used in logs and subjects
func (k PeriodKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.ABN, k.TaxType, k.PeriodID)
}

// ParsePeriodKey parses the canonical "abn:taxtype:period" form
func ParsePeriodKey(s string) (PeriodKey, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return PeriodKey{}, fmt.Errorf("invalid period key %q", s)
	}
	key := PeriodKey{ABN: parts[0], TaxType: TaxType(parts[1]), PeriodID: parts[2]}
	if !key.TaxType.Valid() {
		return PeriodKey{}, fmt.Errorf("invalid tax type %q in period key", parts[1])
	}
	return key, nil
}

// PeriodEventType is the type of a period lifecycle event
type PeriodEventType string

const (
	// PeriodEventDeposited is emitted after a deposit is appended
	PeriodEventDeposited PeriodEventType = "period.deposited"
	// PeriodEventReady is emitted when a close produces an RPT
	PeriodEventReady PeriodEventType = "period.ready"
	// PeriodEventBlocked is emitted when a close is blocked
	PeriodEventBlocked PeriodEventType = "period.blocked"
	// PeriodEventReleased is emitted after a successful release
	PeriodEventReleased PeriodEventType = "period.released"
)

// PeriodEvent is the lifecycle event published to the message broker.
// Publishing is fire-and-forget; consumers must tolerate gaps.
type PeriodEvent struct {
	EventID     string          `json:"event_id"`
	Type        PeriodEventType `json:"type"`
	ABN         string          `json:"abn"`
	TaxType     TaxType         `json:"tax_type"`
	PeriodID    string          `json:"period_id"`
	State       PeriodState     `json:"state"`
	AmountCents int64           `json:"amount_cents,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}
