package schema

import (
	"time"

	"gorm.io/datatypes"

	"github.com/custodix/remitter/internal/domain"
)

// SettlementStatus is the reconciliation status of a ledger-linked settlement
type SettlementStatus string

const (
	// SettlementPending awaits a matching bank line
	SettlementPending SettlementStatus = "PENDING"
	// SettlementMatched is linked to exactly one bank line
	SettlementMatched SettlementStatus = "MATCHED"
)

// Settlement represents the settlements table - a ledger-linked cash movement
// produced by a release (or imported). provider_ref is globally unique.
type Settlement struct {
	// ID is the internal database primary key
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// PeriodID references the owning period
	PeriodID uint64 `gorm:"column:period_id;not null;index"`
	// Rail is the payment rail the movement went over
	Rail domain.Rail `gorm:"column:rail;not null;type:varchar(8)"`
	// AmountCents is the signed settled amount
	AmountCents int64 `gorm:"column:amount_cents;not null"`
	// ProviderRef is the bank provider's unique reference
	ProviderRef string `gorm:"column:provider_ref;not null;type:varchar(64);uniqueIndex"`
	// PaidAt is the bank-side value timestamp
	PaidAt time.Time `gorm:"column:paid_at;not null;type:timestamptz"`
	// Reference is the normalized remittance reference
	Reference string `gorm:"column:reference;not null;type:text;index"`
	// Status is PENDING until reconciliation links a bank line
	Status SettlementStatus `gorm:"column:status;not null;type:varchar(8);default:PENDING"`
	// BankLineID links the matched bank line, at most one
	BankLineID *uint64 `gorm:"column:bank_line_id"`
	// ReleaseUUID links back to the release operation, when rail-originated
	ReleaseUUID *string `gorm:"column:release_uuid;type:varchar(36)"`
	// CreatedAt is when the settlement row was created
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is when the settlement row was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the Settlement model
func (Settlement) TableName() string {
	return "settlements"
}

// BankLineStatus is the reconciliation status of an imported statement line
type BankLineStatus string

const (
	// BankLineImported awaits matching
	BankLineImported BankLineStatus = "IMPORTED"
	// BankLineMatched is linked to exactly one settlement
	BankLineMatched BankLineStatus = "MATCHED"
	// BankLineDLQ is unmatched, parked with a reason for a later replay pass
	BankLineDLQ BankLineStatus = "DLQ"
)

// BankLine represents the bank_lines table - one normalized statement line.
type BankLine struct {
	// ID is the internal database primary key
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// ValueDate is the bank value date (date precision)
	ValueDate time.Time `gorm:"column:value_date;not null;type:date"`
	// AmountCents is signed; sign is inferred from credit/debit fields when the
	// source format has no unified amount column
	AmountCents int64 `gorm:"column:amount_cents;not null"`
	// ReferenceRaw is the reference as it appeared on the statement
	ReferenceRaw string `gorm:"column:reference_raw;type:text"`
	// ReferenceNormalized is lowercased with non-alphanumerics stripped
	ReferenceNormalized string `gorm:"column:reference_normalized;not null;type:text;index"`
	// SourceFormat records which parser produced the line (csv, ofx, json)
	SourceFormat string `gorm:"column:source_format;not null;type:varchar(8)"`
	// Raw is the original source line for audit
	Raw datatypes.JSON `gorm:"column:raw;type:jsonb"`
	// Status is IMPORTED, MATCHED or DLQ
	Status BankLineStatus `gorm:"column:status;not null;type:varchar(8);default:IMPORTED"`
	// DLQReason explains why the line could not be matched
	DLQReason string `gorm:"column:dlq_reason;type:text"`
	// SettlementID links the matched settlement, at most one
	SettlementID *uint64 `gorm:"column:settlement_id"`
	// CreatedAt is when the line was imported
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is when the line status last changed
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the BankLine model
func (BankLine) TableName() string {
	return "bank_lines"
}
