package schema

import (
	"time"

	"gorm.io/datatypes"
)

// AuditEventType identifies what kind of event an audit row records
type AuditEventType string

const (
	// AuditDeposit records a deposit appended to the ledger
	AuditDeposit AuditEventType = "ledger.deposit"
	// AuditRelease records a completed release
	AuditRelease AuditEventType = "ledger.release"
	// AuditStateChange records a period state transition
	AuditStateChange AuditEventType = "period.state_change"
	// AuditBlock records a close blocked by the anomaly or discrepancy gate
	AuditBlock AuditEventType = "period.blocked"
	// AuditKeyRotation records a signing key rotation
	AuditKeyRotation AuditEventType = "rpt.key_rotation"
	// AuditDLQReplay records a DLQ replay promotion
	AuditDLQReplay AuditEventType = "recon.dlq_replay"
)

// AuditLog represents the audit_logs table - append-only record of every
// state-changing operation, keyed by a time-sortable ULID.
type AuditLog struct {
	// EventID is a ULID, time-sortable and globally unique
	EventID string `gorm:"column:event_id;primaryKey;type:varchar(26)"`
	// EventType identifies the kind of event
	EventType AuditEventType `gorm:"column:event_type;not null;type:varchar(32);index"`
	// Subject is the affected entity, typically a period key
	Subject string `gorm:"column:subject;not null;type:text;index"`
	// Meta carries event detail as JSON
	Meta datatypes.JSON `gorm:"column:meta;type:jsonb"`
	// CreatedAt is when the event was recorded
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the AuditLog model
func (AuditLog) TableName() string {
	return "audit_logs"
}
