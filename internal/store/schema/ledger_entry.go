package schema

import "time"

// LedgerEntry represents the ledger_entries table - one immutable balance movement.
// Entries are append-only: no row is ever updated or deleted.
//
// Chain invariants:
//
//	hash_after[i] = SHA256(prev_hash[i] || bank_receipt_hash[i] || balance_after_cents[i])
//	prev_hash[i]  = hash_after[i-1] ("" for the first entry)
//	balance_after_cents[i] = balance_after_cents[i-1] + amount_cents[i]
type LedgerEntry struct {
	// ID is the internal database primary key
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// PeriodID references the owning period
	PeriodID uint64 `gorm:"column:period_id;not null;uniqueIndex:idx_ledger_period_seq,priority:1"`
	// Seq is monotonic per period, starting at 1
	Seq int64 `gorm:"column:seq;not null;uniqueIndex:idx_ledger_period_seq,priority:2"`
	// AmountCents is the signed movement (deposit positive, release negative)
	AmountCents int64 `gorm:"column:amount_cents;not null"`
	// BalanceAfterCents is the running balance after this movement
	BalanceAfterCents int64 `gorm:"column:balance_after_cents;not null"`
	// PrevHash is the hash_after of the previous entry, empty for the first
	PrevHash string `gorm:"column:prev_hash;not null;type:varchar(64);default:''"`
	// HashAfter is the chained hash of this entry
	HashAfter string `gorm:"column:hash_after;not null;type:varchar(64)"`
	// BankReceiptHash is the digest of the bank-side receipt backing the movement
	BankReceiptHash string `gorm:"column:bank_receipt_hash;not null;type:varchar(64)"`
	// ReleaseUUID links a negative entry to its release operation
	ReleaseUUID *string `gorm:"column:release_uuid;type:varchar(36)"`
	// CreatedAt is when the entry was appended
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`

	// Associations
	Period Period `gorm:"foreignKey:PeriodID;constraint:OnDelete:RESTRICT"`
}

// TableName specifies the table name for the LedgerEntry model
func (LedgerEntry) TableName() string {
	return "ledger_entries"
}
