package schema

import (
	"time"

	"gorm.io/datatypes"

	"github.com/custodix/remitter/internal/domain"
)

// Period represents the periods table - one tax-period obligation for one account/tax-type.
// Created on first deposit; the merkle root always reflects the full current entry set.
type Period struct {
	// ID is the internal database primary key
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// ABN is the account's business number
	ABN string `gorm:"column:abn;not null;type:varchar(11);uniqueIndex:idx_periods_key,priority:1"`
	// TaxType is PAYGW or GST
	TaxType domain.TaxType `gorm:"column:tax_type;not null;type:varchar(8);uniqueIndex:idx_periods_key,priority:2"`
	// PeriodID is the BAS period label (e.g. "2025Q1")
	PeriodID string `gorm:"column:period_id;not null;type:varchar(16);uniqueIndex:idx_periods_key,priority:3"`
	// State is the lifecycle state of the period
	State domain.PeriodState `gorm:"column:state;not null;type:varchar(24);default:OPEN"`
	// FinalLiabilityCents is the declared liability for the period
	FinalLiabilityCents int64 `gorm:"column:final_liability_cents;not null;default:0"`
	// CreditedToOWACents is the ledger sum recomputed at close
	CreditedToOWACents int64 `gorm:"column:credited_to_owa_cents;not null;default:0"`
	// MerkleRoot is the evidence root over the period's ledger entries
	MerkleRoot string `gorm:"column:merkle_root;type:varchar(64)"`
	// RunningBalanceHash is the hash_after of the ledger tail
	RunningBalanceHash string `gorm:"column:running_balance_hash;type:varchar(64)"`
	// AnomalyVector is the aggregate recon signal set persisted at each close attempt
	AnomalyVector datatypes.JSON `gorm:"column:anomaly_vector;type:jsonb"`
	// Thresholds is the gate configuration the close was evaluated against
	Thresholds datatypes.JSON `gorm:"column:thresholds;type:jsonb"`
	// CreatedAt is when the period row was created (first deposit)
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is when the period row was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the Period model
func (Period) TableName() string {
	return "periods"
}

// Key returns the domain key for this period
func (p *Period) Key() domain.PeriodKey {
	return domain.PeriodKey{ABN: p.ABN, TaxType: p.TaxType, PeriodID: p.PeriodID}
}
