package schema

import (
	"time"

	"github.com/custodix/remitter/internal/domain"
)

// Destination represents the destinations table - the allowlisted payout
// destination for one account and rail. A release resolves the destination
// here and rejects anything not allowlisted.
type Destination struct {
	// ID is the internal database primary key
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// ABN is the account the destination belongs to
	ABN string `gorm:"column:abn;not null;type:varchar(11);uniqueIndex:idx_destinations_abn_rail,priority:1"`
	// Rail the destination is valid for
	Rail domain.Rail `gorm:"column:rail;not null;type:varchar(8);uniqueIndex:idx_destinations_abn_rail,priority:2"`
	// BSB is the six-digit branch code (EFT)
	BSB string `gorm:"column:bsb;type:varchar(7)"`
	// AccountNumber is the EFT account number
	AccountNumber string `gorm:"column:account_number;type:varchar(10)"`
	// BillerCode is the BPAY biller (BPAY)
	BillerCode string `gorm:"column:biller_code;type:varchar(10)"`
	// CRN is the BPAY customer reference number
	CRN string `gorm:"column:crn;type:varchar(20)"`
	// Allowed gates releases; destinations default to blocked until vetted
	Allowed bool `gorm:"column:allowed;not null;default:false"`
	// CreatedAt is when the destination was registered
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is when the destination was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the Destination model
func (Destination) TableName() string {
	return "destinations"
}
