package schema

import (
	"time"

	"gorm.io/datatypes"
)

// RPTStatus is the lifecycle status of a remittance payload token
type RPTStatus string

const (
	// RPTStatusIssued means the token is live and consumable exactly once
	RPTStatusIssued RPTStatus = "ISSUED"
	// RPTStatusConsumed means the token authorized a completed release
	RPTStatusConsumed RPTStatus = "CONSUMED"
	// RPTStatusRevoked means the token was administratively invalidated
	RPTStatusRevoked RPTStatus = "REVOKED"
)

// RPTToken represents the rpt_tokens table - a signed authorization to release a
// specific amount for a specific period. At most one ISSUED token per period is
// consumable; consuming flips status to CONSUMED inside the release transaction.
type RPTToken struct {
	// RPTID is the token's UUID, also carried in the payload
	RPTID string `gorm:"column:rpt_id;primaryKey;type:varchar(36)"`
	// PeriodID references the period the token authorizes
	PeriodID uint64 `gorm:"column:period_id;not null;index"`
	// ABN duplicates the account key for external audit queries
	ABN string `gorm:"column:abn;not null;type:varchar(11)"`
	// BASPeriod is the BAS period label
	BASPeriod string `gorm:"column:bas_period;not null;type:varchar(16)"`
	// PaygwCents is the PAYGW total authorized for release
	PaygwCents int64 `gorm:"column:paygw_cents;not null;default:0"`
	// GstCents is the GST total authorized for release
	GstCents int64 `gorm:"column:gst_cents;not null;default:0"`
	// EvidenceMerkleRoot is the ledger Merkle root bound into the token
	EvidenceMerkleRoot string `gorm:"column:evidence_merkle_root;not null;type:varchar(64)"`
	// AnomalyScore is the period anomaly score at issue time
	AnomalyScore float64 `gorm:"column:anomaly_score;not null;default:0"`
	// RatesVersion pins the rates table the totals were computed under
	RatesVersion string `gorm:"column:rates_version;not null;type:varchar(32)"`
	// Kid is the signing key id
	Kid string `gorm:"column:kid;not null;type:varchar(64)"`
	// Nonce is globally unique until exp
	Nonce string `gorm:"column:nonce;not null;type:varchar(64);uniqueIndex"`
	// IssuedAt is the payload iat
	IssuedAt time.Time `gorm:"column:issued_at;not null;type:timestamptz"`
	// ExpiresAt is the payload exp; verification cross-checks this against the wire value
	ExpiresAt time.Time `gorm:"column:expires_at;not null;type:timestamptz"`
	// Status is ISSUED, CONSUMED or REVOKED
	Status RPTStatus `gorm:"column:status;not null;type:varchar(12);default:ISSUED"`
	// Compact is the full header.payload.signature wire form
	Compact string `gorm:"column:compact;not null;type:text"`
	// Payload is the decoded payload for evidence bundles
	Payload datatypes.JSON `gorm:"column:payload;type:jsonb"`
	// CreatedAt is when the token row was persisted
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is when the token row was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the RPTToken model
func (RPTToken) TableName() string {
	return "rpt_tokens"
}

// RPTNonce represents the rpt_nonces table - exactly-once nonce registration.
// Registration is an insert-or-fail against the primary key.
type RPTNonce struct {
	Nonce     string    `gorm:"column:nonce;primaryKey;type:varchar(64)"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;type:timestamptz;index"`
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the RPTNonce model
func (RPTNonce) TableName() string {
	return "rpt_nonces"
}

// SigningKeyStatus is the lifecycle status of an RPT signing key
type SigningKeyStatus string

const (
	// SigningKeyActive is the single key used for new signatures
	SigningKeyActive SigningKeyStatus = "active"
	// SigningKeyRetired keys still verify but no longer sign
	SigningKeyRetired SigningKeyStatus = "retired"
	// SigningKeyRevoked keys fail verification outright
	SigningKeyRevoked SigningKeyStatus = "revoked"
)

// SigningKey represents the signing_keys table - the RPT key store.
// Exactly one key is active at a time; rotation retires the previous active key.
type SigningKey struct {
	// Kid is the key identifier carried in token headers
	Kid string `gorm:"column:kid;primaryKey;type:varchar(64)"`
	// PublicKey is the base64 raw Ed25519 public key (published externally)
	PublicKey string `gorm:"column:public_key;not null;type:text"`
	// PrivateKey is the base64 raw Ed25519 seed (never published)
	PrivateKey string `gorm:"column:private_key;not null;type:text"`
	// Status is active, retired or revoked
	Status SigningKeyStatus `gorm:"column:status;not null;type:varchar(12);default:active"`
	// CreatedAt is when the key pair was generated
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is when the key status last changed
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the SigningKey model
func (SigningKey) TableName() string {
	return "signing_keys"
}
