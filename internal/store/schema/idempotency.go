package schema

import (
	"time"

	"gorm.io/datatypes"
)

// IdempotencyStatus is the lifecycle status of an idempotency key
type IdempotencyStatus string

const (
	// IdempotencyPending means a caller owns the key and the operation is running
	IdempotencyPending IdempotencyStatus = "pending"
	// IdempotencyApplied means the operation completed and its response is cached
	IdempotencyApplied IdempotencyStatus = "applied"
	// IdempotencyFailed means the operation failed with a recorded cause
	IdempotencyFailed IdempotencyStatus = "failed"
)

// IdempotencyKey represents the idempotency_keys table - dedupe record for one
// externally-keyed operation. The primary-key constraint makes acquisition an
// insert-or-fail race: exactly one concurrent caller creates the row.
type IdempotencyKey struct {
	// Key is the caller-supplied or server-derived idempotency key
	Key string `gorm:"column:key;primaryKey;type:varchar(128)"`
	// Status is pending, applied or failed
	Status IdempotencyStatus `gorm:"column:status;not null;type:varchar(8);default:pending"`
	// ResponseHash links an applied key to its cached response; immutable once set
	ResponseHash *string `gorm:"column:response_hash;type:varchar(64)"`
	// FailureCause records why a failed operation failed
	FailureCause string `gorm:"column:failure_cause;type:text"`
	// TTLSeconds bounds how long the key dedupes; expired keys are purged
	TTLSeconds int64 `gorm:"column:ttl_seconds;not null"`
	// FirstSeen is when the key was first acquired
	FirstSeen time.Time `gorm:"column:first_seen;not null;default:now();type:timestamptz"`
	// UpdatedAt is when the key status last changed
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the IdempotencyKey model
func (IdempotencyKey) TableName() string {
	return "idempotency_keys"
}

// CachedResponse represents the cached_responses table - the byte-exact response
// replayed for an applied idempotency key, keyed by the canonical body hash.
type CachedResponse struct {
	// Hash is the canonical SHA-256 of the response body
	Hash string `gorm:"column:hash;primaryKey;type:varchar(64)"`
	// StatusCode is the HTTP status to replay
	StatusCode int `gorm:"column:status_code;not null"`
	// Body is the exact response body
	Body []byte `gorm:"column:body;not null;type:bytea"`
	// Headers are the response headers to replay
	Headers datatypes.JSON `gorm:"column:headers;type:jsonb"`
	// CreatedAt is when the response was cached
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the CachedResponse model
func (CachedResponse) TableName() string {
	return "cached_responses"
}
