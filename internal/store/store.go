package store

import (
	"context"
	"time"

	"github.com/custodix/remitter/internal/domain"
	"github.com/custodix/remitter/internal/store/schema"
)

// Store defines the interface for database operations.
//
// Lookup methods return (nil, nil) when the row does not exist; callers decide
// whether absence is an error. All mutation inside a release or close must run
// within Transact with the period row locked via LockPeriod.
type Store interface {
	// Transact runs fn inside a transaction. fn receives a transaction-scoped
	// Store; returning an error rolls back every write made through it,
	// including on panic. Nested calls join the outer transaction.
	Transact(ctx context.Context, fn func(tx Store) error) error

	// LockPeriod fetches the period row under an exclusive row lock, serializing
	// concurrent ledger appends and state transitions for the period.
	// Returns domain.ErrPeriodNotFound if the period does not exist.
	LockPeriod(ctx context.Context, periodID uint64) (*schema.Period, error)

	// GetPeriod retrieves a period by its (abn, tax type, period id) key
	GetPeriod(ctx context.Context, key domain.PeriodKey) (*schema.Period, error)
	// GetPeriodByID retrieves a period by its internal ID
	GetPeriodByID(ctx context.Context, periodID uint64) (*schema.Period, error)
	// CreatePeriod inserts a new period row; domain.ErrDuplicateKey on collision
	CreatePeriod(ctx context.Context, period *schema.Period) error
	// UpdatePeriod persists period mutations
	UpdatePeriod(ctx context.Context, period *schema.Period) error

	// TailLedgerEntry returns the latest ledger entry for a period, nil when empty
	TailLedgerEntry(ctx context.Context, periodID uint64) (*schema.LedgerEntry, error)
	// ListLedgerEntries returns all entries for a period ordered by seq
	ListLedgerEntries(ctx context.Context, periodID uint64) ([]*schema.LedgerEntry, error)
	// InsertLedgerEntry appends an immutable ledger entry
	InsertLedgerEntry(ctx context.Context, entry *schema.LedgerEntry) error

	// InsertSigningKey persists a newly generated signing key
	InsertSigningKey(ctx context.Context, key *schema.SigningKey) error
	// GetSigningKey retrieves a signing key by kid
	GetSigningKey(ctx context.Context, kid string) (*schema.SigningKey, error)
	// GetActiveSigningKey retrieves the single active signing key
	GetActiveSigningKey(ctx context.Context) (*schema.SigningKey, error)
	// UpdateSigningKeyStatus transitions a key between active/retired/revoked
	UpdateSigningKeyStatus(ctx context.Context, kid string, status schema.SigningKeyStatus) error
	// ListVerificationKeys returns active and retired keys (revoked excluded)
	ListVerificationKeys(ctx context.Context) ([]*schema.SigningKey, error)

	// InsertRPTToken persists a freshly issued token row
	InsertRPTToken(ctx context.Context, token *schema.RPTToken) error
	// GetRPTToken retrieves a token by rpt_id
	GetRPTToken(ctx context.Context, rptID string) (*schema.RPTToken, error)
	// GetIssuedRPTForPeriod returns the period's ISSUED token, nil when none
	GetIssuedRPTForPeriod(ctx context.Context, periodID uint64) (*schema.RPTToken, error)
	// GetLatestRPTForPeriod returns the period's most recently issued token
	// regardless of status, nil when the period never had one
	GetLatestRPTForPeriod(ctx context.Context, periodID uint64) (*schema.RPTToken, error)
	// UpdateRPTTokenStatus flips a token's status (consume, revoke)
	UpdateRPTTokenStatus(ctx context.Context, rptID string, status schema.RPTStatus) error

	// RegisterNonce registers a nonce exactly once. A collision with an
	// unexpired nonce returns domain.ErrReplayDetected without touching the
	// stored expiry; an expired nonce is replaced.
	RegisterNonce(ctx context.Context, nonce string, expiresAt, now time.Time) error

	// InsertIdempotencyKey attempts to acquire the key. Returns created=true
	// when this call inserted the row, otherwise the existing row.
	InsertIdempotencyKey(ctx context.Context, key *schema.IdempotencyKey) (created bool, existing *schema.IdempotencyKey, err error)
	// GetIdempotencyKey retrieves a key row
	GetIdempotencyKey(ctx context.Context, key string) (*schema.IdempotencyKey, error)
	// UpdateIdempotencyKey persists status/response-hash mutations
	UpdateIdempotencyKey(ctx context.Context, key *schema.IdempotencyKey) error
	// UpdateIdempotencyKeyGuarded persists key only if the stored row's
	// updated_at still equals expectedUpdatedAt. Returns false when another
	// writer got there first; the row is left untouched in that case.
	UpdateIdempotencyKeyGuarded(ctx context.Context, key *schema.IdempotencyKey, expectedUpdatedAt time.Time) (bool, error)
	// UpsertCachedResponse stores a response body keyed by its canonical hash
	UpsertCachedResponse(ctx context.Context, response *schema.CachedResponse) error
	// GetCachedResponse retrieves a cached response by hash
	GetCachedResponse(ctx context.Context, hash string) (*schema.CachedResponse, error)
	// PurgeExpiredIdempotencyKeys deletes keys past first_seen+ttl and any
	// cached responses no surviving key references. Returns keys deleted.
	PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error)

	// InsertSettlement persists a settlement; domain.ErrDuplicateKey when the
	// provider_ref already exists
	InsertSettlement(ctx context.Context, settlement *schema.Settlement) error
	// UpdateSettlement persists settlement mutations
	UpdateSettlement(ctx context.Context, settlement *schema.Settlement) error
	// GetSettlementByProviderRef retrieves a settlement by its provider_ref
	GetSettlementByProviderRef(ctx context.Context, providerRef string) (*schema.Settlement, error)
	// ListUnmatchedSettlements returns settlements still awaiting a bank line
	ListUnmatchedSettlements(ctx context.Context) ([]*schema.Settlement, error)
	// ListSettlementsForPeriod returns all settlements for a period
	ListSettlementsForPeriod(ctx context.Context, periodID uint64) ([]*schema.Settlement, error)

	// InsertBankLines persists a batch of normalized statement lines
	InsertBankLines(ctx context.Context, lines []*schema.BankLine) error
	// UpdateBankLine persists bank line mutations
	UpdateBankLine(ctx context.Context, line *schema.BankLine) error
	// ListDLQBankLines returns all dead-lettered lines
	ListDLQBankLines(ctx context.Context) ([]*schema.BankLine, error)

	// InsertAuditLog appends an audit event
	InsertAuditLog(ctx context.Context, event *schema.AuditLog) error
	// ListAuditLogs returns audit events for a subject, oldest first
	ListAuditLogs(ctx context.Context, subject string) ([]*schema.AuditLog, error)

	// GetDestination retrieves the registered destination for an account/rail
	GetDestination(ctx context.Context, abn string, rail domain.Rail) (*schema.Destination, error)
	// UpsertDestination registers or updates a payout destination
	UpsertDestination(ctx context.Context, destination *schema.Destination) error

	// GetKV retrieves a key-value entry, "" when missing
	GetKV(ctx context.Context, key string) (string, error)
	// SetKV stores a key-value entry
	SetKV(ctx context.Context, key string, value string) error
}
