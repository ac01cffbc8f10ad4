package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/custodix/remitter/internal/domain"
	"github.com/custodix/remitter/internal/store/schema"
)

type pgStore struct {
	db *gorm.DB
}

// NewPGStore creates a new PostgreSQL store instance
func NewPGStore(db *gorm.DB) Store {
	return &pgStore{db: db}
}

// Migrate creates or updates the schema for all models
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&schema.Period{},
		&schema.LedgerEntry{},
		&schema.RPTToken{},
		&schema.RPTNonce{},
		&schema.SigningKey{},
		&schema.IdempotencyKey{},
		&schema.CachedResponse{},
		&schema.Settlement{},
		&schema.BankLine{},
		&schema.AuditLog{},
		&schema.Destination{},
		&schema.KeyValueStore{},
	)
}

// ConfigureConnectionPool configures the connection pool settings for a GORM
// database connection. Zero values fall back to defaults (20 open, 5 idle,
// 5m lifetime, 10m idle time).
func ConfigureConnectionPool(db *gorm.DB, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if maxOpenConns == 0 {
		maxOpenConns = 20
	}
	if maxIdleConns == 0 {
		maxIdleConns = 5
	}
	if connMaxLifetime == 0 {
		connMaxLifetime = 5 * time.Minute
	}
	if connMaxIdleTime == 0 {
		connMaxIdleTime = 10 * time.Minute
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	return nil
}

// Transact runs fn inside a gorm transaction. gorm flattens nested calls into
// the outer transaction, so inner Transact calls join rather than re-begin.
func (s *pgStore) Transact(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&pgStore{db: tx})
	})
}

// LockPeriod fetches the period row with SELECT ... FOR UPDATE
func (s *pgStore) LockPeriod(ctx context.Context, periodID uint64) (*schema.Period, error) {
	var period schema.Period
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", periodID).
		First(&period).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrPeriodNotFound
		}
		return nil, fmt.Errorf("failed to lock period: %w", err)
	}
	return &period, nil
}

// GetPeriod retrieves a period by its business key
func (s *pgStore) GetPeriod(ctx context.Context, key domain.PeriodKey) (*schema.Period, error) {
	var period schema.Period
	err := s.db.WithContext(ctx).
		Where("abn = ? AND tax_type = ? AND period_id = ?", key.ABN, key.TaxType, key.PeriodID).
		First(&period).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get period: %w", err)
	}
	return &period, nil
}

// GetPeriodByID retrieves a period by its internal ID
func (s *pgStore) GetPeriodByID(ctx context.Context, periodID uint64) (*schema.Period, error) {
	var period schema.Period
	err := s.db.WithContext(ctx).Where("id = ?", periodID).First(&period).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get period: %w", err)
	}
	return &period, nil
}

// CreatePeriod inserts a new period row
func (s *pgStore) CreatePeriod(ctx context.Context, period *schema.Period) error {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "abn"}, {Name: "tax_type"}, {Name: "period_id"}},
			DoNothing: true,
		}).
		Create(period)
	if result.Error != nil {
		return fmt.Errorf("failed to create period: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrDuplicateKey
	}
	return nil
}

// UpdatePeriod persists period mutations
func (s *pgStore) UpdatePeriod(ctx context.Context, period *schema.Period) error {
	if err := s.db.WithContext(ctx).Save(period).Error; err != nil {
		return fmt.Errorf("failed to update period: %w", err)
	}
	return nil
}

// TailLedgerEntry returns the latest ledger entry for a period
func (s *pgStore) TailLedgerEntry(ctx context.Context, periodID uint64) (*schema.LedgerEntry, error) {
	var entry schema.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("period_id = ?", periodID).
		Order("seq DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get ledger tail: %w", err)
	}
	return &entry, nil
}

// ListLedgerEntries returns all entries for a period ordered by seq
func (s *pgStore) ListLedgerEntries(ctx context.Context, periodID uint64) ([]*schema.LedgerEntry, error) {
	var entries []*schema.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("period_id = ?", periodID).
		Order("seq ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}

// InsertLedgerEntry appends an immutable ledger entry
func (s *pgStore) InsertLedgerEntry(ctx context.Context, entry *schema.LedgerEntry) error {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "period_id"}, {Name: "seq"}},
			DoNothing: true,
		}).
		Create(entry)
	if result.Error != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", result.Error)
	}
	// A seq collision means a concurrent append slipped past the period lock;
	// surface it so the transaction rolls back instead of silently dropping.
	if result.RowsAffected == 0 {
		return domain.ErrDuplicateKey
	}
	return nil
}

// InsertSigningKey persists a newly generated signing key
func (s *pgStore) InsertSigningKey(ctx context.Context, key *schema.SigningKey) error {
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("failed to insert signing key: %w", err)
	}
	return nil
}

// GetSigningKey retrieves a signing key by kid
func (s *pgStore) GetSigningKey(ctx context.Context, kid string) (*schema.SigningKey, error) {
	var key schema.SigningKey
	err := s.db.WithContext(ctx).Where("kid = ?", kid).First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get signing key: %w", err)
	}
	return &key, nil
}

// GetActiveSigningKey retrieves the single active signing key
func (s *pgStore) GetActiveSigningKey(ctx context.Context) (*schema.SigningKey, error) {
	var key schema.SigningKey
	err := s.db.WithContext(ctx).
		Where("status = ?", schema.SigningKeyActive).
		Order("created_at DESC").
		First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active signing key: %w", err)
	}
	return &key, nil
}

// UpdateSigningKeyStatus transitions a key between active/retired/revoked
func (s *pgStore) UpdateSigningKeyStatus(ctx context.Context, kid string, status schema.SigningKeyStatus) error {
	result := s.db.WithContext(ctx).
		Model(&schema.SigningKey{}).
		Where("kid = ?", kid).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to update signing key status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrKeyNotFound
	}
	return nil
}

// ListVerificationKeys returns active and retired keys
func (s *pgStore) ListVerificationKeys(ctx context.Context) ([]*schema.SigningKey, error) {
	var keys []*schema.SigningKey
	err := s.db.WithContext(ctx).
		Where("status IN ?", []schema.SigningKeyStatus{schema.SigningKeyActive, schema.SigningKeyRetired}).
		Order("created_at DESC").
		Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list verification keys: %w", err)
	}
	return keys, nil
}

// InsertRPTToken persists a freshly issued token row
func (s *pgStore) InsertRPTToken(ctx context.Context, token *schema.RPTToken) error {
	if err := s.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("failed to insert rpt token: %w", err)
	}
	return nil
}

// GetRPTToken retrieves a token by rpt_id
func (s *pgStore) GetRPTToken(ctx context.Context, rptID string) (*schema.RPTToken, error) {
	var token schema.RPTToken
	err := s.db.WithContext(ctx).Where("rpt_id = ?", rptID).First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get rpt token: %w", err)
	}
	return &token, nil
}

// GetIssuedRPTForPeriod returns the period's ISSUED token
func (s *pgStore) GetIssuedRPTForPeriod(ctx context.Context, periodID uint64) (*schema.RPTToken, error) {
	var token schema.RPTToken
	err := s.db.WithContext(ctx).
		Where("period_id = ? AND status = ?", periodID, schema.RPTStatusIssued).
		Order("created_at DESC").
		First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get issued rpt for period: %w", err)
	}
	return &token, nil
}

// GetLatestRPTForPeriod returns the period's most recent token in any status
func (s *pgStore) GetLatestRPTForPeriod(ctx context.Context, periodID uint64) (*schema.RPTToken, error) {
	var token schema.RPTToken
	err := s.db.WithContext(ctx).
		Where("period_id = ?", periodID).
		Order("created_at DESC").
		First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest rpt for period: %w", err)
	}
	return &token, nil
}

// UpdateRPTTokenStatus flips a token's status
func (s *pgStore) UpdateRPTTokenStatus(ctx context.Context, rptID string, status schema.RPTStatus) error {
	result := s.db.WithContext(ctx).
		Model(&schema.RPTToken{}).
		Where("rpt_id = ?", rptID).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to update rpt token status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("rpt token %s: %w", rptID, gorm.ErrRecordNotFound)
	}
	return nil
}

// RegisterNonce registers a nonce exactly once via insert-or-fail. A live
// collision fails before any write; an expired nonce row is replaced.
func (s *pgStore) RegisterNonce(ctx context.Context, nonce string, expiresAt, now time.Time) error {
	return s.Transact(ctx, func(tx Store) error {
		pg := tx.(*pgStore)
		row := schema.RPTNonce{Nonce: nonce, ExpiresAt: expiresAt}
		result := pg.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "nonce"}},
				DoNothing: true,
			}).
			Create(&row)
		if result.Error != nil {
			return fmt.Errorf("failed to register nonce: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			return nil
		}

		var existing schema.RPTNonce
		if err := pg.db.WithContext(ctx).Where("nonce = ?", nonce).First(&existing).Error; err != nil {
			return fmt.Errorf("failed to read colliding nonce: %w", err)
		}
		if existing.ExpiresAt.After(now) {
			return domain.ErrReplayDetected
		}

		// The prior registration has expired; take the nonce over.
		err := pg.db.WithContext(ctx).
			Model(&schema.RPTNonce{}).
			Where("nonce = ?", nonce).
			Updates(map[string]interface{}{"expires_at": expiresAt, "created_at": now}).Error
		if err != nil {
			return fmt.Errorf("failed to replace expired nonce: %w", err)
		}
		return nil
	})
}

// InsertIdempotencyKey attempts to acquire the key via the unique-constraint race
func (s *pgStore) InsertIdempotencyKey(ctx context.Context, key *schema.IdempotencyKey) (bool, *schema.IdempotencyKey, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoNothing: true,
		}).
		Create(key)
	if result.Error != nil {
		return false, nil, fmt.Errorf("failed to insert idempotency key: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return true, key, nil
	}

	var existing schema.IdempotencyKey
	if err := s.db.WithContext(ctx).Where("key = ?", key.Key).First(&existing).Error; err != nil {
		return false, nil, fmt.Errorf("failed to read existing idempotency key: %w", err)
	}
	return false, &existing, nil
}

// GetIdempotencyKey retrieves a key row
func (s *pgStore) GetIdempotencyKey(ctx context.Context, key string) (*schema.IdempotencyKey, error) {
	var row schema.IdempotencyKey
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	return &row, nil
}

// UpdateIdempotencyKey persists status/response-hash mutations
func (s *pgStore) UpdateIdempotencyKey(ctx context.Context, key *schema.IdempotencyKey) error {
	if err := s.db.WithContext(ctx).Save(key).Error; err != nil {
		return fmt.Errorf("failed to update idempotency key: %w", err)
	}
	return nil
}

// UpdateIdempotencyKeyGuarded persists key only if updated_at has not moved.
// The WHERE clause makes the takeover race lose cleanly instead of clobbering
// the winner's write.
func (s *pgStore) UpdateIdempotencyKeyGuarded(ctx context.Context, key *schema.IdempotencyKey, expectedUpdatedAt time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&schema.IdempotencyKey{}).
		Where("key = ? AND updated_at = ?", key.Key, expectedUpdatedAt).
		Updates(map[string]interface{}{
			"status":        key.Status,
			"response_hash": key.ResponseHash,
			"failure_cause": key.FailureCause,
			"ttl_seconds":   key.TTLSeconds,
			"first_seen":    key.FirstSeen,
			"updated_at":    key.UpdatedAt,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to update idempotency key guarded: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// UpsertCachedResponse stores a response body keyed by its canonical hash
func (s *pgStore) UpsertCachedResponse(ctx context.Context, response *schema.CachedResponse) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "hash"}},
			DoNothing: true,
		}).
		Create(response).Error
	if err != nil {
		return fmt.Errorf("failed to upsert cached response: %w", err)
	}
	return nil
}

// GetCachedResponse retrieves a cached response by hash
func (s *pgStore) GetCachedResponse(ctx context.Context, hash string) (*schema.CachedResponse, error) {
	var response schema.CachedResponse
	err := s.db.WithContext(ctx).Where("hash = ?", hash).First(&response).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cached response: %w", err)
	}
	return &response, nil
}

// PurgeExpiredIdempotencyKeys deletes keys past first_seen+ttl and orphaned responses
func (s *pgStore) PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64
	err := s.Transact(ctx, func(tx Store) error {
		pg := tx.(*pgStore)
		result := pg.db.WithContext(ctx).
			Where("first_seen + make_interval(secs => ttl_seconds) < ?", now).
			Delete(&schema.IdempotencyKey{})
		if result.Error != nil {
			return fmt.Errorf("failed to purge idempotency keys: %w", result.Error)
		}
		deleted = result.RowsAffected

		err := pg.db.WithContext(ctx).
			Where("hash NOT IN (?)",
				pg.db.Model(&schema.IdempotencyKey{}).
					Select("response_hash").
					Where("response_hash IS NOT NULL"),
			).
			Delete(&schema.CachedResponse{}).Error
		if err != nil {
			return fmt.Errorf("failed to purge orphaned cached responses: %w", err)
		}
		return nil
	})
	return deleted, err
}

// InsertSettlement persists a settlement
func (s *pgStore) InsertSettlement(ctx context.Context, settlement *schema.Settlement) error {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_ref"}},
			DoNothing: true,
		}).
		Create(settlement)
	if result.Error != nil {
		return fmt.Errorf("failed to insert settlement: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrDuplicateKey
	}
	return nil
}

// UpdateSettlement persists settlement mutations
func (s *pgStore) UpdateSettlement(ctx context.Context, settlement *schema.Settlement) error {
	if err := s.db.WithContext(ctx).Save(settlement).Error; err != nil {
		return fmt.Errorf("failed to update settlement: %w", err)
	}
	return nil
}

// GetSettlementByProviderRef retrieves a settlement by its provider_ref
func (s *pgStore) GetSettlementByProviderRef(ctx context.Context, providerRef string) (*schema.Settlement, error) {
	var settlement schema.Settlement
	err := s.db.WithContext(ctx).Where("provider_ref = ?", providerRef).First(&settlement).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get settlement by provider ref: %w", err)
	}
	return &settlement, nil
}

// ListUnmatchedSettlements returns settlements still awaiting a bank line
func (s *pgStore) ListUnmatchedSettlements(ctx context.Context) ([]*schema.Settlement, error) {
	var settlements []*schema.Settlement
	err := s.db.WithContext(ctx).
		Where("status = ?", schema.SettlementPending).
		Order("paid_at ASC").
		Find(&settlements).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unmatched settlements: %w", err)
	}
	return settlements, nil
}

// ListSettlementsForPeriod returns all settlements for a period
func (s *pgStore) ListSettlementsForPeriod(ctx context.Context, periodID uint64) ([]*schema.Settlement, error) {
	var settlements []*schema.Settlement
	err := s.db.WithContext(ctx).
		Where("period_id = ?", periodID).
		Order("paid_at ASC").
		Find(&settlements).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements for period: %w", err)
	}
	return settlements, nil
}

// InsertBankLines persists a batch of normalized statement lines
func (s *pgStore) InsertBankLines(ctx context.Context, lines []*schema.BankLine) error {
	if len(lines) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(lines, 500).Error; err != nil {
		return fmt.Errorf("failed to insert bank lines: %w", err)
	}
	return nil
}

// UpdateBankLine persists bank line mutations
func (s *pgStore) UpdateBankLine(ctx context.Context, line *schema.BankLine) error {
	if err := s.db.WithContext(ctx).Save(line).Error; err != nil {
		return fmt.Errorf("failed to update bank line: %w", err)
	}
	return nil
}

// ListDLQBankLines returns all dead-lettered lines
func (s *pgStore) ListDLQBankLines(ctx context.Context) ([]*schema.BankLine, error) {
	var lines []*schema.BankLine
	err := s.db.WithContext(ctx).
		Where("status = ?", schema.BankLineDLQ).
		Order("value_date ASC").
		Find(&lines).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list dlq bank lines: %w", err)
	}
	return lines, nil
}

// InsertAuditLog appends an audit event
func (s *pgStore) InsertAuditLog(ctx context.Context, event *schema.AuditLog) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// ListAuditLogs returns audit events for a subject, oldest first
func (s *pgStore) ListAuditLogs(ctx context.Context, subject string) ([]*schema.AuditLog, error) {
	var events []*schema.AuditLog
	err := s.db.WithContext(ctx).
		Where("subject = ?", subject).
		Order("event_id ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return events, nil
}

// GetDestination retrieves the registered destination for an account/rail
func (s *pgStore) GetDestination(ctx context.Context, abn string, rail domain.Rail) (*schema.Destination, error) {
	var destination schema.Destination
	err := s.db.WithContext(ctx).Where("abn = ? AND rail = ?", abn, rail).First(&destination).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get destination: %w", err)
	}
	return &destination, nil
}

// UpsertDestination registers or updates a payout destination
func (s *pgStore) UpsertDestination(ctx context.Context, destination *schema.Destination) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "abn"}, {Name: "rail"}},
			UpdateAll: true,
		}).
		Create(destination).Error
	if err != nil {
		return fmt.Errorf("failed to upsert destination: %w", err)
	}
	return nil
}

// GetKV retrieves a key-value entry
func (s *pgStore) GetKV(ctx context.Context, key string) (string, error) {
	var kv schema.KeyValueStore
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&kv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get key value: %w", err)
	}
	return kv.Value, nil
}

// SetKV stores a key-value entry
func (s *pgStore) SetKV(ctx context.Context, key string, value string) error {
	kv := schema.KeyValueStore{Key: key, Value: value}
	if err := s.db.WithContext(ctx).Save(&kv).Error; err != nil {
		return fmt.Errorf("failed to set key value: %w", err)
	}
	return nil
}
