package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/custodix/remitter/internal/adapter"
	"github.com/custodix/remitter/internal/store"
	"github.com/custodix/remitter/internal/store/schema"
)

// State is the outcome of an Ensure call
type State string

const (
	// StateAcquired means the caller owns the key and must run the operation
	StateAcquired State = "acquired"
	// StateReplay means the operation already completed; replay the cached response
	StateReplay State = "replay"
	// StateInProgress means another caller holds the key mid-operation
	StateInProgress State = "in_progress"
	// StateFailed means a previous attempt failed and the caller may decide to retry
	StateFailed State = "failed"
)

// Result carries the Ensure outcome. Response is set only for StateReplay,
// FailureCause only for StateFailed.
type Result struct {
	State        State
	Response     *schema.CachedResponse
	FailureCause string
}

// Coordinator provides exactly-once semantics for externally keyed operations.
// Acquisition races resolve through the key table's primary-key constraint, so
// concurrent callers with the same key serialize without advisory locks.
type Coordinator struct {
	store store.Store
	clock adapter.Clock
}

// NewCoordinator creates a coordinator over the given store
func NewCoordinator(s store.Store, clock adapter.Clock) *Coordinator {
	return &Coordinator{store: s, clock: clock}
}

// Ensure acquires the key or reports what happened to it. Exactly one of N
// concurrent callers gets StateAcquired; the rest observe the row that caller
// created. An expired key is taken over as if it never existed.
func (c *Coordinator) Ensure(ctx context.Context, key string, ttl time.Duration) (*Result, error) {
	now := c.clock.Now()
	row := &schema.IdempotencyKey{
		Key:        key,
		Status:     schema.IdempotencyPending,
		TTLSeconds: int64(ttl / time.Second),
		FirstSeen:  now,
		UpdatedAt:  now,
	}
	created, existing, err := c.store.InsertIdempotencyKey(ctx, row)
	if err != nil {
		return nil, err
	}
	if created {
		return &Result{State: StateAcquired}, nil
	}

	if expired(existing, now) {
		// guard the takeover on the row version we read; two callers racing
		// here must not both come away acquired
		observed := existing.UpdatedAt
		takeover := *existing
		takeover.Status = schema.IdempotencyPending
		takeover.ResponseHash = nil
		takeover.FailureCause = ""
		takeover.TTLSeconds = int64(ttl / time.Second)
		takeover.FirstSeen = now
		takeover.UpdatedAt = now
		won, err := c.store.UpdateIdempotencyKeyGuarded(ctx, &takeover, observed)
		if err != nil {
			return nil, err
		}
		if won {
			return &Result{State: StateAcquired}, nil
		}
		existing, err = c.store.GetIdempotencyKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			// purged between the loss and the re-read
			return c.Ensure(ctx, key, ttl)
		}
	}

	switch existing.Status {
	case schema.IdempotencyApplied:
		if existing.ResponseHash == nil {
			return nil, fmt.Errorf("applied key %s has no response hash", key)
		}
		cached, err := c.store.GetCachedResponse(ctx, *existing.ResponseHash)
		if err != nil {
			return nil, err
		}
		if cached == nil {
			return nil, fmt.Errorf("cached response %s missing for key %s", *existing.ResponseHash, key)
		}
		return &Result{State: StateReplay, Response: cached}, nil
	case schema.IdempotencyFailed:
		return &Result{State: StateFailed, FailureCause: existing.FailureCause}, nil
	default:
		return &Result{State: StateInProgress}, nil
	}
}

// Retry re-acquires a failed key so the caller can attempt the operation
// again under the same key. Keys in any other state are left alone and the
// current state is reported instead.
func (c *Coordinator) Retry(ctx context.Context, key string) (*Result, error) {
	row, err := c.store.GetIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("idempotency key %s not found", key)
	}
	if row.Status != schema.IdempotencyFailed {
		return c.Ensure(ctx, key, time.Duration(row.TTLSeconds)*time.Second)
	}
	observed := row.UpdatedAt
	row.Status = schema.IdempotencyPending
	row.FailureCause = ""
	row.UpdatedAt = c.clock.Now()
	won, err := c.store.UpdateIdempotencyKeyGuarded(ctx, row, observed)
	if err != nil {
		return nil, err
	}
	if !won {
		// somebody else re-acquired or resolved the key first
		return c.Ensure(ctx, key, time.Duration(row.TTLSeconds)*time.Second)
	}
	return &Result{State: StateAcquired}, nil
}

// MarkApplied records the operation's response and flips the key to applied.
// The response body is stored once, keyed by its SHA-256, and replayed
// byte-exact on later Ensure calls.
func (c *Coordinator) MarkApplied(ctx context.Context, key string, statusCode int, body []byte, headers map[string]string) error {
	hash := BodyHash(body)

	var headersJSON datatypes.JSON
	if len(headers) > 0 {
		raw, err := json.Marshal(headers)
		if err != nil {
			return fmt.Errorf("failed to marshal response headers: %w", err)
		}
		headersJSON = datatypes.JSON(raw)
	}

	return c.store.Transact(ctx, func(tx store.Store) error {
		if err := tx.UpsertCachedResponse(ctx, &schema.CachedResponse{
			Hash:       hash,
			StatusCode: statusCode,
			Body:       body,
			Headers:    headersJSON,
		}); err != nil {
			return err
		}
		row, err := tx.GetIdempotencyKey(ctx, key)
		if err != nil {
			return err
		}
		if row == nil {
			return fmt.Errorf("idempotency key %s vanished before apply", key)
		}
		row.Status = schema.IdempotencyApplied
		row.ResponseHash = &hash
		row.FailureCause = ""
		row.UpdatedAt = c.clock.Now()
		return tx.UpdateIdempotencyKey(ctx, row)
	})
}

// MarkFailed records the failure cause so later callers see StateFailed
// instead of hanging on StateInProgress
func (c *Coordinator) MarkFailed(ctx context.Context, key string, cause error) error {
	row, err := c.store.GetIdempotencyKey(ctx, key)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("idempotency key %s vanished before fail", key)
	}
	row.Status = schema.IdempotencyFailed
	if cause != nil {
		row.FailureCause = cause.Error()
	}
	row.UpdatedAt = c.clock.Now()
	return c.store.UpdateIdempotencyKey(ctx, row)
}

// PurgeExpired deletes keys past their TTL and any cached responses no
// surviving key references. Returns how many keys were removed.
func (c *Coordinator) PurgeExpired(ctx context.Context) (int64, error) {
	return c.store.PurgeExpiredIdempotencyKeys(ctx, c.clock.Now())
}

// BodyHash is the canonical cache key for a response body
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func expired(row *schema.IdempotencyKey, now time.Time) bool {
	return row.FirstSeen.Add(time.Duration(row.TTLSeconds) * time.Second).Before(now)
}
