package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodix/remitter/internal/domain"
	"github.com/custodix/remitter/internal/store/schema"
)

// runStoreSuite exercises the Store contract. It runs against the memory
// store here and against postgres in pg_test.go, so both backends stay
// behaviorally interchangeable.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	key := domain.PeriodKey{ABN: "51824753556", TaxType: domain.TaxTypePAYGW, PeriodID: "2025Q1"}

	t.Run("CreatePeriodRejectsDuplicateKey", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreatePeriod(ctx, &schema.Period{
			ABN: key.ABN, TaxType: key.TaxType, PeriodID: key.PeriodID, State: domain.PeriodStateOpen,
		}))
		err := s.CreatePeriod(ctx, &schema.Period{
			ABN: key.ABN, TaxType: key.TaxType, PeriodID: key.PeriodID, State: domain.PeriodStateOpen,
		})
		assert.ErrorIs(t, err, domain.ErrDuplicateKey)

		period, err := s.GetPeriod(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, period)
		assert.NotZero(t, period.ID)
	})

	t.Run("GetPeriodReturnsNilWhenMissing", func(t *testing.T) {
		s := newStore(t)
		period, err := s.GetPeriod(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, period)
	})

	t.Run("LockPeriodUnknownID", func(t *testing.T) {
		s := newStore(t)
		_, err := s.LockPeriod(ctx, 9999)
		assert.ErrorIs(t, err, domain.ErrPeriodNotFound)
	})

	t.Run("TransactRollsBackEveryWrite", func(t *testing.T) {
		s := newStore(t)
		boom := errors.New("boom")
		err := s.Transact(ctx, func(tx Store) error {
			if err := tx.CreatePeriod(ctx, &schema.Period{
				ABN: key.ABN, TaxType: key.TaxType, PeriodID: key.PeriodID, State: domain.PeriodStateOpen,
			}); err != nil {
				return err
			}
			if err := tx.SetKV(ctx, "k", "v"); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		period, err := s.GetPeriod(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, period)
		v, err := s.GetKV(ctx, "k")
		require.NoError(t, err)
		assert.Empty(t, v)
	})

	t.Run("NestedTransactJoinsOuter", func(t *testing.T) {
		s := newStore(t)
		boom := errors.New("boom")
		err := s.Transact(ctx, func(tx Store) error {
			if err := tx.Transact(ctx, func(inner Store) error {
				return inner.SetKV(ctx, "nested", "v")
			}); err != nil {
				return err
			}
			// outer failure must undo the inner commit too
			return boom
		})
		assert.ErrorIs(t, err, boom)

		v, err := s.GetKV(ctx, "nested")
		require.NoError(t, err)
		assert.Empty(t, v)
	})

	t.Run("InsertIdempotencyKeyAdmitsExactlyOne", func(t *testing.T) {
		s := newStore(t)
		var mu sync.Mutex
		createdCount := 0
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				created, existing, err := s.InsertIdempotencyKey(ctx, &schema.IdempotencyKey{
					Key: "race-key", Status: schema.IdempotencyPending, TTLSeconds: 60,
				})
				assert.NoError(t, err)
				assert.NotNil(t, existing)
				if created {
					mu.Lock()
					createdCount++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, createdCount)
	})

	t.Run("GuardedIdempotencyUpdateAdmitsExactlyOne", func(t *testing.T) {
		s := newStore(t)
		firstSeen := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
		_, _, err := s.InsertIdempotencyKey(ctx, &schema.IdempotencyKey{
			Key: "guarded", Status: schema.IdempotencyFailed, FailureCause: "rail down",
			TTLSeconds: 60, FirstSeen: firstSeen,
		})
		require.NoError(t, err)

		row, err := s.GetIdempotencyKey(ctx, "guarded")
		require.NoError(t, err)
		require.NotNil(t, row)
		observed := row.UpdatedAt

		takeover := *row
		takeover.Status = schema.IdempotencyPending
		takeover.FailureCause = ""
		takeover.UpdatedAt = observed.Add(time.Second)
		won, err := s.UpdateIdempotencyKeyGuarded(ctx, &takeover, observed)
		require.NoError(t, err)
		assert.True(t, won)

		// same stale version must lose and leave the winner's write intact
		stale := *row
		stale.Status = schema.IdempotencyPending
		stale.UpdatedAt = observed.Add(2 * time.Second)
		won, err = s.UpdateIdempotencyKeyGuarded(ctx, &stale, observed)
		require.NoError(t, err)
		assert.False(t, won)

		after, err := s.GetIdempotencyKey(ctx, "guarded")
		require.NoError(t, err)
		require.NotNil(t, after)
		assert.Equal(t, schema.IdempotencyPending, after.Status)
		assert.Empty(t, after.FailureCause)
		assert.True(t, after.UpdatedAt.Equal(observed.Add(time.Second)))
	})

	t.Run("RegisterNonceReplayAndExpiry", func(t *testing.T) {
		s := newStore(t)
		now := time.Now().UTC()
		require.NoError(t, s.RegisterNonce(ctx, "n1", now.Add(time.Hour), now))
		assert.ErrorIs(t, s.RegisterNonce(ctx, "n1", now.Add(time.Hour), now), domain.ErrReplayDetected)

		// an expired nonce is replaced, not rejected
		later := now.Add(2 * time.Hour)
		assert.NoError(t, s.RegisterNonce(ctx, "n1", later.Add(time.Hour), later))
	})

	t.Run("PurgeExpiredDropsOrphanedResponses", func(t *testing.T) {
		s := newStore(t)
		now := time.Now().UTC()
		liveHash := "live-hash"
		deadHash := "dead-hash"

		require.NoError(t, s.UpsertCachedResponse(ctx, &schema.CachedResponse{Hash: liveHash, StatusCode: 200, Body: []byte(`{}`)}))
		require.NoError(t, s.UpsertCachedResponse(ctx, &schema.CachedResponse{Hash: deadHash, StatusCode: 200, Body: []byte(`{}`)}))

		_, _, err := s.InsertIdempotencyKey(ctx, &schema.IdempotencyKey{
			Key: "live", Status: schema.IdempotencyApplied, ResponseHash: &liveHash,
			TTLSeconds: 3600, FirstSeen: now,
		})
		require.NoError(t, err)
		_, _, err = s.InsertIdempotencyKey(ctx, &schema.IdempotencyKey{
			Key: "dead", Status: schema.IdempotencyApplied, ResponseHash: &deadHash,
			TTLSeconds: 1, FirstSeen: now.Add(-time.Hour),
		})
		require.NoError(t, err)

		deleted, err := s.PurgeExpiredIdempotencyKeys(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		live, err := s.GetCachedResponse(ctx, liveHash)
		require.NoError(t, err)
		assert.NotNil(t, live)
		dead, err := s.GetCachedResponse(ctx, deadHash)
		require.NoError(t, err)
		assert.Nil(t, dead)
	})

	t.Run("SettlementProviderRefUnique", func(t *testing.T) {
		s := newStore(t)
		period := &schema.Period{ABN: key.ABN, TaxType: key.TaxType, PeriodID: key.PeriodID, State: domain.PeriodStateOpen}
		require.NoError(t, s.CreatePeriod(ctx, period))

		settle := func() *schema.Settlement {
			return &schema.Settlement{
				PeriodID: period.ID, Rail: domain.RailEFT, AmountCents: 1000,
				ProviderRef: "REF-1", PaidAt: time.Now().UTC(), Status: schema.SettlementPending,
			}
		}
		require.NoError(t, s.InsertSettlement(ctx, settle()))
		assert.ErrorIs(t, s.InsertSettlement(ctx, settle()), domain.ErrDuplicateKey)

		byRef, err := s.GetSettlementByProviderRef(ctx, "REF-1")
		require.NoError(t, err)
		require.NotNil(t, byRef)
		assert.Equal(t, int64(1000), byRef.AmountCents)

		missing, err := s.GetSettlementByProviderRef(ctx, "REF-NOPE")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("SigningKeyLifecycle", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertSigningKey(ctx, &schema.SigningKey{
			Kid: "k1", PublicKey: "pub1", PrivateKey: "seed1", Status: schema.SigningKeyActive,
		}))
		require.NoError(t, s.InsertSigningKey(ctx, &schema.SigningKey{
			Kid: "k2", PublicKey: "pub2", PrivateKey: "seed2", Status: schema.SigningKeyRetired,
		}))
		require.NoError(t, s.InsertSigningKey(ctx, &schema.SigningKey{
			Kid: "k3", PublicKey: "pub3", PrivateKey: "seed3", Status: schema.SigningKeyRevoked,
		}))

		active, err := s.GetActiveSigningKey(ctx)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, "k1", active.Kid)

		verification, err := s.ListVerificationKeys(ctx)
		require.NoError(t, err)
		kids := make([]string, 0, len(verification))
		for _, k := range verification {
			kids = append(kids, k.Kid)
		}
		assert.ElementsMatch(t, []string{"k1", "k2"}, kids)

		require.NoError(t, s.UpdateSigningKeyStatus(ctx, "k1", schema.SigningKeyRevoked))
		active, err = s.GetActiveSigningKey(ctx)
		require.NoError(t, err)
		assert.Nil(t, active)
	})

	t.Run("KVRoundTrip", func(t *testing.T) {
		s := newStore(t)
		v, err := s.GetKV(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, v)

		require.NoError(t, s.SetKV(ctx, "baseline:x", "42"))
		require.NoError(t, s.SetKV(ctx, "baseline:x", "43"))
		v, err = s.GetKV(ctx, "baseline:x")
		require.NoError(t, err)
		assert.Equal(t, "43", v)
	})

	t.Run("AuditLogsFilteredBySubject", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertAuditLog(ctx, &schema.AuditLog{
			EventID: "e1", EventType: schema.AuditDeposit, Subject: "a",
		}))
		require.NoError(t, s.InsertAuditLog(ctx, &schema.AuditLog{
			EventID: "e2", EventType: schema.AuditBlock, Subject: "b",
		}))

		logs, err := s.ListAuditLogs(ctx, "a")
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, "e1", logs[0].EventID)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}
