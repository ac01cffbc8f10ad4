package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodix/remitter/internal/adapter"
	"github.com/custodix/remitter/internal/store"
	"github.com/custodix/remitter/internal/store/schema"
)

// contendedStore slips a rival takeover in front of the first guarded update,
// so the caller always loses that race
type contendedStore struct {
	store.Store
	rivalOnce sync.Once
}

func (s *contendedStore) UpdateIdempotencyKeyGuarded(ctx context.Context, key *schema.IdempotencyKey, expectedUpdatedAt time.Time) (bool, error) {
	s.rivalOnce.Do(func() {
		rival := *key
		rival.UpdatedAt = key.UpdatedAt.Add(time.Millisecond)
		won, err := s.Store.UpdateIdempotencyKeyGuarded(ctx, &rival, expectedUpdatedAt)
		if err != nil || !won {
			panic("rival takeover did not win")
		}
	})
	return s.Store.UpdateIdempotencyKeyGuarded(ctx, key, expectedUpdatedAt)
}

func newCoordinator() (*Coordinator, *adapter.FixedClock) {
	clock := &adapter.FixedClock{Instant: time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)}
	return NewCoordinator(store.NewMemoryStore(), clock), clock
}

func TestEnsureAcquiresFreshKey(t *testing.T) {
	c, _ := newCoordinator()
	res, err := c.Ensure(context.Background(), "rel-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StateAcquired, res.State)
}

func TestEnsureSecondCallSeesInProgress(t *testing.T) {
	c, _ := newCoordinator()
	_, err := c.Ensure(context.Background(), "rel-1", time.Hour)
	require.NoError(t, err)

	res, err := c.Ensure(context.Background(), "rel-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, res.State)
}

func TestEnsureReplaysAppliedResponse(t *testing.T) {
	c, _ := newCoordinator()
	ctx := context.Background()
	_, err := c.Ensure(ctx, "rel-1", time.Hour)
	require.NoError(t, err)

	body := []byte(`{"release_uuid":"abc","state":"RELEASED"}`)
	require.NoError(t, c.MarkApplied(ctx, "rel-1", 200, body, map[string]string{"Content-Type": "application/json"}))

	res, err := c.Ensure(ctx, "rel-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StateReplay, res.State)
	require.NotNil(t, res.Response)
	assert.Equal(t, 200, res.Response.StatusCode)
	assert.Equal(t, body, res.Response.Body)
}

func TestEnsureReportsFailure(t *testing.T) {
	c, _ := newCoordinator()
	ctx := context.Background()
	_, err := c.Ensure(ctx, "rel-1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.MarkFailed(ctx, "rel-1", errors.New("rail timeout")))

	res, err := c.Ensure(ctx, "rel-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, "rail timeout", res.FailureCause)
}

func TestEnsureTakesOverExpiredKey(t *testing.T) {
	c, clock := newCoordinator()
	ctx := context.Background()
	_, err := c.Ensure(ctx, "rel-1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.MarkFailed(ctx, "rel-1", errors.New("rail timeout")))

	clock.Advance(2 * time.Hour)
	res, err := c.Ensure(ctx, "rel-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StateAcquired, res.State)
}

func TestEnsureLostExpiredTakeoverYieldsToWinner(t *testing.T) {
	clock := &adapter.FixedClock{Instant: time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)}
	contended := &contendedStore{Store: store.NewMemoryStore()}
	c := NewCoordinator(contended, clock)
	ctx := context.Background()

	_, err := c.Ensure(ctx, "rel-1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.MarkFailed(ctx, "rel-1", errors.New("rail timeout")))

	// both callers see the expired row; only the rival's guarded write lands,
	// so this caller must observe the rival's in-flight attempt
	clock.Advance(2 * time.Hour)
	res, err := c.Ensure(ctx, "rel-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, res.State)
}

func TestRetryLostRaceYieldsToWinner(t *testing.T) {
	clock := &adapter.FixedClock{Instant: time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)}
	contended := &contendedStore{Store: store.NewMemoryStore()}
	c := NewCoordinator(contended, clock)
	ctx := context.Background()

	_, err := c.Ensure(ctx, "rel-1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.MarkFailed(ctx, "rel-1", errors.New("rail timeout")))

	res, err := c.Retry(ctx, "rel-1")
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, res.State)
}

func TestEnsureRaceAdmitsExactlyOne(t *testing.T) {
	c, _ := newCoordinator()
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	states := make([]State, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Ensure(ctx, "rel-racy", time.Hour)
			require.NoError(t, err)
			states[i] = res.State
		}(i)
	}
	wg.Wait()

	var acquired int
	for _, s := range states {
		switch s {
		case StateAcquired:
			acquired++
		case StateInProgress:
		default:
			t.Fatalf("unexpected state %q", s)
		}
	}
	assert.Equal(t, 1, acquired)
}

func TestPurgeExpiredDropsOnlyExpiredKeys(t *testing.T) {
	c, clock := newCoordinator()
	ctx := context.Background()

	_, err := c.Ensure(ctx, "short", time.Minute)
	require.NoError(t, err)
	_, err = c.Ensure(ctx, "long", 24*time.Hour)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	deleted, err := c.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	res, err := c.Ensure(ctx, "long", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, res.State)

	res, err = c.Ensure(ctx, "short", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StateAcquired, res.State)
}
