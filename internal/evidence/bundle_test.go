package evidence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodix/remitter/internal/adapter"
	"github.com/custodix/remitter/internal/anomaly"
	"github.com/custodix/remitter/internal/bankrail"
	"github.com/custodix/remitter/internal/domain"
	"github.com/custodix/remitter/internal/idempotency"
	"github.com/custodix/remitter/internal/ledger"
	"github.com/custodix/remitter/internal/release"
	"github.com/custodix/remitter/internal/rpt"
	"github.com/custodix/remitter/internal/store"
	"github.com/custodix/remitter/internal/store/schema"
)

func releasedPeriod(t *testing.T) (store.Store, *ledger.Auditor, *adapter.FixedClock, domain.PeriodKey) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	clock := &adapter.FixedClock{Instant: time.Date(2025, 4, 28, 10, 0, 0, 0, time.UTC)}
	jcs := adapter.NewJCS()
	auditor := ledger.NewAuditor(jcs)

	keys := rpt.NewKeyStore(s)
	_, err := keys.Bootstrap(ctx)
	require.NoError(t, err)

	key := domain.PeriodKey{ABN: "51824753556", TaxType: domain.TaxTypePAYGW, PeriodID: "2025Q1"}
	require.NoError(t, s.UpsertDestination(ctx, &schema.Destination{
		ABN: key.ABN, Rail: domain.RailEFT, BSB: "062-000", AccountNumber: "12345678", Allowed: true,
	}))

	orch := release.NewOrchestrator(release.Deps{
		Store:        s,
		Rail:         bankrail.NewSimulator(clock),
		Gate:         anomaly.NewGate(anomaly.DefaultThresholds, 1),
		Issuer:       rpt.NewIssuer(keys, jcs, clock, rpt.DefaultTTL),
		Verifier:     rpt.NewVerifier(s, keys, clock),
		Idempotency:  idempotency.NewCoordinator(s, clock),
		Auditor:      auditor,
		Clock:        clock,
		RatesVersion: "rates-2025.1",
	})

	_, err = orch.Deposit(ctx, key, 30_000, 50_000, "")
	require.NoError(t, err)
	_, err = orch.Deposit(ctx, key, 20_000, 0, "")
	require.NoError(t, err)
	_, err = orch.Close(ctx, key)
	require.NoError(t, err)

	period, err := s.GetPeriod(ctx, key)
	require.NoError(t, err)
	token, err := s.GetIssuedRPTForPeriod(ctx, period.ID)
	require.NoError(t, err)

	_, err = orch.Release(ctx, release.ReleaseRequest{
		Key: key, Rail: domain.RailEFT, Token: token.Compact, IdempotencyKey: "rel-1",
	})
	require.NoError(t, err)
	return s, auditor, clock, key
}

func TestBuildBundleForReleasedPeriod(t *testing.T) {
	s, auditor, clock, key := releasedPeriod(t)
	builder := NewBuilder(s, auditor, clock)

	bundle, err := builder.Build(context.Background(), key)
	require.NoError(t, err)

	assert.Equal(t, domain.PeriodStateReleased, bundle.State)
	assert.True(t, bundle.ChainVerified)
	assert.Len(t, bundle.Entries, 3)
	assert.Equal(t, int64(-50_000), bundle.Entries[2].AmountCents)
	assert.Zero(t, bundle.Entries[2].BalanceAfterCents)

	require.NotNil(t, bundle.RPT)
	assert.Equal(t, schema.RPTStatusConsumed, bundle.RPT.Status)
	assert.NotEmpty(t, bundle.RPT.Compact)
	assert.NotEmpty(t, bundle.RPT.Payload)

	require.Len(t, bundle.Settlements, 1)
	assert.Equal(t, schema.SettlementPending, bundle.Settlements[0].Status)

	assert.Equal(t, int64(50_000), bundle.BASLabels["W2"])
	assert.Empty(t, bundle.Discrepancy)
}

func TestBuildBundleUnknownPeriod(t *testing.T) {
	s := store.NewMemoryStore()
	clock := &adapter.FixedClock{Instant: time.Now()}
	builder := NewBuilder(s, ledger.NewAuditor(adapter.NewJCS()), clock)

	_, err := builder.Build(context.Background(), domain.PeriodKey{
		ABN: "00000000000", TaxType: domain.TaxTypePAYGW, PeriodID: "2025Q1",
	})
	assert.ErrorIs(t, err, domain.ErrPeriodNotFound)
}

func TestBuildBundleRejectsRootMismatch(t *testing.T) {
	s, auditor, clock, key := releasedPeriod(t)
	ctx := context.Background()

	period, err := s.GetPeriod(ctx, key)
	require.NoError(t, err)
	period.MerkleRoot = "deadbeef"
	require.NoError(t, s.UpdatePeriod(ctx, period))

	builder := NewBuilder(s, auditor, clock)
	_, err = builder.Build(ctx, key)
	assert.ErrorIs(t, err, domain.ErrChainIntegrity)
}
