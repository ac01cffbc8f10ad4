package bankrail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodix/remitter/internal/adapter"
	"github.com/custodix/remitter/internal/domain"
)

func newSim() (*Simulator, *adapter.FixedClock) {
	clock := &adapter.FixedClock{Instant: time.Date(2025, 4, 28, 12, 0, 0, 0, time.UTC)}
	return NewSimulator(clock), clock
}

func TestSimulatorIdempotentPerKey(t *testing.T) {
	sim, clock := newSim()
	ctx := context.Background()
	dest := Destination{BSB: "062-000", AccountNumber: "12345678"}

	first, err := sim.EFT(ctx, 30_000, "rel-1", "ATO PAYGW 2025Q1", dest)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	second, err := sim.EFT(ctx, 30_000, "rel-1", "ATO PAYGW 2025Q1", dest)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSimulatorDeterministicRef(t *testing.T) {
	simA, _ := newSim()
	simB, _ := newSim()
	ctx := context.Background()

	a, err := simA.BPAY(ctx, 10_000, "rel-2", "ref", Destination{BillerCode: "75556", CRN: "1234567890"})
	require.NoError(t, err)
	b, err := simB.BPAY(ctx, 10_000, "rel-2", "ref", Destination{BillerCode: "75556", CRN: "1234567890"})
	require.NoError(t, err)
	assert.Equal(t, a.ProviderRef, b.ProviderRef)

	other, err := simA.BPAY(ctx, 10_000, "rel-3", "ref", Destination{BillerCode: "75556", CRN: "1234567890"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ProviderRef, other.ProviderRef)
}

func TestSimulatorFailureInjection(t *testing.T) {
	sim, _ := newSim()
	ctx := context.Background()
	railErr := errors.New("rail unavailable")
	sim.InjectFailure(railErr, 1)

	_, err := sim.PayToSweep(ctx, 5_000, "rel-4", "ref", Destination{})
	assert.ErrorIs(t, err, railErr)

	receipt, err := sim.PayToSweep(ctx, 5_000, "rel-4", "ref", Destination{})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.ProviderRef)
}

func TestRetryRailRecoversFromSingleFailure(t *testing.T) {
	sim, _ := newSim()
	sim.InjectFailure(errors.New("transient 503"), 1)
	rail := NewRetryRail(sim, time.Minute)

	receipt, err := rail.EFT(context.Background(), 30_000, "rel-5", "ref", Destination{})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.ProviderRef)
}

func TestRetryRailGivesUpAfterRetry(t *testing.T) {
	sim, _ := newSim()
	railErr := errors.New("rail down")
	sim.InjectFailure(railErr, 5)
	rail := NewRetryRail(sim, time.Minute)

	_, err := rail.EFT(context.Background(), 30_000, "rel-6", "ref", Destination{})
	assert.ErrorIs(t, err, railErr)
}

func TestDispatchRoutesByRail(t *testing.T) {
	sim, _ := newSim()
	ctx := context.Background()

	eft, err := Dispatch(ctx, sim, domain.RailEFT, 1_000, "d-1", "ref", Destination{})
	require.NoError(t, err)
	assert.Contains(t, eft.ProviderRef, "SIM-EFT-")

	bpay, err := Dispatch(ctx, sim, domain.RailBPAY, 1_000, "d-2", "ref", Destination{})
	require.NoError(t, err)
	assert.Contains(t, bpay.ProviderRef, "SIM-BPAY-")

	_, err = Dispatch(ctx, sim, domain.Rail("CHEQUE"), 1_000, "d-3", "ref", Destination{})
	assert.Error(t, err)
}

func TestShadowRailShadowFailureDoesNotAffectPrimary(t *testing.T) {
	primary, _ := newSim()
	shadowSim, _ := newSim()
	shadowSim.InjectFailure(errors.New("shadow down"), 10)

	rail := NewShadowRail(primary, shadowSim)
	defer rail.Stop()

	receipt, err := rail.EFT(context.Background(), 2_000, "rel-7", "ref", Destination{})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.ProviderRef)
}
