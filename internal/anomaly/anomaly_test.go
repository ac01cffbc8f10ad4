package anomaly

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func steadyEvents(n int) []Event {
	base := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	events := make([]Event, n)
	for i := range events {
		events[i] = Event{
			AmountCents: 50_000 + int64(i%5)*1_000,
			OccurredAt:  base.Add(time.Duration(i) * 6 * time.Hour),
			Channel:     "payroll",
			Payer:       "employer-1",
			PeriodState: "OPEN",
			Valid:       true,
		}
	}
	return events
}

func TestCFactor(t *testing.T) {
	assert.Zero(t, cFactor(0))
	assert.Zero(t, cFactor(1))
	assert.Equal(t, 1.0, cFactor(2))
	// c(256) ~ 10.24 per the harmonic approximation
	assert.InDelta(t, 10.24, cFactor(256), 0.1)
	assert.Greater(t, cFactor(128), cFactor(64))
}

func TestDuplicateScore(t *testing.T) {
	assert.Zero(t, duplicateScore(0))
	assert.Zero(t, duplicateScore(1))
	assert.InDelta(t, 1-math.Exp(-0.75), duplicateScore(2), 1e-12)
	assert.InDelta(t, 1-math.Exp(-2.25), duplicateScore(4), 1e-12)
	assert.Less(t, duplicateScore(2), duplicateScore(3))
}

func TestScaleMinMaxDegenerateDimension(t *testing.T) {
	rows := scaleMinMax([][]float64{
		{1, 7, 0},
		{2, 7, 10},
		{3, 7, 5},
	})
	for _, row := range rows {
		assert.Equal(t, 0.5, row[1])
	}
	assert.Equal(t, 0.0, rows[0][0])
	assert.Equal(t, 1.0, rows[2][0])
	assert.Equal(t, 1.0, rows[1][2])
}

func TestSignedLogAmount(t *testing.T) {
	assert.Zero(t, signedLogAmount(0))
	assert.Greater(t, signedLogAmount(100_000), signedLogAmount(100))
	assert.Equal(t, -signedLogAmount(5_000), signedLogAmount(-5_000))
}

func TestHashToUnitStableAndBounded(t *testing.T) {
	a := hashToUnit("payroll")
	assert.Equal(t, a, hashToUnit("payroll"))
	assert.NotEqual(t, a, hashToUnit("adhoc"))
	assert.GreaterOrEqual(t, a, 0.0)
	assert.Less(t, a, 1.0)
}

func TestForestScoresOutlierAboveInliers(t *testing.T) {
	events := steadyEvents(40)
	events = append(events, Event{
		AmountCents: 9_000_000,
		OccurredAt:  time.Date(2025, 3, 9, 3, 0, 0, 0, time.UTC),
		Channel:     "adhoc",
		Payer:       "unknown",
		PeriodState: "OPEN",
		Valid:       false,
	})

	rows := make([][]float64, len(events))
	for i, e := range events {
		rows[i] = vectorize(e)
	}
	rows = scaleMinMax(rows)
	f := buildForest(rows, defaultTrees, 42)

	outlier := f.score(rows[len(rows)-1])
	var inlierMax float64
	for _, row := range rows[:len(rows)-1] {
		if s := f.score(row); s > inlierMax {
			inlierMax = s
		}
	}
	assert.Greater(t, outlier, inlierMax)
	assert.LessOrEqual(t, outlier, 1.0)
}

func TestForestDeterministicForSeed(t *testing.T) {
	events := steadyEvents(30)
	rows := make([][]float64, len(events))
	for i, e := range events {
		rows[i] = vectorize(e)
	}
	rows = scaleMinMax(rows)

	a := buildForest(rows, defaultTrees, 7).score(rows[0])
	b := buildForest(rows, defaultTrees, 7).score(rows[0])
	assert.Equal(t, a, b)
}

func TestGatePassesSteadyPeriod(t *testing.T) {
	gate := NewGate(DefaultThresholds, 1)
	res := gate.Evaluate(steadyEvents(20), 1_050_000, 1_000_000)
	assert.False(t, res.Blocked, "reasons: %v", res.Reasons)
	assert.LessOrEqual(t, res.Score, 1.0)
	assert.Less(t, res.Vector.DeltaVsBaseline, 0.1)
}

func TestGateBlocksOnDuplicateFlood(t *testing.T) {
	base := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	events := steadyEvents(10)
	for i := 0; i < 10; i++ {
		events = append(events, Event{
			AmountCents: 50_000,
			OccurredAt:  base.Add(time.Duration(i) * time.Minute),
			Channel:     "payroll",
			Payer:       "employer-1",
			PeriodState: "OPEN",
			Valid:       true,
		})
	}

	gate := NewGate(DefaultThresholds, 1)
	res := gate.Evaluate(events, 1_000_000, 1_000_000)
	require.True(t, res.Blocked)
	assert.Greater(t, res.Vector.DupRate, DefaultThresholds.DupRate)
	assert.Greater(t, res.Score, 0.9)
}

func TestGateBlocksOnBaselineDelta(t *testing.T) {
	gate := NewGate(DefaultThresholds, 1)
	res := gate.Evaluate(steadyEvents(20), 5_000_000, 1_000_000)
	require.True(t, res.Blocked)
	assert.Greater(t, res.Vector.DeltaVsBaseline, DefaultThresholds.DeltaVsBaseline)
}

func TestGateEmptyBatch(t *testing.T) {
	gate := NewGate(DefaultThresholds, 1)
	res := gate.Evaluate(nil, 0, 0)
	assert.False(t, res.Blocked)
	assert.Zero(t, res.Score)
	assert.Zero(t, res.Vector)
}
