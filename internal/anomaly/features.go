package anomaly

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"
)

// Event is one raw reconciliation observation fed to the gate: a ledger
// movement joined with whatever bank-side context is known at close time.
type Event struct {
	AmountCents int64
	OccurredAt  time.Time
	Channel     string
	Payer       string
	PeriodState string
	Valid       bool
}

// featureDims is the width of a vectorized event
const featureDims = 7

// vectorize maps an event onto numeric dimensions: signed log-magnitude
// amount, hour of day, day of week, hashed categoricals on the unit interval,
// and the validity flag as 0/1.
func vectorize(e Event) []float64 {
	return []float64{
		signedLogAmount(e.AmountCents),
		float64(e.OccurredAt.Hour()),
		float64(e.OccurredAt.Weekday()),
		hashToUnit(e.Channel),
		hashToUnit(e.Payer),
		hashToUnit(e.PeriodState),
		boolToFloat(e.Valid),
	}
}

// signedLogAmount compresses cent amounts with log1p while preserving sign
func signedLogAmount(cents int64) float64 {
	v := math.Log1p(math.Abs(float64(cents)))
	if cents < 0 {
		return -v
	}
	return v
}

// hashToUnit maps a categorical value deterministically onto [0,1)
func hashToUnit(s string) float64 {
	sum := sha256.Sum256([]byte(s))
	return float64(binary.BigEndian.Uint64(sum[:8])) / float64(math.MaxUint64)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// scaleMinMax rescales each dimension across the batch onto [0,1].
// A degenerate dimension, where every observation agrees, maps to 0.5 so it
// contributes no separation.
func scaleMinMax(rows [][]float64) [][]float64 {
	if len(rows) == 0 {
		return rows
	}
	dims := len(rows[0])
	mins := make([]float64, dims)
	maxs := make([]float64, dims)
	for d := 0; d < dims; d++ {
		mins[d] = math.Inf(1)
		maxs[d] = math.Inf(-1)
	}
	for _, row := range rows {
		for d, v := range row {
			mins[d] = math.Min(mins[d], v)
			maxs[d] = math.Max(maxs[d], v)
		}
	}

	out := make([][]float64, len(rows))
	for i, row := range rows {
		scaled := make([]float64, dims)
		for d, v := range row {
			span := maxs[d] - mins[d]
			if span == 0 {
				scaled[d] = 0.5
				continue
			}
			scaled[d] = (v - mins[d]) / span
		}
		out[i] = scaled
	}
	return out
}
