package anomaly

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// defaultTrees is the ensemble size when the caller does not override it
const defaultTrees = 100

// Vector is the aggregate reconciliation signal set derived freshly at each
// close attempt. It is persisted on the period row alongside the thresholds
// the gate evaluated it against.
type Vector struct {
	VarianceRatio   float64 `json:"variance_ratio"`
	DupRate         float64 `json:"dup_rate"`
	GapMinutes      float64 `json:"gap_minutes"`
	DeltaVsBaseline float64 `json:"delta_vs_baseline"`
}

// Thresholds configures the gate: a period blocks when any vector component
// exceeds its threshold. Zero-valued components are not enforced.
type Thresholds struct {
	VarianceRatio   float64 `json:"variance_ratio"`
	DupRate         float64 `json:"dup_rate"`
	GapMinutes      float64 `json:"gap_minutes"`
	DeltaVsBaseline float64 `json:"delta_vs_baseline"`
}

// DefaultThresholds are the gate limits applied when config supplies none
var DefaultThresholds = Thresholds{
	VarianceRatio:   2.5,
	DupRate:         0.25,
	GapMinutes:      72 * 60,
	DeltaVsBaseline: 0.5,
}

// Assessment is the outcome of one gate evaluation
type Assessment struct {
	Vector  Vector
	Score   float64
	Blocked bool
	Reasons []string
}

// Gate scores a period's reconciliation events with an isolation forest plus
// a duplicate-detection heuristic and decides whether close may proceed.
type Gate struct {
	thresholds Thresholds
	trees      int
	seed       int64
}

// NewGate creates a gate with the given thresholds and a deterministic seed
func NewGate(thresholds Thresholds, seed int64) *Gate {
	return &Gate{thresholds: thresholds, trees: defaultTrees, seed: seed}
}

// Thresholds returns the configured limits for persistence on the period row
func (g *Gate) Thresholds() Thresholds {
	return g.thresholds
}

// Evaluate derives the aggregate vector from the period's events, scores each
// event as max(isolation score, duplicate score), and blocks when any
// configured threshold is breached. baselineCents is the prior-period
// credited total from the key-value store; zero means no baseline yet.
func (g *Gate) Evaluate(events []Event, creditedCents, baselineCents int64) Assessment {
	vector := g.deriveVector(events, creditedCents, baselineCents)
	score := g.maxEventScore(events)

	var reasons []string
	check := func(name string, value, limit float64) {
		if limit > 0 && value > limit {
			reasons = append(reasons, fmt.Sprintf("%s %.4f exceeds %.4f", name, value, limit))
		}
	}
	check("variance_ratio", vector.VarianceRatio, g.thresholds.VarianceRatio)
	check("dup_rate", vector.DupRate, g.thresholds.DupRate)
	check("gap_minutes", vector.GapMinutes, g.thresholds.GapMinutes)
	check("delta_vs_baseline", vector.DeltaVsBaseline, g.thresholds.DeltaVsBaseline)

	return Assessment{
		Vector:  vector,
		Score:   score,
		Blocked: len(reasons) > 0,
		Reasons: reasons,
	}
}

func (g *Gate) deriveVector(events []Event, creditedCents, baselineCents int64) Vector {
	var vector Vector
	if len(events) == 0 {
		return vector
	}

	// variance ratio: coefficient of variation of absolute amounts
	var sum, sumSq float64
	for _, e := range events {
		v := math.Abs(float64(e.AmountCents))
		sum += v
		sumSq += v * v
	}
	n := float64(len(events))
	mean := sum / n
	if mean > 0 {
		variance := sumSq/n - mean*mean
		if variance < 0 {
			variance = 0
		}
		vector.VarianceRatio = math.Sqrt(variance) / mean
	}

	// dup rate: fraction of events sharing a duplicate key with another event
	counts := duplicateCounts(events)
	var dup int
	for _, e := range events {
		if counts[duplicateKey(e)] > 1 {
			dup++
		}
	}
	vector.DupRate = float64(dup) / n

	// gap: widest silence between consecutive events
	times := make([]time.Time, len(events))
	for i, e := range events {
		times[i] = e.OccurredAt
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1]).Minutes()
		if gap > vector.GapMinutes {
			vector.GapMinutes = gap
		}
	}

	if baselineCents > 0 {
		vector.DeltaVsBaseline = math.Abs(float64(creditedCents-baselineCents)) / float64(baselineCents)
	}
	return vector
}

// maxEventScore vectorizes and scales the batch, scores it with a forest
// seeded deterministically, and folds in the duplicate heuristic per event
func (g *Gate) maxEventScore(events []Event) float64 {
	if len(events) == 0 {
		return 0
	}

	rows := make([][]float64, len(events))
	for i, e := range events {
		rows[i] = vectorize(e)
	}
	rows = scaleMinMax(rows)
	f := buildForest(rows, g.trees, g.seed)

	counts := duplicateCounts(events)
	var max float64
	for i, e := range events {
		s := f.score(rows[i])
		if d := duplicateScore(counts[duplicateKey(e)]); d > s {
			s = d
		}
		if s > max {
			max = s
		}
	}
	return max
}

// duplicateScore is 1 - e^(-0.75*(dupCount-1)); a unique event scores 0
func duplicateScore(dupCount int) float64 {
	if dupCount <= 1 {
		return 0
	}
	return 1 - math.Exp(-0.75*float64(dupCount-1))
}

// duplicateKey normalizes an event for duplicate detection: payer, channel,
// period state, day and hour bucket, amount rounded to the nearest dollar,
// and the validity flag
func duplicateKey(e Event) string {
	rounded := (e.AmountCents + 50) / 100
	if e.AmountCents < 0 {
		rounded = (e.AmountCents - 50) / 100
	}
	return fmt.Sprintf("%s|%s|%s|%s|%d|%t",
		e.Payer, e.Channel, e.PeriodState,
		e.OccurredAt.Format("2006-01-02T15"), rounded, e.Valid)
}

func duplicateCounts(events []Event) map[string]int {
	counts := make(map[string]int, len(events))
	for _, e := range events {
		counts[duplicateKey(e)]++
	}
	return counts
}
