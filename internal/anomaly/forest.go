package anomaly

import (
	"math"
	"math/rand"
)

// eulerMascheroni is the constant in the harmonic-number approximation
const eulerMascheroni = 0.5772156649

// forest is an isolation forest: an ensemble of randomized binary partition
// trees whose average path length to a point yields its anomaly score.
type forest struct {
	trees      []*isoNode
	sampleSize int
}

type isoNode struct {
	splitDim int
	splitVal float64
	left     *isoNode
	right    *isoNode
	size     int
	external bool
}

// buildForest grows numTrees trees over random subsamples of rows. The seed
// makes scoring reproducible for a given batch.
func buildForest(rows [][]float64, numTrees int, seed int64) *forest {
	n := len(rows)
	sampleSize := int(math.Ceil(0.75 * float64(n)))
	if sampleSize > 128 {
		sampleSize = 128
	}
	if sampleSize < 1 {
		sampleSize = 1
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))
	if maxDepth < 1 {
		maxDepth = 1
	}

	rng := rand.New(rand.NewSource(seed))
	trees := make([]*isoNode, 0, numTrees)
	for t := 0; t < numTrees; t++ {
		sample := make([][]float64, sampleSize)
		for i := range sample {
			sample[i] = rows[rng.Intn(n)]
		}
		trees = append(trees, growTree(sample, 0, maxDepth, rng))
	}
	return &forest{trees: trees, sampleSize: sampleSize}
}

func growTree(rows [][]float64, depth, maxDepth int, rng *rand.Rand) *isoNode {
	if depth >= maxDepth || len(rows) <= 1 {
		return &isoNode{size: len(rows), external: true}
	}

	dim := rng.Intn(len(rows[0]))
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, row := range rows {
		lo = math.Min(lo, row[dim])
		hi = math.Max(hi, row[dim])
	}
	if lo == hi {
		return &isoNode{size: len(rows), external: true}
	}
	split := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, row := range rows {
		if row[dim] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	return &isoNode{
		splitDim: dim,
		splitVal: split,
		left:     growTree(left, depth+1, maxDepth, rng),
		right:    growTree(right, depth+1, maxDepth, rng),
	}
}

// score returns the point's anomaly score 2^(-avgPath/c(sampleSize)),
// clamped to [0,1]. Higher means more isolated.
func (f *forest) score(point []float64) float64 {
	if len(f.trees) == 0 {
		return 0
	}
	var total float64
	for _, tree := range f.trees {
		total += pathLength(tree, point, 0)
	}
	avg := total / float64(len(f.trees))
	c := cFactor(f.sampleSize)
	if c == 0 {
		return 0
	}
	s := math.Pow(2, -avg/c)
	return math.Min(1, math.Max(0, s))
}

func pathLength(node *isoNode, point []float64, depth float64) float64 {
	if node.external {
		return depth + cFactor(node.size)
	}
	if point[node.splitDim] < node.splitVal {
		return pathLength(node.left, point, depth+1)
	}
	return pathLength(node.right, point, depth+1)
}

// cFactor is the expected path length of an unsuccessful BST search over n
// nodes: c(n) = 2H(n-1) - 2(n-1)/n, with H(m) ~ ln(m) + Euler-Mascheroni
func cFactor(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	m := float64(n - 1)
	h := math.Log(m) + eulerMascheroni
	return 2*h - 2*m/float64(n)
}
