package detector

import (
	"context"
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	DefaultNumTrees   = 100
	DefaultSampleSize = 256

	// eulerGamma is the Euler-Mascheroni constant.
	eulerGamma = 0.5772156649

	extremeHigh     = 0.8
	extremeLow      = 0.2
	maxForestFactor = 5
)

// IsolationForestConfig holds forest hyperparameters.
type IsolationForestConfig struct {
	NumTrees   int
	SampleSize int
	Threshold  float64

	// MaxWorkers bounds concurrent tree construction (0 = runtime.NumCPU()).
	MaxWorkers int
}

// IsolationForestDetector scores transactions by how quickly random
// axis-aligned splits isolate them.
type IsolationForestDetector struct {
	cfg      IsolationForestConfig
	rng      *rand.Rand
	features *FeatureExtractor
	params   *domain.IsolationForestParams
}

// NewIsolationForestDetector creates a forest whose construction draws all
// randomness from rng. Two detectors given generators with the same seed
// build identical forests from the same corpus.
func NewIsolationForestDetector(cfg IsolationForestConfig, rng *rand.Rand) *IsolationForestDetector {
	if cfg.NumTrees <= 0 {
		cfg.NumTrees = DefaultNumTrees
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = DefaultSampleSize
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(0, 0))
	}
	return &IsolationForestDetector{cfg: cfg, rng: rng}
}

// NewIsolationForestDetectorFromParams restores a trained forest. Trees
// whose child references do not point forward within the node slice are
// rejected.
func NewIsolationForestDetectorFromParams(p domain.IsolationForestParams) (*IsolationForestDetector, error) {
	for i := range p.Trees {
		if err := checkTree(&p.Trees[i]); err != nil {
			return nil, fmt.Errorf("%w: tree %d: %v", domain.ErrInvalidInput, i, err)
		}
	}

	d := NewIsolationForestDetector(IsolationForestConfig{
		NumTrees:   p.NumTrees,
		SampleSize: p.SampleSize,
		Threshold:  p.Threshold,
	}, nil)
	d.features = newFeatureExtractorFrom(p.Encoding)
	d.params = copyForestParams(&p)
	return d, nil
}

// checkTree guarantees pathLength terminates and stays in bounds.
func checkTree(t *domain.Tree) error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("no nodes")
	}
	for i, n := range t.Nodes {
		if n.Leaf {
			continue
		}
		if n.Feature < 0 || n.Feature >= NumFeatures {
			return fmt.Errorf("node %d: feature %d out of range", i, n.Feature)
		}
		for _, child := range [2]int{n.Left, n.Right} {
			if child <= i || child >= len(t.Nodes) {
				return fmt.Errorf("node %d: child %d out of range", i, child)
			}
		}
	}
	return nil
}

func (d *IsolationForestDetector) Name() string  { return "isolation_forest" }
func (d *IsolationForestDetector) Trained() bool { return d.params != nil }

// Train fits the feature extractor and builds the trees. Per-tree seeds are
// drawn from the detector's generator before any tree is built, so the
// result does not depend on goroutine scheduling.
func (d *IsolationForestDetector) Train(ctx context.Context, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return domain.ErrEmptyDataset
	}

	features := NewFeatureExtractor()
	features.Fit(txs)

	points := make([]Vector, len(txs))
	for i := range txs {
		points[i] = features.Transform(&txs[i])
	}

	psi := min(d.cfg.SampleSize, len(points))
	maxDepth := int(math.Ceil(math.Log2(float64(d.cfg.SampleSize))))

	seeds := make([][2]uint64, d.cfg.NumTrees)
	for i := range seeds {
		seeds[i] = [2]uint64{d.rng.Uint64(), d.rng.Uint64()}
	}

	trees := make([]domain.Tree, d.cfg.NumTrees)
	splits := make([][NumFeatures]int, d.cfg.NumTrees)

	var wg sync.WaitGroup
	sem := make(chan struct{}, d.cfg.MaxWorkers)

	for i := range trees {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return fmt.Errorf("isolation forest: %w", err)
		}

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			b := &treeBuilder{
				rng:      rand.New(rand.NewPCG(seeds[idx][0], seeds[idx][1])),
				maxDepth: maxDepth,
			}
			b.grow(bootstrap(b.rng, points, psi), 0)
			trees[idx] = domain.Tree{Nodes: b.nodes}
			splits[idx] = b.splits
		}(i)
	}

	wg.Wait()

	d.features = features
	d.params = &domain.IsolationForestParams{
		NumTrees:          d.cfg.NumTrees,
		SampleSize:        d.cfg.SampleSize,
		SubsampleSize:     psi,
		MaxDepth:          maxDepth,
		Threshold:         d.cfg.Threshold,
		FeatureImportance: importance(splits),
		Encoding:          features.Encoding(),
		Trees:             trees,
	}
	return nil
}

// bootstrap draws n points with replacement.
func bootstrap(rng *rand.Rand, points []Vector, n int) []Vector {
	sample := make([]Vector, n)
	for i := range sample {
		sample[i] = points[rng.IntN(len(points))]
	}
	return sample
}

// treeBuilder grows one isolation tree into a flat node slice.
type treeBuilder struct {
	rng      *rand.Rand
	maxDepth int
	nodes    []domain.TreeNode
	splits   [NumFeatures]int
}

func (b *treeBuilder) grow(points []Vector, depth int) int {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, domain.TreeNode{Leaf: true, Size: len(points)})

	if depth >= b.maxDepth || len(points) <= 1 {
		return idx
	}

	feature := b.rng.IntN(NumFeatures)
	lo, hi := points[0][feature], points[0][feature]
	for _, p := range points[1:] {
		lo = math.Min(lo, p[feature])
		hi = math.Max(hi, p[feature])
	}
	if lo == hi {
		return idx
	}

	split := lo + b.rng.Float64()*(hi-lo)

	var left, right []Vector
	for _, p := range points {
		if p[feature] < split {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}

	b.splits[feature]++
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[idx] = domain.TreeNode{Feature: feature, Split: split, Left: l, Right: r}
	return idx
}

// importance is each feature's share of all splits in the forest.
func importance(splits [][NumFeatures]int) map[string]float64 {
	var counts [NumFeatures]int
	total := 0
	for _, s := range splits {
		for f, n := range s {
			counts[f] += n
			total += n
		}
	}

	out := make(map[string]float64, NumFeatures)
	for f, name := range FeatureNames {
		if total > 0 {
			out[name] = float64(counts[f]) / float64(total)
		} else {
			out[name] = 0
		}
	}
	return out
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// search in a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n > 2:
		fn := float64(n)
		return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
	case n == 2:
		return 1
	default:
		return 0
	}
}

func pathLength(tree *domain.Tree, x Vector) float64 {
	i, depth := 0, 0
	for {
		n := &tree.Nodes[i]
		if n.Leaf {
			return float64(depth) + averagePathLength(n.Size)
		}
		if x[n.Feature] < n.Split {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// Score returns 2^(-E[h(x)]/c(sampleSize)). The normalizer uses the
// configured sample size even when the bootstrap was smaller.
func (d *IsolationForestDetector) Score(tx *domain.Transaction) (float64, error) {
	p := d.params
	if p == nil {
		return 0, fmt.Errorf("isolation forest: %w", domain.ErrNotTrained)
	}

	norm := averagePathLength(p.SampleSize)
	if norm == 0 || len(p.Trees) == 0 {
		return 0.5, nil
	}

	x := d.features.Transform(tx)
	var total float64
	for i := range p.Trees {
		total += pathLength(&p.Trees[i], x)
	}
	avg := total / float64(len(p.Trees))

	return clamp01(math.Pow(2, -avg/norm)), nil
}

// Explain names the features whose normalized value sits in the outer 20%
// at either end, strongest first.
func (d *IsolationForestDetector) Explain(tx *domain.Transaction) []domain.AnomalyFactor {
	if d.params == nil {
		return nil
	}

	x := d.features.Transform(tx)
	var factors []domain.AnomalyFactor
	for i, v := range x {
		if v > extremeHigh || v < extremeLow {
			factors = append(factors, domain.AnomalyFactor{
				Factor:      strings.ToUpper(FeatureNames[i]),
				Weight:      math.Min(math.Abs(v-0.5)*2, 1),
				Description: fmt.Sprintf("%s value is in extreme range", FeatureNames[i]),
			})
		}
	}
	return topFactors(factors, maxForestFactor)
}

// Params returns a copy of the trained state, trees included.
func (d *IsolationForestDetector) Params() (domain.IsolationForestParams, bool) {
	if d.params == nil {
		return domain.IsolationForestParams{}, false
	}
	return *copyForestParams(d.params), true
}

func copyForestParams(p *domain.IsolationForestParams) *domain.IsolationForestParams {
	out := *p
	out.FeatureImportance = maps.Clone(p.FeatureImportance)
	out.Encoding = newFeatureExtractorFrom(p.Encoding).enc
	out.Trees = make([]domain.Tree, len(p.Trees))
	for i, t := range p.Trees {
		out.Trees[i] = domain.Tree{Nodes: slices.Clone(t.Nodes)}
	}
	return &out
}
