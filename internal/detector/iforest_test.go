package detector

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"reflect"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newForest(seed uint64) *IsolationForestDetector {
	return NewIsolationForestDetector(IsolationForestConfig{NumTrees: 50, SampleSize: 128}, rand.New(rand.NewPCG(seed, seed)))
}

func TestIsolationForestNotTrained(t *testing.T) {
	d := newForest(1)
	if _, err := d.Score(candidate(100, "US", domain.ChannelPOS)); !errors.Is(err, domain.ErrNotTrained) {
		t.Errorf("expected ErrNotTrained, got %v", err)
	}
	if err := d.Train(context.Background(), nil); !errors.Is(err, domain.ErrEmptyDataset) {
		t.Errorf("expected ErrEmptyDataset, got %v", err)
	}
}

func TestIsolationForestReproducible(t *testing.T) {
	txs := corpus(300)

	a, b := newForest(42), newForest(42)
	if err := a.Train(context.Background(), txs); err != nil {
		t.Fatalf("train a: %v", err)
	}
	if err := b.Train(context.Background(), txs); err != nil {
		t.Fatalf("train b: %v", err)
	}

	pa, _ := a.Params()
	pb, _ := b.Params()
	if !reflect.DeepEqual(pa.Trees, pb.Trees) {
		t.Fatal("same seed produced different forests")
	}

	p := candidate(400, "FR", domain.ChannelATM)
	sa, _ := a.Score(p)
	sb, _ := b.Score(p)
	if sa != sb {
		t.Errorf("same seed produced different scores: %v vs %v", sa, sb)
	}

	c := newForest(43)
	if err := c.Train(context.Background(), txs); err != nil {
		t.Fatalf("train c: %v", err)
	}
	pc, _ := c.Params()
	if reflect.DeepEqual(pa.Trees, pc.Trees) {
		t.Error("different seeds produced identical forests")
	}
}

func TestIsolationForestSeparatesOutliers(t *testing.T) {
	txs := corpus(256)
	d := newForest(42)
	if err := d.Train(context.Background(), txs); err != nil {
		t.Fatalf("train failed: %v", err)
	}

	var avg float64
	for i := range txs {
		s, err := d.Score(&txs[i])
		if err != nil {
			t.Fatalf("score failed: %v", err)
		}
		if s < 0 || s > 1 {
			t.Fatalf("score %v out of range", s)
		}
		avg += s
	}
	avg /= float64(len(txs))

	outlier, _ := d.Score(candidate(50000, "NZ", domain.ChannelWire))
	if outlier <= avg {
		t.Errorf("expected outlier score %v above corpus average %v", outlier, avg)
	}
}

func TestIsolationForestParams(t *testing.T) {
	d := newForest(3)
	if err := d.Train(context.Background(), corpus(40)); err != nil {
		t.Fatalf("train failed: %v", err)
	}

	p, ok := d.Params()
	if !ok {
		t.Fatal("expected params after training")
	}
	if p.SubsampleSize != 40 {
		t.Errorf("expected subsample capped at corpus size 40, got %d", p.SubsampleSize)
	}
	if p.MaxDepth != 7 {
		t.Errorf("expected max depth ceil(log2(128)) = 7, got %d", p.MaxDepth)
	}
	if len(p.Trees) != 50 {
		t.Errorf("expected 50 trees, got %d", len(p.Trees))
	}

	var sum float64
	for _, name := range FeatureNames {
		v, ok := p.FeatureImportance[name]
		if !ok {
			t.Errorf("missing importance for %s", name)
		}
		sum += v
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("expected importances to sum to 1, got %v", sum)
	}
}

func TestIsolationForestSmallCorpusNormalizer(t *testing.T) {
	d := newForest(9)
	if err := d.Train(context.Background(), corpus(50)); err != nil {
		t.Fatalf("train failed: %v", err)
	}
	p, _ := d.Params()

	x := candidate(400, "FR", domain.ChannelATM)
	v := d.features.Transform(x)
	var total float64
	for i := range p.Trees {
		total += pathLength(&p.Trees[i], v)
	}
	want := math.Pow(2, -(total/float64(len(p.Trees)))/averagePathLength(128))

	got, err := d.Score(x)
	if err != nil {
		t.Fatalf("score failed: %v", err)
	}
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("expected score normalized by c(128) = %v, got %v", want, got)
	}
	if wrong := math.Pow(2, -(total/float64(len(p.Trees)))/averagePathLength(50)); math.Abs(got-wrong) < 1e-12 {
		t.Errorf("score %v normalized by the corpus size instead of the sample size", got)
	}
}

func TestIsolationForestSinglePoint(t *testing.T) {
	d := newForest(1)
	if err := d.Train(context.Background(), corpus(1)); err != nil {
		t.Fatalf("train failed: %v", err)
	}
	s, err := d.Score(candidate(1e6, "NZ", domain.ChannelWire))
	if err != nil {
		t.Fatalf("score failed: %v", err)
	}
	// every tree is a single leaf of size 1, so the path length is 0
	if s != 1 {
		t.Errorf("expected 1 from a single-point forest, got %v", s)
	}

	one := NewIsolationForestDetector(IsolationForestConfig{NumTrees: 5, SampleSize: 1}, rand.New(rand.NewPCG(1, 1)))
	if err := one.Train(context.Background(), corpus(10)); err != nil {
		t.Fatalf("train failed: %v", err)
	}
	if s, _ := one.Score(candidate(100, "US", domain.ChannelPOS)); s != 0.5 {
		t.Errorf("expected 0.5 when c(sampleSize) is 0, got %v", s)
	}
}

func TestIsolationForestFromParamsRejectsBadTrees(t *testing.T) {
	tests := []struct {
		name  string
		nodes []domain.TreeNode
	}{
		{"empty", nil},
		{"self reference", []domain.TreeNode{{Feature: 0, Split: 0.5, Left: 0, Right: 1}, {Leaf: true, Size: 1}}},
		{"back reference", []domain.TreeNode{
			{Feature: 0, Split: 0.5, Left: 1, Right: 2},
			{Feature: 1, Split: 0.5, Left: 0, Right: 2},
			{Leaf: true, Size: 1},
		}},
		{"out of range", []domain.TreeNode{{Feature: 0, Split: 0.5, Left: 1, Right: 5}, {Leaf: true, Size: 1}}},
		{"bad feature", []domain.TreeNode{{Feature: NumFeatures, Split: 0.5, Left: 1, Right: 2}, {Leaf: true}, {Leaf: true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := domain.IsolationForestParams{NumTrees: 1, SampleSize: 128, Trees: []domain.Tree{{Nodes: tt.nodes}}}
			if _, err := NewIsolationForestDetectorFromParams(p); !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	d := newForest(2)
	if err := d.Train(context.Background(), corpus(60)); err != nil {
		t.Fatalf("train failed: %v", err)
	}
	p, _ := d.Params()
	if _, err := NewIsolationForestDetectorFromParams(p); err != nil {
		t.Errorf("trained forest rejected: %v", err)
	}
}

func TestIsolationForestExplain(t *testing.T) {
	d := newForest(5)
	if err := d.Train(context.Background(), corpus(100)); err != nil {
		t.Fatalf("train failed: %v", err)
	}

	factors := d.Explain(candidate(50000, "US", domain.ChannelPOS))
	if len(factors) == 0 || len(factors) > 5 {
		t.Fatalf("expected between 1 and 5 factors, got %d", len(factors))
	}
	if factors[0].Factor != "AMOUNT" {
		t.Errorf("expected AMOUNT to lead, got %s", factors[0].Factor)
	}
	for i, f := range factors {
		if f.Weight > 1 {
			t.Errorf("factor %s weight %v above 1", f.Factor, f.Weight)
		}
		if i > 0 && f.Weight > factors[i-1].Weight {
			t.Errorf("factors not sorted by weight: %v", factors)
		}
	}
}
