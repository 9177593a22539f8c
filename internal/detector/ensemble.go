package detector

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

const (
	ModelType    = "ENSEMBLE"
	ModelVersion = "2.0.0"

	maxEnsembleFactors = 8
)

// Role decides how a member's explanations enter the ensemble.
type Role int

const (
	// RolePrimary factors are rescaled by the member's weight.
	RolePrimary Role = iota

	// RoleAuxiliary factors are passed through unscaled.
	RoleAuxiliary
)

// Member describes one ensemble slot. New is called on every retrain so
// each snapshot owns fresh detector state.
type Member struct {
	Name   string
	Weight float64
	Role   Role
	New    func() Detector
}

// Assessment is a score with its explanation, read from one snapshot.
type Assessment struct {
	Score        float64
	Factors      []domain.AnomalyFactor
	ModelVersion string
}

type trainedMember struct {
	name     string
	weight   float64
	role     Role
	detector Detector
}

// snapshot is an immutable trained ensemble.
type snapshot struct {
	meta    domain.ModelMetadata
	members []trainedMember
}

// Ensemble combines weighted detectors. Training builds a complete new
// snapshot and swaps it in atomically; scoring never observes a partially
// trained model.
type Ensemble struct {
	members         []Member
	hyperparameters map[string]any
	now             func() time.Time

	current atomic.Pointer[snapshot]
}

// Option configures an Ensemble.
type Option func(*Ensemble)

// WithHyperparameters sets the map reported in ModelMetadata.
func WithHyperparameters(h map[string]any) Option {
	return func(e *Ensemble) { e.hyperparameters = maps.Clone(h) }
}

// WithClock overrides the training timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Ensemble) { e.now = now }
}

// NewEnsemble creates an untrained ensemble over the given members.
func NewEnsemble(members []Member, opts ...Option) *Ensemble {
	e := &Ensemble{
		members:         members,
		hyperparameters: map[string]any{},
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DefaultMembers builds the z-score, isolation forest, velocity and geo
// members from configuration. The forest's generator is reseeded from
// cfg.Seed on every retrain.
func DefaultMembers(cfg domain.DetectionConfig) []Member {
	highRisk := append([]string(nil), cfg.HighRiskCountries...)
	return []Member{
		{
			Name:   "zscore",
			Weight: cfg.Weights.ZScore,
			Role:   RolePrimary,
			New:    func() Detector { return NewZScoreDetector(cfg.ZScoreThreshold) },
		},
		{
			Name:   "isolation_forest",
			Weight: cfg.Weights.IsolationForest,
			Role:   RolePrimary,
			New: func() Detector {
				return NewIsolationForestDetector(IsolationForestConfig{
					NumTrees:   cfg.ForestTrees,
					SampleSize: cfg.ForestSampleSize,
					Threshold:  cfg.ForestThreshold,
				}, rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)))
			},
		},
		{
			Name:   "velocity",
			Weight: cfg.Weights.Velocity,
			Role:   RoleAuxiliary,
			New:    func() Detector { return velocity.NewTracker() },
		},
		{
			Name:   "geo",
			Weight: cfg.Weights.Geo,
			Role:   RoleAuxiliary,
			New:    func() Detector { return NewGeoRiskScorer(highRisk) },
		},
	}
}

// NewDefaultEnsemble creates the production ensemble for cfg.
func NewDefaultEnsemble(cfg domain.DetectionConfig, opts ...Option) *Ensemble {
	h := map[string]any{
		"zScoreThreshold":           cfg.ZScoreThreshold,
		"isolationForestTrees":      cfg.ForestTrees,
		"isolationForestSampleSize": cfg.ForestSampleSize,
		"isolationForestThreshold":  cfg.ForestThreshold,
		"seed":                      cfg.Seed,
		"ensembleWeights":           formatWeights(cfg.Weights),
	}
	return NewEnsemble(DefaultMembers(cfg), append([]Option{WithHyperparameters(h)}, opts...)...)
}

func formatWeights(w domain.EnsembleWeights) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return "z:" + f(w.ZScore) + ",if:" + f(w.IsolationForest) + ",velocity:" + f(w.Velocity) + ",geo:" + f(w.Geo)
}

// Train fits fresh detectors for every member in parallel and publishes
// them as the new snapshot. On failure the previous snapshot stays live.
func (e *Ensemble) Train(ctx context.Context, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return domain.ErrEmptyDataset
	}

	trained := make([]trainedMember, len(e.members))
	errs := make([]error, len(e.members))

	var wg sync.WaitGroup
	for i, m := range e.members {
		trained[i] = trainedMember{name: m.Name, weight: m.Weight, role: m.Role, detector: m.New()}

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if err := trained[idx].detector.Train(ctx, txs); err != nil {
				errs[idx] = fmt.Errorf("train %s: %w", trained[idx].name, err)
			}
		}(i)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return err
	}

	e.current.Store(&snapshot{
		meta:    e.metadata(len(txs)),
		members: trained,
	})
	return nil
}

func (e *Ensemble) metadata(samples int) domain.ModelMetadata {
	return domain.ModelMetadata{
		ID:              uuid.New().String(),
		ModelType:       ModelType,
		Version:         ModelVersion,
		Description:     "Ensemble model combining Z-Score and Isolation Forest detectors",
		TrainedAt:       e.now(),
		SamplesUsed:     samples,
		Features:        FeatureNames[:],
		Hyperparameters: maps.Clone(e.hyperparameters),
	}
}

// load returns the live snapshot, or ErrNotTrained.
func (e *Ensemble) load() (*snapshot, error) {
	s := e.current.Load()
	if s == nil {
		return nil, domain.ErrNotTrained
	}
	for _, m := range s.members {
		if !m.detector.Trained() {
			return nil, fmt.Errorf("%s: %w", m.name, domain.ErrNotTrained)
		}
	}
	return s, nil
}

// Trained reports whether a complete snapshot is live.
func (e *Ensemble) Trained() bool {
	_, err := e.load()
	return err == nil
}

// Score returns min(Σ score·weight / Σ weight, 1) over all members.
func (e *Ensemble) Score(tx *domain.Transaction) (float64, error) {
	s, err := e.load()
	if err != nil {
		return 0, err
	}
	return s.score(tx)
}

func (s *snapshot) score(tx *domain.Transaction) (float64, error) {
	var weighted, total float64
	for _, m := range s.members {
		v, err := m.detector.Score(tx)
		if err != nil {
			return 0, fmt.Errorf("score %s: %w", m.name, err)
		}
		weighted += v * m.weight
		total += m.weight
	}
	if total == 0 {
		return 0, nil
	}
	return clamp01(weighted / total), nil
}

// Explain merges member factors, rescaling primary members by weight, and
// returns the heaviest eight.
func (e *Ensemble) Explain(tx *domain.Transaction) ([]domain.AnomalyFactor, error) {
	s, err := e.load()
	if err != nil {
		return nil, err
	}
	return s.explain(tx), nil
}

func (s *snapshot) explain(tx *domain.Transaction) []domain.AnomalyFactor {
	var all []domain.AnomalyFactor
	for _, m := range s.members {
		for _, f := range m.detector.Explain(tx) {
			if m.role == RolePrimary {
				f.Weight *= m.weight
			}
			all = append(all, f)
		}
	}
	return topFactors(all, maxEnsembleFactors)
}

// Assess scores and explains tx against a single snapshot.
func (e *Ensemble) Assess(tx *domain.Transaction) (*Assessment, error) {
	s, err := e.load()
	if err != nil {
		return nil, err
	}
	score, err := s.score(tx)
	if err != nil {
		return nil, err
	}
	return &Assessment{
		Score:        score,
		Factors:      s.explain(tx),
		ModelVersion: s.meta.ID,
	}, nil
}

// Metadata returns the training report of the live snapshot. Before the
// first training it reports zero samples and a zero TrainedAt.
func (e *Ensemble) Metadata() domain.ModelMetadata {
	s := e.current.Load()
	if s == nil {
		meta := e.metadata(0)
		meta.ID = ""
		meta.TrainedAt = time.Time{}
		return meta
	}
	meta := s.meta
	meta.Features = append([]string(nil), s.meta.Features...)
	meta.Hyperparameters = maps.Clone(s.meta.Hyperparameters)
	return meta
}

// Version identifies the live snapshot; empty before training.
func (e *Ensemble) Version() string {
	if s := e.current.Load(); s != nil {
		return s.meta.ID
	}
	return ""
}
