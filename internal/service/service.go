// Package service wires the scoring engine to storage, caching and the
// event bus.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/processor"
)

// ErrNoRepository is returned by operations that need persistent storage
// when none is configured.
var ErrNoRepository = errors.New("no repository configured")

var tracer = otel.Tracer("kestrel-service")

// Service is the application context: one ensemble, one processor, one
// alert manager and the optional backends they report to.
type Service struct {
	cfg       domain.DetectionConfig
	ensemble  *detector.Ensemble
	processor *processor.Processor
	alerts    *alert.Manager

	repo  domain.Repository
	cache domain.Cache
	bus   domain.EventBus

	now     func() time.Time
	trainMu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

func WithRepository(r domain.Repository) Option { return func(s *Service) { s.repo = r } }
func WithCache(c domain.Cache) Option           { return func(s *Service) { s.cache = c } }
func WithBus(b domain.EventBus) Option          { return func(s *Service) { s.bus = b } }

// WithEnsemble replaces the ensemble built from the detection config.
func WithEnsemble(e *detector.Ensemble) Option { return func(s *Service) { s.ensemble = e } }

// WithClock sets the time source shared by validation, training and alerts.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New creates a service. Alert listeners for persistence, publishing and
// metrics are registered for whichever backends are configured.
func New(cfg domain.DetectionConfig, opts ...Option) (*Service, error) {
	s := &Service{
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.ensemble == nil {
		s.ensemble = detector.NewDefaultEnsemble(cfg, detector.WithClock(s.now))
	}
	s.processor = processor.New(s.ensemble, processor.WithClock(s.now))

	alerts, err := alert.NewManager(alert.WithClock(s.now))
	if err != nil {
		return nil, fmt.Errorf("failed to create alert manager: %w", err)
	}
	s.alerts = alerts

	if s.repo != nil {
		alerts.OnAlert(s.persistAlert)
	}
	if s.bus != nil {
		alerts.OnAlert(s.publishAlert)
	}
	alerts.OnAlert(countAlert)

	return s, nil
}

// Bootstrap loads state persisted by a previous run: alert configs (seeding
// the defaults when none exist), alert history and the latest model.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.repo == nil {
		n := s.alerts.LoadConfigs(alert.DefaultConfigs())
		slog.Info("alert configs loaded", "count", n, "source", "defaults")
		return nil
	}

	if err := s.SeedAlertConfigs(ctx); err != nil {
		return err
	}

	history, err := s.repo.ListAlerts(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to load alerts: %w", err)
	}
	restored := make([]domain.Alert, len(history))
	for i, a := range history {
		restored[i] = *a
	}
	s.alerts.RestoreAlerts(restored)

	if err := s.Restore(ctx); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

// SeedAlertConfigs loads stored alert configs into the manager, storing
// the defaults first when the repository has none.
func (s *Service) SeedAlertConfigs(ctx context.Context) error {
	if s.repo == nil {
		return ErrNoRepository
	}

	stored, err := s.repo.ListAlertConfigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load alert configs: %w", err)
	}

	if len(stored) == 0 {
		defaults := alert.DefaultConfigs()
		for i := range defaults {
			cfg := &defaults[i]
			if !s.alerts.AddConfig(cfg) {
				continue
			}
			if err := s.repo.SaveAlertConfig(ctx, cfg); err != nil {
				return fmt.Errorf("failed to seed alert config %s: %w", cfg.ID, err)
			}
		}
		slog.Info("alert configs seeded", "count", len(defaults))
		return nil
	}

	cfgs := make([]domain.AlertConfig, len(stored))
	for i, c := range stored {
		cfgs[i] = *c
	}
	n := s.alerts.LoadConfigs(cfgs)
	if n < len(cfgs) {
		slog.Warn("skipped invalid stored alert configs", "stored", len(cfgs), "loaded", n)
	}
	slog.Info("alert configs loaded", "count", n, "source", "repository")
	return nil
}

// Train fits the ensemble to txs and persists the corpus and snapshot.
func (s *Service) Train(ctx context.Context, txs []domain.Transaction) error {
	return s.train(ctx, txs, true)
}

// Retrain fits a fresh ensemble to the stored corpus, bounded by the
// configured lookback and sample cap.
func (s *Service) Retrain(ctx context.Context) error {
	if s.repo == nil {
		return ErrNoRepository
	}

	var since time.Time
	if s.cfg.Lookback > 0 {
		since = s.now().Add(-s.cfg.Lookback)
	}
	txs, err := s.repo.ListTransactions(ctx, since, s.cfg.MaxTrainingSamples)
	if err != nil {
		return fmt.Errorf("failed to load training corpus: %w", err)
	}
	return s.train(ctx, txs, false)
}

func (s *Service) train(ctx context.Context, txs []domain.Transaction, storeCorpus bool) error {
	s.trainMu.Lock()
	defer s.trainMu.Unlock()

	ctx, span := tracer.Start(ctx, "service.Train",
		trace.WithAttributes(attribute.Int("samples", len(txs))),
	)
	defer span.End()

	start := time.Now()
	if err := s.ensemble.Train(ctx, txs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	elapsed := time.Since(start)

	meta := s.ensemble.Metadata()
	metrics.TrainingDuration.Observe(elapsed.Seconds())
	metrics.ModelSamples.Set(float64(meta.SamplesUsed))
	span.SetAttributes(attribute.String("model.id", meta.ID))

	slog.Info("model trained",
		"model_id", meta.ID,
		"samples", meta.SamplesUsed,
		"duration_ms", elapsed.Milliseconds(),
	)

	if s.repo != nil {
		if storeCorpus {
			if err := s.repo.SaveTransactions(ctx, txs); err != nil {
				slog.Error("failed to store training corpus", "model_id", meta.ID, "error", err)
			}
		}
		if err := s.saveModel(ctx, &meta); err != nil {
			slog.Error("failed to store model snapshot", "model_id", meta.ID, "error", err)
		}
	}

	s.publish(ctx, domain.TopicModelTrained, meta)
	return nil
}

func (s *Service) saveModel(ctx context.Context, meta *domain.ModelMetadata) error {
	snapshot, err := s.ensemble.Export()
	if err != nil {
		return err
	}
	return s.repo.SaveModel(ctx, meta, snapshot)
}

// Restore replaces the live model with the latest stored snapshot.
func (s *Service) Restore(ctx context.Context) error {
	if s.repo == nil {
		return ErrNoRepository
	}

	meta, snapshot, err := s.repo.GetLatestModel(ctx)
	if err != nil {
		return err
	}
	if err := s.ensemble.Import(snapshot); err != nil {
		return fmt.Errorf("failed to restore model %s: %w", meta.ID, err)
	}

	metrics.ModelSamples.Set(float64(meta.SamplesUsed))
	slog.Info("model restored", "model_id", meta.ID, "trained_at", meta.TrainedAt, "samples", meta.SamplesUsed)
	return nil
}

// Score validates, scores and records one submission. A valid submission
// identical to one already scored by the live model is answered from the
// cache.
func (s *Service) Score(ctx context.Context, in *domain.TransactionInput) (*domain.ScoreResult, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "service.Score")
	defer span.End()
	if in != nil {
		span.SetAttributes(attribute.String("tx.id", in.TransactionID))
	}

	fail := func(err error) (*domain.ScoreResult, error) {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			metrics.ValidationFailures.Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := s.processor.Validate(in); err != nil {
		return fail(err)
	}

	scope := s.cacheScope(in)
	if cached := s.cached(ctx, scope, in.TransactionID); cached != nil {
		metrics.ScoreCacheHits.Inc()
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cached, nil
	}

	tx, result, err := s.processor.Process(ctx, in)
	if err != nil {
		return fail(err)
	}

	if s.repo != nil {
		if err := s.repo.SaveTransaction(ctx, tx); err != nil {
			if errors.Is(err, domain.ErrAlreadyScored) {
				slog.Warn("transaction already recorded", "tx_id", tx.TransactionID)
				return result, nil
			}
			slog.Error("failed to store transaction", "tx_id", tx.TransactionID, "error", err)
		}
	}

	triggered := s.alerts.CheckTransaction(ctx, tx)

	if s.cache != nil && s.cfg.ScoreCacheTTL > 0 && scope != "" {
		if err := s.cache.SetScore(ctx, scope, result, s.cfg.ScoreCacheTTL); err != nil {
			slog.Warn("failed to cache score", "tx_id", tx.TransactionID, "error", err)
		}
	}

	s.publish(ctx, domain.TopicTransactionScored, result)

	elapsed := time.Since(start)
	metrics.TransactionsScored.WithLabelValues(string(result.RiskLevel)).Inc()
	metrics.RiskScores.Observe(result.RiskScore)
	metrics.ScoreLatency.Observe(float64(elapsed.Microseconds()) / 1000)

	span.SetAttributes(
		attribute.Float64("risk.score", result.RiskScore),
		attribute.Int("alerts", len(triggered)),
	)

	slog.Debug("transaction scored",
		"tx_id", result.TransactionID,
		"risk_score", result.RiskScore,
		"risk_level", result.RiskLevel,
		"alerts", len(triggered),
		"duration_ms", elapsed.Milliseconds(),
	)
	return result, nil
}

// cacheScope namespaces cached scores by the live model and the submitted
// fields, so a resubmission with different values is scored again. It is
// empty when nothing should be cached.
func (s *Service) cacheScope(in *domain.TransactionInput) string {
	if s.cache == nil {
		return ""
	}
	version := s.ensemble.Version()
	if version == "" {
		return ""
	}
	data, err := json.Marshal(in)
	if err != nil {
		return ""
	}
	return version + ":" + strconv.FormatUint(xxhash.Sum64(data), 16)
}

func (s *Service) cached(ctx context.Context, scope, txID string) *domain.ScoreResult {
	if scope == "" {
		return nil
	}
	res, err := s.cache.GetScore(ctx, scope, txID)
	if err != nil {
		return nil
	}
	return res
}

// GetMetadata reports the live model.
func (s *Service) GetMetadata() domain.ModelMetadata {
	return s.ensemble.Metadata()
}

// GetTransaction looks up a stored transaction by its transaction ID.
func (s *Service) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	if s.repo == nil {
		return nil, ErrNoRepository
	}
	return s.repo.GetTransaction(ctx, txID)
}

// Listing defaults for RecentTransactions.
const (
	DefaultRecentLimit  = 100
	DefaultFlaggedLimit = 50
	MaxListLimit        = 1000
)

// RecentTransactions lists stored transactions newest first. A
// non-positive limit selects the default for the listing type.
func (s *Service) RecentTransactions(ctx context.Context, limit int, flaggedOnly bool) ([]domain.Transaction, error) {
	if s.repo == nil {
		return nil, ErrNoRepository
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
		if flaggedOnly {
			limit = DefaultFlaggedLimit
		}
	}
	return s.repo.RecentTransactions(ctx, min(limit, MaxListLimit), flaggedOnly)
}

// UserRiskSummary aggregates the stored transactions of userID.
func (s *Service) UserRiskSummary(ctx context.Context, userID string) (*domain.UserRiskSummary, error) {
	if s.repo == nil {
		return nil, ErrNoRepository
	}
	return s.repo.UserRiskSummary(ctx, userID)
}

// Ready checks every configured backend.
func (s *Service) Ready(ctx context.Context) error {
	if s.repo != nil {
		if err := s.repo.Ping(ctx); err != nil {
			return fmt.Errorf("repository: %w", err)
		}
	}
	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}
	if s.bus != nil {
		if err := s.bus.Ping(ctx); err != nil {
			return fmt.Errorf("event bus: %w", err)
		}
	}
	return nil
}

func (s *Service) publish(ctx context.Context, topic string, v any) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode event", "topic", topic, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		slog.Error("failed to publish event", "topic", topic, "error", err)
	}
}
