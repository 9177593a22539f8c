// Package worker scores transactions submitted through the event bus.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Scorer scores one submission. The service publishes the result.
type Scorer interface {
	Score(ctx context.Context, in *domain.TransactionInput) (*domain.ScoreResult, error)
}

// Worker consumes kestrel.transaction.ingested and scores each message.
type Worker struct {
	bus    domain.EventBus
	scorer Scorer

	mu            sync.Mutex
	subscriptions []domain.Subscription
	sem           chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Concurrency bounds how many messages are scored at once.
	Concurrency int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, scorer Scorer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		scorer: scorer,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the ingest topic.
func (w *Worker) Start(cfg Config) error {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.sem = make(chan struct{}, cfg.Concurrency)
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started",
		"topic", domain.TopicTransactionIngested,
		"concurrency", cfg.Concurrency,
	)
	return nil
}

// handleMessage hands msg to a scoring goroutine once a slot is free.
func (w *Worker) handleMessage(_ context.Context, msg *domain.Message) error {
	w.wg.Add(1)
	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		w.wg.Done()
		return w.ctx.Err()
	}

	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.processTransaction(w.ctx, msg)
	}()
	return nil
}

func (w *Worker) processTransaction(ctx context.Context, msg *domain.Message) {
	start := time.Now()

	var in domain.TransactionInput
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		w.rejected.Add(1)
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return
	}

	result, err := w.scorer.Score(ctx, &in)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			w.rejected.Add(1)
			slog.Warn("transaction rejected",
				"tx_id", in.TransactionID,
				"message_id", msg.ID,
				"errors", verr.Errors,
			)
			return
		}
		w.failed.Add(1)
		slog.Error("transaction scoring failed",
			"tx_id", in.TransactionID,
			"message_id", msg.ID,
			"error", err,
		)
		return
	}

	w.processed.Add(1)
	slog.Info("transaction processed",
		"tx_id", result.TransactionID,
		"risk_score", result.RiskScore,
		"risk_level", result.RiskLevel,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop unsubscribes and waits for in-flight messages.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()
	w.cancel()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Rejected          int64    `json:"rejected"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Rejected:          w.rejected.Load(),
		Failed:            w.failed.Load(),
	}
}
