// Package processor turns raw transaction submissions into scored
// transactions: validation, enrichment and scoring against the ensemble.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Enrichment defaults.
const (
	DefaultMerchantName = "Unknown Merchant"
	DefaultIPAddress    = "0.0.0.0"
	DefaultDeviceID     = "unknown"
)

// Scorer produces a score and its explanation from one model snapshot.
type Scorer interface {
	Assess(tx *domain.Transaction) (*detector.Assessment, error)
}

// Processor validates, enriches and scores submissions.
type Processor struct {
	scorer Scorer
	now    func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock overrides the clock used for timestamp validation.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New creates a processor that scores with s.
func New(s Scorer, opts ...Option) *Processor {
	p := &Processor{
		scorer: s,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process validates in, converts and enriches it, and scores it. The
// returned transaction carries its score.
func (p *Processor) Process(ctx context.Context, in *domain.TransactionInput) (*domain.Transaction, *domain.ScoreResult, error) {
	if err := p.Validate(in); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	tx, err := p.Convert(in)
	if err != nil {
		return nil, nil, err
	}

	a, err := p.scorer.Assess(tx)
	if err != nil {
		return nil, nil, fmt.Errorf("score %s: %w", tx.TransactionID, err)
	}
	if err := tx.SetScore(a.Score); err != nil {
		return nil, nil, err
	}

	result := domain.NewScoreResult(tx.TransactionID, a.Score, a.Factors)
	result.ModelVersion = a.ModelVersion
	return tx, result, nil
}

// Convert builds an enriched, unscored Transaction from a validated input.
func (p *Processor) Convert(in *domain.TransactionInput) (*domain.Transaction, error) {
	ts, err := parseTimestamp(in.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp %q", domain.ErrInvalidInput, in.Timestamp)
	}

	var amount float64
	if in.Amount != nil {
		amount = *in.Amount
	}

	tx := &domain.Transaction{
		ID:               uuid.New().String(),
		TransactionID:    in.TransactionID,
		UserID:           in.UserID,
		Amount:           amount,
		MerchantCategory: in.MerchantCategory,
		Country:          in.Country,
		Channel:          in.Channel,
		Timestamp:        ts,
		MerchantName:     in.MerchantName,
		IPAddress:        in.IPAddress,
		DeviceID:         in.DeviceID,
	}
	Enrich(tx)
	return tx, nil
}

// Enrich fills missing optional fields with their defaults. It is
// idempotent.
func Enrich(tx *domain.Transaction) {
	if tx.MerchantName == "" {
		tx.MerchantName = DefaultMerchantName
	}
	if tx.IPAddress == "" {
		tx.IPAddress = DefaultIPAddress
	}
	if tx.DeviceID == "" {
		tx.DeviceID = DefaultDeviceID
	}
}
