package detector

import (
	"context"
	"fmt"
	"maps"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultZScoreThreshold is the z-score cutoff when none is configured.
const DefaultZScoreThreshold = 3.0

const (
	channelContextBonus = 0.15
	countryContextBonus = 0.10
	highAmountMultiple  = 5.0
	highAmountWeight    = 0.8
)

// ZScoreDetector flags amounts far from the trained mean, with extra weight
// when the amount is also unusual for its channel or country.
type ZScoreDetector struct {
	threshold float64
	params    *domain.ZScoreModelParams
}

// NewZScoreDetector creates a detector with the given threshold in standard
// deviations. A non-positive threshold selects DefaultZScoreThreshold.
func NewZScoreDetector(threshold float64) *ZScoreDetector {
	if threshold <= 0 {
		threshold = DefaultZScoreThreshold
	}
	return &ZScoreDetector{threshold: threshold}
}

// NewZScoreDetectorFromParams restores a trained detector.
func NewZScoreDetectorFromParams(p domain.ZScoreModelParams) *ZScoreDetector {
	d := NewZScoreDetector(p.Threshold)
	d.params = copyZScoreParams(&p)
	return d
}

func (d *ZScoreDetector) Name() string  { return "zscore" }
func (d *ZScoreDetector) Trained() bool { return d.params != nil }

// Train computes global and per-context amount statistics.
func (d *ZScoreDetector) Train(ctx context.Context, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return domain.ErrEmptyDataset
	}

	amounts := make([]float64, len(txs))
	byChannel := map[string][]float64{}
	byCountry := map[string][]float64{}
	for i := range txs {
		amounts[i] = txs[i].Amount
		byChannel[string(txs[i].Channel)] = append(byChannel[string(txs[i].Channel)], txs[i].Amount)
		byCountry[txs[i].Country] = append(byCountry[txs[i].Country], txs[i].Amount)
	}

	mean, std := meanStd(amounts)
	if std == 0 {
		std = 1
	}

	p := &domain.ZScoreModelParams{
		Mean:         mean,
		Std:          std,
		Threshold:    d.threshold,
		FeatureMeans: make(map[string]float64, len(byChannel)+len(byCountry)),
		FeatureStds:  make(map[string]float64, len(byChannel)+len(byCountry)),
	}
	// Countries are written after channels, so a country overwrites a
	// channel that shares its literal value.
	for _, groups := range []map[string][]float64{byChannel, byCountry} {
		for value, amounts := range groups {
			m, s := meanStd(amounts)
			p.FeatureMeans[contextKey(value)] = m
			p.FeatureStds[contextKey(value)] = s
		}
	}

	d.params = p
	return nil
}

// contextKey builds the shared channel/country statistics key.
func contextKey(value string) string {
	return "amount_" + value
}

// Score maps the amount z-score through a logistic centred on the threshold
// and adds the contextual bonuses.
func (d *ZScoreDetector) Score(tx *domain.Transaction) (float64, error) {
	p := d.params
	if p == nil {
		return 0, fmt.Errorf("zscore: %w", domain.ErrNotTrained)
	}

	z := math.Abs(tx.Amount-p.Mean) / p.Std
	score := 1 / (1 + math.Exp(-0.5*(z-p.Threshold)))

	if d.contextExceeds(contextKey(string(tx.Channel)), tx.Amount) {
		score += channelContextBonus
	}
	if d.contextExceeds(contextKey(tx.Country), tx.Amount) {
		score += countryContextBonus
	}

	return clamp01(score), nil
}

// contextExceeds reports whether amount is beyond the threshold for one
// context. Contexts with a zero mean or zero spread are skipped.
func (d *ZScoreDetector) contextExceeds(key string, amount float64) bool {
	mean := d.params.FeatureMeans[key]
	std := d.params.FeatureStds[key]
	if mean == 0 || std == 0 {
		return false
	}
	return math.Abs(amount-mean)/std > d.params.Threshold
}

// Explain reports AMOUNT_ZSCORE and HIGH_AMOUNT factors.
func (d *ZScoreDetector) Explain(tx *domain.Transaction) []domain.AnomalyFactor {
	p := d.params
	if p == nil {
		return nil
	}

	var factors []domain.AnomalyFactor
	z := math.Abs(tx.Amount-p.Mean) / p.Std
	if z > p.Threshold {
		factors = append(factors, domain.AnomalyFactor{
			Factor:      "AMOUNT_ZSCORE",
			Weight:      math.Min(z/10, 1),
			Description: fmt.Sprintf("Transaction amount is %.2f standard deviations from mean", z),
		})
	}
	if tx.Amount > p.Mean*highAmountMultiple {
		factors = append(factors, domain.AnomalyFactor{
			Factor:      "HIGH_AMOUNT",
			Weight:      highAmountWeight,
			Description: fmt.Sprintf("Amount is %.1fx higher than average", tx.Amount/p.Mean),
		})
	}
	return factors
}

// Params returns a copy of the trained state.
func (d *ZScoreDetector) Params() (domain.ZScoreModelParams, bool) {
	if d.params == nil {
		return domain.ZScoreModelParams{}, false
	}
	return *copyZScoreParams(d.params), true
}

func copyZScoreParams(p *domain.ZScoreModelParams) *domain.ZScoreModelParams {
	out := *p
	out.FeatureMeans = maps.Clone(p.FeatureMeans)
	out.FeatureStds = maps.Clone(p.FeatureStds)
	if out.FeatureMeans == nil {
		out.FeatureMeans = map[string]float64{}
	}
	if out.FeatureStds == nil {
		out.FeatureStds = map[string]float64{}
	}
	return &out
}
