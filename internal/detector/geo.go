package detector

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	highRiskCountryRisk = 0.8
	rarityWeight        = 0.4
	rareCountryShare    = 0.01
)

// GeoRiskScorer scores the transacting country by designation and rarity.
type GeoRiskScorer struct {
	highRisk map[string]struct{}
	counts   map[string]int
	total    int
}

// NewGeoRiskScorer creates a scorer with the designated high-risk countries.
func NewGeoRiskScorer(highRiskCountries []string) *GeoRiskScorer {
	set := make(map[string]struct{}, len(highRiskCountries))
	for _, c := range highRiskCountries {
		set[c] = struct{}{}
	}
	return &GeoRiskScorer{highRisk: set}
}

// NewGeoRiskScorerFromParams restores a trained scorer.
func NewGeoRiskScorerFromParams(p domain.GeoParams) *GeoRiskScorer {
	g := NewGeoRiskScorer(p.HighRiskCountries)
	g.counts = maps.Clone(p.CountryCounts)
	if g.counts == nil {
		g.counts = map[string]int{}
	}
	g.total = p.Total
	return g
}

func (g *GeoRiskScorer) Name() string  { return "geo" }
func (g *GeoRiskScorer) Trained() bool { return g.counts != nil && g.total > 0 }

// Train tallies transactions per country.
func (g *GeoRiskScorer) Train(ctx context.Context, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return domain.ErrEmptyDataset
	}
	counts := make(map[string]int)
	for i := range txs {
		counts[txs[i].Country]++
	}
	g.counts = counts
	g.total = len(txs)
	return nil
}

// share is the country's relative frequency; unseen countries have share 0.
func (g *GeoRiskScorer) share(country string) float64 {
	return float64(g.counts[country]) / float64(g.total)
}

func (g *GeoRiskScorer) designated(country string) bool {
	_, ok := g.highRisk[country]
	return ok
}

// Score is 0.8 for designated countries, otherwise rarity scaled to 0.4.
func (g *GeoRiskScorer) Score(tx *domain.Transaction) (float64, error) {
	if !g.Trained() {
		return 0, fmt.Errorf("geo: %w", domain.ErrNotTrained)
	}
	if g.designated(tx.Country) {
		return highRiskCountryRisk, nil
	}
	return (1 - g.share(tx.Country)) * rarityWeight, nil
}

// Explain reports HIGH_RISK_COUNTRY and RARE_COUNTRY independently.
func (g *GeoRiskScorer) Explain(tx *domain.Transaction) []domain.AnomalyFactor {
	if !g.Trained() {
		return nil
	}

	var factors []domain.AnomalyFactor
	if g.designated(tx.Country) {
		factors = append(factors, domain.AnomalyFactor{
			Factor:      "HIGH_RISK_COUNTRY",
			Weight:      highRiskCountryRisk,
			Description: "Transaction originated from a high-risk country",
		})
	}
	if g.share(tx.Country) < rareCountryShare {
		factors = append(factors, domain.AnomalyFactor{
			Factor:      "RARE_COUNTRY",
			Weight:      rarityWeight,
			Description: "Transaction from rarely seen country",
		})
	}
	return factors
}

// Params returns a copy of the trained state.
func (g *GeoRiskScorer) Params() (domain.GeoParams, bool) {
	if !g.Trained() {
		return domain.GeoParams{}, false
	}
	countries := slices.Sorted(maps.Keys(g.highRisk))
	return domain.GeoParams{
		CountryCounts:     maps.Clone(g.counts),
		Total:             g.total,
		HighRiskCountries: countries,
	}, true
}
