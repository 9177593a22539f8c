package detector

import (
	"maps"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// NumFeatures is the length of every feature vector.
const NumFeatures = 6

// FeatureNames lists the feature vector positions in order.
var FeatureNames = [NumFeatures]string{"amount", "channel", "country", "category", "hour", "day_of_week"}

// unseenValue is the encoding of a categorical value absent from training.
const unseenValue = 0.5

// Vector is a transformed transaction.
type Vector [NumFeatures]float64

// FeatureExtractor maps transactions to fixed-length numeric vectors.
type FeatureExtractor struct {
	enc domain.FeatureEncoding
}

// NewFeatureExtractor returns an unfitted extractor.
func NewFeatureExtractor() *FeatureExtractor {
	return &FeatureExtractor{
		enc: domain.FeatureEncoding{
			Channels:   map[string]float64{},
			Countries:  map[string]float64{},
			Categories: map[string]float64{},
		},
	}
}

// newFeatureExtractorFrom rebuilds an extractor from a saved encoding.
func newFeatureExtractorFrom(enc domain.FeatureEncoding) *FeatureExtractor {
	f := NewFeatureExtractor()
	maps.Copy(f.enc.Channels, enc.Channels)
	maps.Copy(f.enc.Countries, enc.Countries)
	maps.Copy(f.enc.Categories, enc.Categories)
	f.enc.AmountMin = enc.AmountMin
	f.enc.AmountMax = enc.AmountMax
	return f
}

// Fit learns categorical encodings in first-seen order and the amount range.
func (f *FeatureExtractor) Fit(txs []domain.Transaction) {
	var channels, countries, categories []string
	seenCh := map[string]bool{}
	seenCo := map[string]bool{}
	seenCa := map[string]bool{}

	for i := range txs {
		tx := &txs[i]
		if ch := string(tx.Channel); !seenCh[ch] {
			seenCh[ch] = true
			channels = append(channels, ch)
		}
		if !seenCo[tx.Country] {
			seenCo[tx.Country] = true
			countries = append(countries, tx.Country)
		}
		if !seenCa[tx.MerchantCategory] {
			seenCa[tx.MerchantCategory] = true
			categories = append(categories, tx.MerchantCategory)
		}

		if i == 0 || tx.Amount < f.enc.AmountMin {
			f.enc.AmountMin = tx.Amount
		}
		if i == 0 || tx.Amount > f.enc.AmountMax {
			f.enc.AmountMax = tx.Amount
		}
	}

	f.enc.Channels = ordinal(channels)
	f.enc.Countries = ordinal(countries)
	f.enc.Categories = ordinal(categories)
}

// ordinal spreads values over [0,1] by position.
func ordinal(values []string) map[string]float64 {
	out := make(map[string]float64, len(values))
	denom := float64(len(values) - 1)
	if denom <= 0 {
		denom = 1
	}
	for i, v := range values {
		out[v] = float64(i) / denom
	}
	return out
}

// Transform converts a transaction into its feature vector. Time features
// use UTC.
func (f *FeatureExtractor) Transform(tx *domain.Transaction) Vector {
	var v Vector

	if span := f.enc.AmountMax - f.enc.AmountMin; span != 0 {
		v[0] = (tx.Amount - f.enc.AmountMin) / span
	}
	v[1] = lookup(f.enc.Channels, string(tx.Channel))
	v[2] = lookup(f.enc.Countries, tx.Country)
	v[3] = lookup(f.enc.Categories, tx.MerchantCategory)

	ts := tx.Timestamp.UTC()
	v[4] = float64(ts.Hour()) / 23
	v[5] = float64(ts.Weekday()) / 6

	return v
}

func lookup(enc map[string]float64, key string) float64 {
	if v, ok := enc[key]; ok {
		return v
	}
	return unseenValue
}

// Encoding returns a copy of the fitted state.
func (f *FeatureExtractor) Encoding() domain.FeatureEncoding {
	return newFeatureExtractorFrom(f.enc).enc
}
