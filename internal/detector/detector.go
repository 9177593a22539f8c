// Package detector provides the unsupervised anomaly detectors and the
// ensemble that combines them into a single fraud-risk score.
package detector

import (
	"context"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Detector is the capability shared by every ensemble member.
//
// A detector is trained once and read-only afterwards; retraining is done
// by building a new detector, so Score and Explain are safe for concurrent
// use once Train has returned.
type Detector interface {
	// Name identifies the detector in logs and serialized snapshots.
	Name() string

	// Train fits the detector to a corpus, replacing nothing: it must be
	// called once, before any Score.
	Train(ctx context.Context, txs []domain.Transaction) error

	// Score returns a risk in [0,1], or domain.ErrNotTrained.
	Score(tx *domain.Transaction) (float64, error)

	// Explain returns the factors behind a score; nil when untrained.
	Explain(tx *domain.Transaction) []domain.AnomalyFactor

	// Trained reports whether Train has completed successfully.
	Trained() bool
}
