// Package velocity scores users by how far their transaction rate sits from
// the population's.
package velocity

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	// ColdStartRisk is the risk assigned to users without velocity history.
	ColdStartRisk = 0.3

	highVelocityRisk = 0.5
)

// Tracker learns per-user transaction velocity (transactions per hour).
type Tracker struct {
	userVelocities map[string][]float64
	userMeans      map[string]float64
	mean           float64
	std            float64
	trained        bool
}

// NewTracker returns an untrained tracker.
func NewTracker() *Tracker {
	return &Tracker{std: 1}
}

// NewTrackerFromParams restores a trained tracker.
func NewTrackerFromParams(p domain.VelocityParams) *Tracker {
	t := NewTracker()
	t.load(p.UserVelocities, p.GlobalMean, p.GlobalStd)
	return t
}

func (t *Tracker) Name() string  { return "velocity" }
func (t *Tracker) Trained() bool { return t.trained }

// Train groups transactions by user, orders each user's history by time and
// derives one velocity per positive inter-arrival gap. Users with fewer than
// two transactions contribute nothing.
func (t *Tracker) Train(ctx context.Context, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return domain.ErrEmptyDataset
	}

	byUser := make(map[string][]time.Time)
	for i := range txs {
		byUser[txs[i].UserID] = append(byUser[txs[i].UserID], txs[i].Timestamp)
	}

	users := make(map[string][]float64, len(byUser))
	var pooled []float64
	for user, times := range byUser {
		if len(times) < 2 {
			continue
		}
		slices.SortFunc(times, func(a, b time.Time) int { return a.Compare(b) })

		vels := make([]float64, 0, len(times)-1)
		for i := 1; i < len(times); i++ {
			hours := times[i].Sub(times[i-1]).Hours()
			if hours > 0 {
				vels = append(vels, 1/hours)
			}
		}
		users[user] = vels
		pooled = append(pooled, vels...)
	}

	mean, std := 0.0, 1.0
	if len(pooled) > 0 {
		mean, std = meanStd(pooled)
		if std == 0 {
			std = 1
		}
	}

	t.load(users, mean, std)
	return nil
}

func (t *Tracker) load(users map[string][]float64, mean, std float64) {
	t.userVelocities = make(map[string][]float64, len(users))
	t.userMeans = make(map[string]float64, len(users))
	for user, vels := range users {
		t.userVelocities[user] = slices.Clone(vels)
		if len(vels) > 0 {
			m, _ := meanStd(vels)
			t.userMeans[user] = m
		}
	}
	t.mean = mean
	t.std = std
	if t.std == 0 {
		t.std = 1
	}
	t.trained = true
}

// Score is min(|userMean - globalMean| / globalStd / 5, 1); users without
// velocity history get ColdStartRisk.
func (t *Tracker) Score(tx *domain.Transaction) (float64, error) {
	if !t.trained {
		return 0, fmt.Errorf("velocity: %w", domain.ErrNotTrained)
	}
	userMean, ok := t.userMeans[tx.UserID]
	if !ok {
		return ColdStartRisk, nil
	}
	z := math.Abs(userMean-t.mean) / t.std
	return math.Min(z/5, 1), nil
}

// Explain reports HIGH_VELOCITY when the risk exceeds 0.5.
func (t *Tracker) Explain(tx *domain.Transaction) []domain.AnomalyFactor {
	risk, err := t.Score(tx)
	if err != nil || risk <= highVelocityRisk {
		return nil
	}
	return []domain.AnomalyFactor{{
		Factor:      "HIGH_VELOCITY",
		Weight:      risk,
		Description: "User transaction velocity is unusually high",
	}}
}

// Params returns a copy of the trained state.
func (t *Tracker) Params() (domain.VelocityParams, bool) {
	if !t.trained {
		return domain.VelocityParams{}, false
	}
	users := make(map[string][]float64, len(t.userVelocities))
	for user, vels := range t.userVelocities {
		users[user] = slices.Clone(vels)
	}
	return domain.VelocityParams{
		GlobalMean:     t.mean,
		GlobalStd:      t.std,
		UserVelocities: users,
	}, true
}

func meanStd(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
