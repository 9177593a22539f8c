package detector

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var baseTime = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC) // Monday

// corpus returns n ordinary transactions spread over 20 users, two
// channels and two countries, with amounts between 90 and 110.
func corpus(n int) []domain.Transaction {
	rng := rand.New(rand.NewPCG(7, 7))
	channels := []domain.Channel{domain.ChannelOnline, domain.ChannelPOS}
	countries := []string{"US", "GB"}

	txs := make([]domain.Transaction, n)
	for i := range txs {
		txs[i] = domain.Transaction{
			ID:               fmt.Sprintf("id-%d", i),
			TransactionID:    fmt.Sprintf("tx-%d", i),
			UserID:           fmt.Sprintf("user-%d", i%20),
			Amount:           90 + rng.Float64()*20,
			MerchantCategory: "grocery",
			Country:          countries[i%2],
			Channel:          channels[(i/2)%2],
			Timestamp:        baseTime.Add(time.Duration(i) * time.Hour),
		}
	}
	return txs
}

func candidate(amount float64, country string, ch domain.Channel) *domain.Transaction {
	return &domain.Transaction{
		TransactionID:    "candidate",
		UserID:           "user-1",
		Amount:           amount,
		MerchantCategory: "grocery",
		Country:          country,
		Channel:          ch,
		Timestamp:        baseTime,
	}
}

// stubDetector returns a fixed score and fixed factors once trained.
type stubDetector struct {
	name     string
	score    float64
	factors  []domain.AnomalyFactor
	trainErr error
	trained  bool
}

func (s *stubDetector) Name() string  { return s.name }
func (s *stubDetector) Trained() bool { return s.trained }

func (s *stubDetector) Train(ctx context.Context, txs []domain.Transaction) error {
	if s.trainErr != nil {
		return s.trainErr
	}
	s.trained = true
	return nil
}

func (s *stubDetector) Score(tx *domain.Transaction) (float64, error) {
	if !s.trained {
		return 0, domain.ErrNotTrained
	}
	return s.score, nil
}

func (s *stubDetector) Explain(tx *domain.Transaction) []domain.AnomalyFactor {
	return append([]domain.AnomalyFactor(nil), s.factors...)
}

func stubMember(name string, weight float64, role Role, score float64, factors ...domain.AnomalyFactor) Member {
	return Member{
		Name:   name,
		Weight: weight,
		Role:   role,
		New: func() Detector {
			return &stubDetector{name: name, score: score, factors: factors}
		},
	}
}
