package velocity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

// history gives user n+1 transactions spaced gap apart, newest first to
// exercise sorting.
func history(user string, n int, gap time.Duration) []domain.Transaction {
	txs := make([]domain.Transaction, 0, n+1)
	for i := n; i >= 0; i-- {
		txs = append(txs, domain.Transaction{
			TransactionID: fmt.Sprintf("%s-%d", user, i),
			UserID:        user,
			Timestamp:     t0.Add(time.Duration(i) * gap),
		})
	}
	return txs
}

func trainedTracker(t *testing.T) *Tracker {
	t.Helper()
	var txs []domain.Transaction
	for i := 0; i < 9; i++ {
		txs = append(txs, history(fmt.Sprintf("normal-%d", i), 2, time.Hour)...)
	}
	txs = append(txs, history("burst", 2, 36*time.Second)...)
	txs = append(txs, domain.Transaction{UserID: "once", Timestamp: t0})

	tr := NewTracker()
	if err := tr.Train(context.Background(), txs); err != nil {
		t.Fatalf("train failed: %v", err)
	}
	return tr
}

func TestTrackerNotTrained(t *testing.T) {
	tr := NewTracker()
	if _, err := tr.Score(&domain.Transaction{UserID: "u"}); !errors.Is(err, domain.ErrNotTrained) {
		t.Errorf("expected ErrNotTrained, got %v", err)
	}
	if err := tr.Train(context.Background(), nil); !errors.Is(err, domain.ErrEmptyDataset) {
		t.Errorf("expected ErrEmptyDataset, got %v", err)
	}
}

func TestTrackerColdStart(t *testing.T) {
	tr := trainedTracker(t)

	for _, user := range []string{"never-seen", "once"} {
		got, err := tr.Score(&domain.Transaction{UserID: user})
		if err != nil {
			t.Fatalf("score failed: %v", err)
		}
		if got != 0.3 {
			t.Errorf("%s: expected cold-start risk 0.3, got %v", user, got)
		}
	}
}

func TestTrackerScore(t *testing.T) {
	tr := trainedTracker(t)

	// pooled velocities: eighteen at 1/h and two at 100/h; mean 10.9, std 29.7
	tests := []struct {
		user string
		want float64
	}{
		{"burst", 0.6},
		{"normal-0", 9.9 / 29.7 / 5},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			got, err := tr.Score(&domain.Transaction{UserID: tt.user})
			if err != nil {
				t.Fatalf("score failed: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestTrackerExplain(t *testing.T) {
	tr := trainedTracker(t)

	factors := tr.Explain(&domain.Transaction{UserID: "burst"})
	if len(factors) != 1 || factors[0].Factor != "HIGH_VELOCITY" {
		t.Fatalf("expected HIGH_VELOCITY, got %v", factors)
	}
	if f := tr.Explain(&domain.Transaction{UserID: "normal-1"}); len(f) != 0 {
		t.Errorf("expected no factors for a normal user, got %v", f)
	}
}

func TestTrackerSimultaneousTransactions(t *testing.T) {
	// zero gaps produce no velocity and no division by zero
	txs := []domain.Transaction{
		{UserID: "u", Timestamp: t0},
		{UserID: "u", Timestamp: t0},
	}
	tr := NewTracker()
	if err := tr.Train(context.Background(), txs); err != nil {
		t.Fatalf("train failed: %v", err)
	}
	got, err := tr.Score(&domain.Transaction{UserID: "u"})
	if err != nil {
		t.Fatalf("score failed: %v", err)
	}
	if got != ColdStartRisk {
		t.Errorf("expected %v, got %v", ColdStartRisk, got)
	}
}

func TestTrackerRestore(t *testing.T) {
	tr := trainedTracker(t)
	p, ok := tr.Params()
	if !ok {
		t.Fatal("expected params")
	}

	restored := NewTrackerFromParams(p)
	for _, user := range []string{"burst", "normal-3", "once", "nobody"} {
		a, _ := tr.Score(&domain.Transaction{UserID: user})
		b, _ := restored.Score(&domain.Transaction{UserID: user})
		if a != b {
			t.Errorf("%s: restored score %v, want %v", user, b, a)
		}
	}
}
