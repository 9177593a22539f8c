package repository

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()
	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testTx(id string, ts time.Time) domain.Transaction {
	return domain.Transaction{
		ID:               "row-" + id,
		TransactionID:    id,
		UserID:           "user-1",
		Amount:           125.50,
		MerchantCategory: "retail",
		Country:          "US",
		Channel:          domain.ChannelOnline,
		Timestamp:        ts,
		MerchantName:     "Corner Shop",
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetTransaction", func(t *testing.T) {
		tx := testTx("tx-001", base)
		if err := tx.SetScore(0.82); err != nil {
			t.Fatal(err)
		}
		fraud := true
		tx.IsFraud = &fraud

		if err := repo.SaveTransaction(ctx, &tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}

		got, err := repo.GetTransaction(ctx, "tx-001")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if got.RiskScore == nil || *got.RiskScore != 0.82 {
			t.Errorf("expected risk score 0.82, got %v", got.RiskScore)
		}
		if !got.IsFlagged {
			t.Error("expected transaction to be flagged")
		}
		if got.IsFraud == nil || !*got.IsFraud {
			t.Error("expected fraud label to round trip")
		}
		if !got.Timestamp.Equal(base) {
			t.Errorf("expected timestamp %v, got %v", base, got.Timestamp)
		}
		if got.Channel != domain.ChannelOnline || got.MerchantName != "Corner Shop" {
			t.Errorf("unexpected fields: %+v", got)
		}
		if got.IPAddress != "" {
			t.Errorf("expected empty ip address, got %q", got.IPAddress)
		}
	})

	t.Run("DuplicateTransactionRejected", func(t *testing.T) {
		tx := testTx("tx-001", base)
		err := repo.SaveTransaction(ctx, &tx)
		if !errors.Is(err, domain.ErrAlreadyScored) {
			t.Errorf("expected ErrAlreadyScored, got %v", err)
		}
	})

	t.Run("GetTransactionNotFound", func(t *testing.T) {
		_, err := repo.GetTransaction(ctx, "missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestTransactionCorpus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	var corpus []domain.Transaction
	for i := range 5 {
		corpus = append(corpus, testTx("c-"+string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour)))
	}

	if err := repo.SaveTransactions(ctx, corpus); err != nil {
		t.Fatalf("SaveTransactions failed: %v", err)
	}
	// Saving the same corpus again skips stored records.
	if err := repo.SaveTransactions(ctx, corpus); err != nil {
		t.Fatalf("second SaveTransactions failed: %v", err)
	}

	t.Run("All", func(t *testing.T) {
		txs, err := repo.ListTransactions(ctx, time.Time{}, 0)
		if err != nil {
			t.Fatalf("ListTransactions failed: %v", err)
		}
		if len(txs) != 5 {
			t.Fatalf("expected 5 transactions, got %d", len(txs))
		}
		for i := 1; i < len(txs); i++ {
			if txs[i].Timestamp.Before(txs[i-1].Timestamp) {
				t.Fatalf("transactions not in timestamp order at %d", i)
			}
		}
		if txs[0].Scored() {
			t.Error("corpus records should be unscored")
		}
	})

	t.Run("Since", func(t *testing.T) {
		txs, err := repo.ListTransactions(ctx, base.Add(2*time.Hour), 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(txs) != 3 {
			t.Errorf("expected 3 transactions, got %d", len(txs))
		}
	})

	t.Run("LimitKeepsMostRecent", func(t *testing.T) {
		txs, err := repo.ListTransactions(ctx, time.Time{}, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(txs) != 2 {
			t.Fatalf("expected 2 transactions, got %d", len(txs))
		}
		if txs[0].TransactionID != "c-d" || txs[1].TransactionID != "c-e" {
			t.Errorf("unexpected window: %s, %s", txs[0].TransactionID, txs[1].TransactionID)
		}
	})
}

func TestRecentAndUserSummary(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	scores := []float64{0.2, 0.9, 0.5, 0.75}
	for i, score := range scores {
		tx := testTx("u-"+string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour))
		if err := tx.SetScore(score); err != nil {
			t.Fatal(err)
		}
		if err := repo.SaveTransaction(ctx, &tx); err != nil {
			t.Fatal(err)
		}
	}
	unscored := testTx("u-e", base.Add(5*time.Hour))
	if err := repo.SaveTransaction(ctx, &unscored); err != nil {
		t.Fatal(err)
	}
	other := testTx("o-a", base.Add(6*time.Hour))
	other.UserID = "user-2"
	if err := repo.SaveTransaction(ctx, &other); err != nil {
		t.Fatal(err)
	}

	t.Run("RecentNewestFirst", func(t *testing.T) {
		txs, err := repo.RecentTransactions(ctx, 3, false)
		if err != nil {
			t.Fatalf("RecentTransactions failed: %v", err)
		}
		if len(txs) != 3 {
			t.Fatalf("expected 3 transactions, got %d", len(txs))
		}
		if txs[0].TransactionID != "o-a" || txs[1].TransactionID != "u-e" || txs[2].TransactionID != "u-d" {
			t.Errorf("unexpected order: %s, %s, %s", txs[0].TransactionID, txs[1].TransactionID, txs[2].TransactionID)
		}
	})

	t.Run("FlaggedOnly", func(t *testing.T) {
		txs, err := repo.RecentTransactions(ctx, 10, true)
		if err != nil {
			t.Fatal(err)
		}
		if len(txs) != 2 || txs[0].TransactionID != "u-d" || txs[1].TransactionID != "u-b" {
			t.Errorf("expected flagged u-d then u-b, got %v", txs)
		}
	})

	t.Run("InvalidLimit", func(t *testing.T) {
		if _, err := repo.RecentTransactions(ctx, 0, false); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("UserSummary", func(t *testing.T) {
		s, err := repo.UserRiskSummary(ctx, "user-1")
		if err != nil {
			t.Fatalf("UserRiskSummary failed: %v", err)
		}
		if s.TotalTransactions != 5 || s.NumberFlagged != 2 {
			t.Errorf("expected 5 total and 2 flagged, got %+v", s)
		}
		if s.PercentFlagged != 40 {
			t.Errorf("expected 40%% flagged, got %v", s.PercentFlagged)
		}
		if s.MaxRiskScore != 0.9 {
			t.Errorf("expected max 0.9, got %v", s.MaxRiskScore)
		}
		if math.Abs(s.AvgRiskScore-0.5875) > 1e-9 {
			t.Errorf("expected average over scored records 0.5875, got %v", s.AvgRiskScore)
		}
	})

	t.Run("UnknownUser", func(t *testing.T) {
		if _, err := repo.UserRiskSummary(ctx, "nobody"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestAlertConfigs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	first := &domain.AlertConfig{
		ID:        "alert-1",
		Name:      "High Risk Score",
		Condition: domain.AlertCondition{Type: domain.ConditionRiskScore, Operator: domain.OpGTE, Value: 0.8},
		IsActive:  true,
		CreatedAt: base,
	}
	second := &domain.AlertConfig{
		ID:        "alert-2",
		Name:      "Blocked Country",
		Condition: domain.AlertCondition{Type: domain.ConditionCountry, Operator: domain.OpEQ, Text: "XX"},
		IsActive:  true,
		CreatedAt: base.Add(time.Minute),
	}

	for _, cfg := range []*domain.AlertConfig{first, second} {
		if err := repo.SaveAlertConfig(ctx, cfg); err != nil {
			t.Fatalf("SaveAlertConfig failed: %v", err)
		}
	}

	t.Run("UpsertKeepsOrder", func(t *testing.T) {
		first.IsActive = false
		if err := repo.SaveAlertConfig(ctx, first); err != nil {
			t.Fatal(err)
		}

		configs, err := repo.ListAlertConfigs(ctx)
		if err != nil {
			t.Fatalf("ListAlertConfigs failed: %v", err)
		}
		if len(configs) != 2 {
			t.Fatalf("expected 2 configs, got %d", len(configs))
		}
		if configs[0].ID != "alert-1" || configs[0].IsActive {
			t.Errorf("expected inactive alert-1 first, got %+v", configs[0])
		}
		if configs[1].Condition.Text != "XX" || configs[1].Condition.Operator != domain.OpEQ {
			t.Errorf("condition did not round trip: %+v", configs[1].Condition)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.DeleteAlertConfig(ctx, "alert-2"); err != nil {
			t.Fatalf("DeleteAlertConfig failed: %v", err)
		}
		if err := repo.DeleteAlertConfig(ctx, "alert-2"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
	})

	t.Run("MissingID", func(t *testing.T) {
		err := repo.SaveAlertConfig(ctx, &domain.AlertConfig{Name: "x"})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestAlerts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a-1", "a-2"} {
		alert := &domain.Alert{
			ID:            id,
			ConfigID:      "alert-1",
			ConfigName:    "High Risk Score",
			TransactionID: "tx-" + id,
			RiskScore:     0.9,
			Amount:        5000,
			TriggeredAt:   base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.SaveAlert(ctx, alert); err != nil {
			t.Fatalf("SaveAlert failed: %v", err)
		}
	}

	ackAt := base.Add(time.Hour)
	if err := repo.AcknowledgeAlert(ctx, "a-1", "analyst", ackAt); err != nil {
		t.Fatalf("AcknowledgeAlert failed: %v", err)
	}

	t.Run("SecondAcknowledgeFails", func(t *testing.T) {
		err := repo.AcknowledgeAlert(ctx, "a-1", "other", ackAt)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListAll", func(t *testing.T) {
		alerts, err := repo.ListAlerts(ctx, false)
		if err != nil {
			t.Fatal(err)
		}
		if len(alerts) != 2 {
			t.Fatalf("expected 2 alerts, got %d", len(alerts))
		}
		a := alerts[0]
		if !a.Acknowledged || a.AcknowledgedBy != "analyst" {
			t.Errorf("expected a-1 acknowledged by analyst, got %+v", a)
		}
		if a.AcknowledgedAt == nil || !a.AcknowledgedAt.Equal(ackAt) {
			t.Errorf("expected acknowledged at %v, got %v", ackAt, a.AcknowledgedAt)
		}
	})

	t.Run("ListUnacknowledged", func(t *testing.T) {
		alerts, err := repo.ListAlerts(ctx, true)
		if err != nil {
			t.Fatal(err)
		}
		if len(alerts) != 1 || alerts[0].ID != "a-2" {
			t.Errorf("expected only a-2, got %v", alerts)
		}
	})
}

func TestModels(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	if _, _, err := repo.GetLatestModel(ctx); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before any model, got %v", err)
	}

	older := &domain.ModelMetadata{ID: "m-1", ModelType: "ENSEMBLE", Version: "2.0.0", TrainedAt: base, SamplesUsed: 100}
	newer := &domain.ModelMetadata{ID: "m-2", ModelType: "ENSEMBLE", Version: "2.0.0", TrainedAt: base.Add(time.Hour), SamplesUsed: 250,
		Features: []string{"amount"}}

	if err := repo.SaveModel(ctx, newer, []byte(`{"members":[2]}`)); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}
	if err := repo.SaveModel(ctx, older, []byte(`{"members":[1]}`)); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}

	meta, snapshot, err := repo.GetLatestModel(ctx)
	if err != nil {
		t.Fatalf("GetLatestModel failed: %v", err)
	}
	if meta.ID != "m-2" || meta.SamplesUsed != 250 || len(meta.Features) != 1 {
		t.Errorf("unexpected metadata: %+v", meta)
	}
	if string(snapshot) != `{"members":[2]}` {
		t.Errorf("unexpected snapshot: %s", snapshot)
	}

	if err := repo.SaveModel(ctx, &domain.ModelMetadata{}, nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for missing id, got %v", err)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "mysql"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	got := pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?")
	if got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("unexpected rebind: %s", got)
	}

	lite := &SQLRepository{driver: "sqlite"}
	if q := "a = ?"; lite.rebind(q) != q {
		t.Error("sqlite queries should not be rebound")
	}
}

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(domain.RepositoryConfig{PostgresUser: "svc"})
	want := "host=localhost port=5432 user=svc password= dbname=kestrel sslmode=disable"
	if dsn != want {
		t.Errorf("expected %q, got %q", want, dsn)
	}
}
