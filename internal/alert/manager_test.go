package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	m, err := NewManager(WithClock(func() time.Time { return at }))
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return m
}

func highRisk() *domain.AlertConfig {
	return &domain.AlertConfig{
		ID:        "high-risk",
		Name:      "High Risk Score",
		Condition: domain.AlertCondition{Type: domain.ConditionRiskScore, Operator: domain.OpGTE, Value: 0.8},
		IsActive:  true,
	}
}

func TestCheckTransactionThreshold(t *testing.T) {
	m := newTestManager(t)
	if !m.AddConfig(highRisk()) {
		t.Fatal("failed to add config")
	}

	if got := m.CheckTransaction(context.Background(), scored(0.8, 10)); len(got) != 1 {
		t.Fatalf("expected 1 alert at 0.8, got %d", len(got))
	}
	if got := m.CheckTransaction(context.Background(), scored(0.7999, 10)); len(got) != 0 {
		t.Fatalf("expected no alert at 0.7999, got %d", len(got))
	}

	all := m.GetAllAlerts()
	if len(all) != 1 {
		t.Fatalf("expected 1 recorded alert, got %d", len(all))
	}
	a := all[0]
	if a.ConfigID != "high-risk" || a.TransactionID != "tx-1" || a.RiskScore != 0.8 || a.Acknowledged {
		t.Errorf("unexpected alert %+v", a)
	}
}

func TestToggleConfigKeepsHistory(t *testing.T) {
	m := newTestManager(t)
	m.AddConfig(highRisk())
	m.CheckTransaction(context.Background(), scored(0.9, 10))

	if !m.ToggleConfig("high-risk") {
		t.Fatal("toggle failed")
	}
	if got := m.CheckTransaction(context.Background(), scored(0.9, 10)); len(got) != 0 {
		t.Errorf("disabled config triggered %d alerts", len(got))
	}
	if len(m.GetAllAlerts()) != 1 {
		t.Errorf("expected prior alert to remain, got %d", len(m.GetAllAlerts()))
	}

	cfg, _ := m.GetConfig("high-risk")
	if cfg.IsActive {
		t.Error("expected config to be inactive")
	}
	if m.ToggleConfig("missing") {
		t.Error("toggle of missing config succeeded")
	}
}

func TestConfigCRUD(t *testing.T) {
	m := newTestManager(t)

	if n := m.LoadConfigs(DefaultConfigs()); n != 3 {
		t.Fatalf("expected 3 default configs, got %d", n)
	}
	if m.AddConfig(highRisk()) != true {
		t.Error("expected new id to be accepted")
	}
	if m.AddConfig(highRisk()) {
		t.Error("duplicate id accepted")
	}

	bad := &domain.AlertConfig{Name: "bad", Condition: domain.AlertCondition{Type: "NOPE"}}
	if m.AddConfig(bad) {
		t.Error("invalid condition accepted")
	}

	noID := &domain.AlertConfig{Name: "auto", Condition: domain.AlertCondition{Type: domain.ConditionAmount, Operator: domain.OpGT, Value: 1}}
	if !m.AddConfig(noID) || noID.ID == "" {
		t.Error("expected generated id")
	}

	cfgs := m.GetConfigs()
	want := []string{"alert-1", "alert-2", "alert-3", "high-risk", noID.ID}
	if len(cfgs) != len(want) {
		t.Fatalf("expected %d configs, got %d", len(want), len(cfgs))
	}
	for i, id := range want {
		if cfgs[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, cfgs[i].ID)
		}
	}

	if !m.RemoveConfig("alert-2") {
		t.Error("remove failed")
	}
	if m.RemoveConfig("alert-2") {
		t.Error("second remove succeeded")
	}
	if len(m.GetConfigs()) != 4 {
		t.Errorf("expected 4 configs after remove, got %d", len(m.GetConfigs()))
	}

	cfgs = m.GetConfigs()
	cfgs[0].Name = "mutated"
	if c, _ := m.GetConfig("alert-1"); c.Name == "mutated" {
		t.Error("GetConfigs exposed internal state")
	}
}

func TestAcknowledgeAlert(t *testing.T) {
	m := newTestManager(t)
	m.AddConfig(highRisk())
	alerts := m.CheckTransaction(context.Background(), scored(0.95, 10))
	id := alerts[0].ID

	if m.AcknowledgeAlert("does-not-exist", "analyst") {
		t.Error("acknowledging a missing alert succeeded")
	}
	if !m.AcknowledgeAlert(id, "analyst") {
		t.Fatal("acknowledge failed")
	}
	if m.AcknowledgeAlert(id, "analyst") {
		t.Error("second acknowledge succeeded")
	}

	a := m.GetAllAlerts()[0]
	if !a.Acknowledged || a.AcknowledgedBy != "analyst" || a.AcknowledgedAt == nil {
		t.Errorf("acknowledgment not recorded: %+v", a)
	}
	if len(m.GetUnacknowledgedAlerts()) != 0 {
		t.Error("expected no unacknowledged alerts")
	}
}

func TestListenersRunInOrderAndAreIsolated(t *testing.T) {
	m := newTestManager(t)
	m.AddConfig(highRisk())

	var calls []string
	m.OnAlert(func(ctx context.Context, a *domain.Alert, cfg *domain.AlertConfig, tx *domain.Transaction) error {
		calls = append(calls, "first")
		return errors.New("listener failed")
	})
	m.OnAlert(func(ctx context.Context, a *domain.Alert, cfg *domain.AlertConfig, tx *domain.Transaction) error {
		calls = append(calls, "second")
		panic("boom")
	})
	m.OnAlert(func(ctx context.Context, a *domain.Alert, cfg *domain.AlertConfig, tx *domain.Transaction) error {
		if cfg.ID != "high-risk" || tx.TransactionID != "tx-1" {
			t.Errorf("unexpected listener arguments %s %s", cfg.ID, tx.TransactionID)
		}
		calls = append(calls, "third")
		return nil
	})

	alerts := m.CheckTransaction(context.Background(), scored(0.9, 10))
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if len(calls) != 3 || calls[0] != "first" || calls[1] != "second" || calls[2] != "third" {
		t.Errorf("unexpected listener order %v", calls)
	}
	if len(m.GetAllAlerts()) != 1 {
		t.Error("listener failure undid the alert")
	}
}
