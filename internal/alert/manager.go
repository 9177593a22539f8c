// Package alert evaluates configurable alert rules against scored
// transactions and keeps the resulting alert records.
package alert

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Listener is notified after an alert is recorded. Listeners run
// synchronously in registration order; an error or panic is logged and does
// not undo the alert.
type Listener func(ctx context.Context, a *domain.Alert, cfg *domain.AlertConfig, tx *domain.Transaction) error

type entry struct {
	cfg  domain.AlertConfig
	cond *Condition
}

// Manager holds the ordered alert configs and the alert log.
type Manager struct {
	mu        sync.RWMutex
	compiler  *Compiler
	order     *list.List // of *entry
	configs   map[string]*list.Element
	alerts    []domain.Alert
	alertIdx  map[string]int
	listeners []Listener

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock used for alert and config timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger used for listener failures.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates an empty manager.
func NewManager(opts ...Option) (*Manager, error) {
	compiler, err := NewCompiler()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		compiler: compiler,
		order:    list.New(),
		configs:  make(map[string]*list.Element),
		alertIdx: make(map[string]int),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// DefaultConfigs returns the configs seeded on first start.
func DefaultConfigs() []domain.AlertConfig {
	return []domain.AlertConfig{
		{
			ID:        "alert-1",
			Name:      "High Risk Score",
			Condition: domain.AlertCondition{Type: domain.ConditionRiskScore, Operator: domain.OpGTE, Value: 0.8},
			IsActive:  true,
		},
		{
			ID:        "alert-2",
			Name:      "Large Transaction",
			Condition: domain.AlertCondition{Type: domain.ConditionAmount, Operator: domain.OpGT, Value: 10000},
			IsActive:  true,
		},
		{
			ID:        "alert-3",
			Name:      "Critical Risk",
			Condition: domain.AlertCondition{Type: domain.ConditionRiskScore, Operator: domain.OpGTE, Value: 0.95},
			IsActive:  true,
		},
	}
}

// ValidateConfig compiles cfg without adding it.
func (m *Manager) ValidateConfig(cfg *domain.AlertConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: alert config is required", domain.ErrInvalidInput)
	}
	if cfg.Name == "" {
		return fmt.Errorf("%w: alert config name is required", domain.ErrInvalidInput)
	}
	_, err := m.compiler.Compile(cfg.Condition)
	return err
}

// AddConfig appends cfg. An empty ID is filled in and a zero CreatedAt is
// stamped. It returns false for a duplicate ID or an invalid condition.
func (m *Manager) AddConfig(cfg *domain.AlertConfig) bool {
	if m.ValidateConfig(cfg) != nil {
		return false
	}
	cond, _ := m.compiler.Compile(cfg.Condition)

	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if _, exists := m.configs[cfg.ID]; exists {
		return false
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = m.now()
	}

	m.configs[cfg.ID] = m.order.PushBack(&entry{cfg: *cfg, cond: cond})
	return true
}

// LoadConfigs adds every valid config and returns how many were added.
func (m *Manager) LoadConfigs(cfgs []domain.AlertConfig) int {
	n := 0
	for i := range cfgs {
		if m.AddConfig(&cfgs[i]) {
			n++
		} else {
			m.logger.Warn("skipping alert config", "id", cfgs[i].ID, "name", cfgs[i].Name)
		}
	}
	return n
}

// RemoveConfig deletes a config. Alerts it produced are kept.
func (m *Manager) RemoveConfig(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.configs[id]
	if !ok {
		return false
	}
	m.order.Remove(el)
	delete(m.configs, id)
	return true
}

// ToggleConfig flips a config's active flag.
func (m *Manager) ToggleConfig(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.configs[id]
	if !ok {
		return false
	}
	e := el.Value.(*entry)
	e.cfg.IsActive = !e.cfg.IsActive
	return true
}

// GetConfig returns a copy of one config.
func (m *Manager) GetConfig(id string) (domain.AlertConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	el, ok := m.configs[id]
	if !ok {
		return domain.AlertConfig{}, false
	}
	return el.Value.(*entry).cfg, true
}

// GetConfigs returns copies of all configs in insertion order.
func (m *Manager) GetConfigs() []domain.AlertConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.AlertConfig, 0, m.order.Len())
	for el := m.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).cfg)
	}
	return out
}

// OnAlert registers a listener.
func (m *Manager) OnAlert(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// CheckTransaction evaluates every active config against tx, records an
// alert per match and notifies listeners. It returns the new alerts.
func (m *Manager) CheckTransaction(ctx context.Context, tx *domain.Transaction) []domain.Alert {
	m.mu.RLock()
	active := make([]entry, 0, m.order.Len())
	for el := m.order.Front(); el != nil; el = el.Next() {
		if e := el.Value.(*entry); e.cfg.IsActive {
			active = append(active, *e)
		}
	}
	m.mu.RUnlock()

	var (
		triggered []domain.Alert
		configs   []domain.AlertConfig
	)
	for _, e := range active {
		ok, err := e.cond.Match(tx)
		if err != nil {
			m.logger.Warn("alert condition failed", "config_id", e.cfg.ID, "tx_id", tx.TransactionID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		var score float64
		if tx.RiskScore != nil {
			score = *tx.RiskScore
		}
		triggered = append(triggered, domain.Alert{
			ID:            uuid.New().String(),
			ConfigID:      e.cfg.ID,
			ConfigName:    e.cfg.Name,
			TransactionID: tx.TransactionID,
			RiskScore:     score,
			Amount:        tx.Amount,
			TriggeredAt:   m.now(),
		})
		configs = append(configs, e.cfg)
	}

	if len(triggered) == 0 {
		return nil
	}

	m.mu.Lock()
	for _, a := range triggered {
		m.alertIdx[a.ID] = len(m.alerts)
		m.alerts = append(m.alerts, a)
	}
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for i := range triggered {
		a := triggered[i]
		for _, l := range listeners {
			m.notify(ctx, l, &a, &configs[i], tx)
		}
	}
	return triggered
}

func (m *Manager) notify(ctx context.Context, l Listener, a *domain.Alert, cfg *domain.AlertConfig, tx *domain.Transaction) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("alert listener panic", "alert_id", a.ID, "panic", r)
		}
	}()
	if err := l(ctx, a, cfg, tx); err != nil {
		m.logger.Error("alert listener failed", "alert_id", a.ID, "error", err)
	}
}

// AcknowledgeAlert marks an unacknowledged alert as acknowledged. It returns
// false if the alert does not exist or was already acknowledged.
func (m *Manager) AcknowledgeAlert(id, by string) bool {
	_, ok := m.Acknowledge(id, by)
	return ok
}

// Acknowledge is AcknowledgeAlert returning the updated record.
func (m *Manager) Acknowledge(id, by string) (domain.Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.alertIdx[id]
	if !ok || m.alerts[i].Acknowledged {
		return domain.Alert{}, false
	}
	at := m.now()
	m.alerts[i].Acknowledged = true
	m.alerts[i].AcknowledgedBy = by
	m.alerts[i].AcknowledgedAt = &at
	return m.alerts[i], true
}

// RestoreAlerts appends previously persisted alerts, skipping known IDs.
func (m *Manager) RestoreAlerts(alerts []domain.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range alerts {
		if _, ok := m.alertIdx[a.ID]; ok {
			continue
		}
		m.alertIdx[a.ID] = len(m.alerts)
		m.alerts = append(m.alerts, a)
	}
}

// GetAllAlerts returns copies of every alert in trigger order.
func (m *Manager) GetAllAlerts() []domain.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Alert(nil), m.alerts...)
}

// GetUnacknowledgedAlerts returns copies of the open alerts.
func (m *Manager) GetUnacknowledgedAlerts() []domain.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Alert
	for _, a := range m.alerts {
		if !a.Acknowledged {
			out = append(out, a)
		}
	}
	return out
}
