package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// AlertConfigs returns the configs in insertion order.
func (s *Service) AlertConfigs() []domain.AlertConfig {
	return s.alerts.GetConfigs()
}

// AddAlertConfig validates, registers and stores cfg.
func (s *Service) AddAlertConfig(ctx context.Context, cfg domain.AlertConfig) (domain.AlertConfig, error) {
	if err := s.alerts.ValidateConfig(&cfg); err != nil {
		return domain.AlertConfig{}, err
	}
	if !s.alerts.AddConfig(&cfg) {
		return domain.AlertConfig{}, fmt.Errorf("%w: alert config %s already exists", domain.ErrInvalidInput, cfg.ID)
	}
	if s.repo != nil {
		if err := s.repo.SaveAlertConfig(ctx, &cfg); err != nil {
			s.alerts.RemoveConfig(cfg.ID)
			return domain.AlertConfig{}, fmt.Errorf("failed to store alert config: %w", err)
		}
	}
	return cfg, nil
}

// RemoveAlertConfig deletes a config. Alerts it already raised are kept.
func (s *Service) RemoveAlertConfig(ctx context.Context, id string) error {
	if !s.alerts.RemoveConfig(id) {
		return domain.ErrNotFound
	}
	if s.repo != nil {
		if err := s.repo.DeleteAlertConfig(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("failed to delete alert config: %w", err)
		}
	}
	return nil
}

// ToggleAlertConfig flips a config's active flag and returns the result.
func (s *Service) ToggleAlertConfig(ctx context.Context, id string) (domain.AlertConfig, error) {
	if !s.alerts.ToggleConfig(id) {
		return domain.AlertConfig{}, domain.ErrNotFound
	}
	cfg, ok := s.alerts.GetConfig(id)
	if !ok {
		return domain.AlertConfig{}, domain.ErrNotFound
	}
	if s.repo != nil {
		if err := s.repo.SaveAlertConfig(ctx, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to store alert config: %w", err)
		}
	}
	return cfg, nil
}

// Alerts returns the alert history in trigger order.
func (s *Service) Alerts(unacknowledgedOnly bool) []domain.Alert {
	if unacknowledgedOnly {
		return s.alerts.GetUnacknowledgedAlerts()
	}
	return s.alerts.GetAllAlerts()
}

// AcknowledgeAlert marks an alert as handled by the named user.
func (s *Service) AcknowledgeAlert(ctx context.Context, id, by string) (domain.Alert, error) {
	a, ok := s.alerts.Acknowledge(id, by)
	if !ok {
		return domain.Alert{}, domain.ErrNotFound
	}
	if s.repo != nil && a.AcknowledgedAt != nil {
		if err := s.repo.AcknowledgeAlert(ctx, id, by, *a.AcknowledgedAt); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return a, fmt.Errorf("failed to store acknowledgement: %w", err)
		}
	}
	return a, nil
}

func (s *Service) persistAlert(ctx context.Context, a *domain.Alert, _ *domain.AlertConfig, _ *domain.Transaction) error {
	return s.repo.SaveAlert(ctx, a)
}

func (s *Service) publishAlert(ctx context.Context, a *domain.Alert, _ *domain.AlertConfig, _ *domain.Transaction) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, domain.TopicAlert, payload)
}

func countAlert(_ context.Context, a *domain.Alert, _ *domain.AlertConfig, _ *domain.Transaction) error {
	metrics.AlertsTriggered.WithLabelValues(a.ConfigID).Inc()
	return nil
}
