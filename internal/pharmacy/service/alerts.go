package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/medflow/pharmanet/internal/pharmacy/domain"
	"github.com/medflow/pharmanet/internal/pharmacy/events"
	"github.com/medflow/pharmanet/pkg/errors"
	"github.com/medflow/pharmanet/pkg/logger"
)

// replenishedTypes are cleared when stock arrives at a site.
var replenishedTypes = []domain.AlertType{domain.AlertStockout, domain.AlertLowStock}

// AlertManager owns alert records.
type AlertManager struct {
	alerts    AlertStore
	publisher *events.Publisher
	logger    *logger.Logger
}

// NewAlertManager creates a new alert manager
func NewAlertManager(alerts AlertStore, publisher *events.Publisher, log *logger.Logger) *AlertManager {
	return &AlertManager{
		alerts:    alerts,
		publisher: publisher,
		logger:    log.WithComponent("alerts"),
	}
}

// Raise inserts a new ACTIVE alert. Existing active alerts of the same kind
// are left alone, so several may coexist.
func (m *AlertManager) Raise(ctx context.Context, medicationID, siteID string, alertType domain.AlertType, tier domain.Tier, description string) (*domain.Alert, error) {
	return m.raise(ctx, &domain.Alert{
		MedicationID: medicationID,
		SiteID:       siteID,
		AlertType:    alertType,
		Tier:         tier,
		Description:  description,
	})
}

// RaiseForLot is Raise for an alert about a single lot.
func (m *AlertManager) RaiseForLot(ctx context.Context, lot *domain.InventoryLot, alertType domain.AlertType, tier domain.Tier, description string) (*domain.Alert, error) {
	lotCode := lot.LotCode
	return m.raise(ctx, &domain.Alert{
		MedicationID: lot.MedicationID,
		SiteID:       lot.SiteID,
		AlertType:    alertType,
		LotCode:      &lotCode,
		Tier:         tier,
		Description:  description,
	})
}

func (m *AlertManager) raise(ctx context.Context, alert *domain.Alert) (*domain.Alert, error) {
	alertType := alert.AlertType
	if err := m.alerts.Create(ctx, alert); err != nil {
		return nil, fmt.Errorf("raise %s alert: %w", alertType, err)
	}

	m.logger.Info().
		Str("alert_id", alert.ID).
		Str("alert_type", string(alertType)).
		Str("tier", string(alert.Tier)).
		Str("medication_id", alert.MedicationID).
		Str("site_id", alert.SiteID).
		Msg("alert raised")

	notify(ctx, func(ctx context.Context) { m.publisher.AlertRaised(ctx, alert) })
	return alert, nil
}

// Resolve marks one alert RESOLVED by resolverID. An already resolved alert
// has its resolution fields rewritten.
func (m *AlertManager) Resolve(ctx context.Context, alertID, resolverID string, observations *string) (*domain.Alert, error) {
	if resolverID == "" {
		return nil, errors.Unauthenticated("an authenticated user is required to resolve alerts")
	}
	if observations != nil && strings.TrimSpace(*observations) == "" {
		observations = nil
	}

	alert, err := m.alerts.Resolve(ctx, alertID, resolverID, observations)
	if err != nil {
		return nil, err
	}

	m.logger.Info().Str("alert_id", alertID).Str("resolved_by", resolverID).Msg("alert resolved")
	notify(ctx, func(ctx context.Context) { m.publisher.AlertResolved(ctx, alert) })
	return alert, nil
}

// ResolveAllMatching resolves every alert of the given types for the
// medication at the site and returns how many changed.
func (m *AlertManager) ResolveAllMatching(ctx context.Context, medicationID, siteID string, types []domain.AlertType, onlyActive bool, resolverID string) (int64, error) {
	n, err := m.alerts.ResolveMatching(ctx, medicationID, siteID, types, onlyActive, resolverID)
	if err != nil {
		return 0, fmt.Errorf("resolve alerts: %w", err)
	}
	if n > 0 {
		m.logger.Info().
			Int64("count", n).
			Str("medication_id", medicationID).
			Str("site_id", siteID).
			Msg("alerts resolved")
		notify(ctx, func(ctx context.Context) {
			m.publisher.AlertsResolved(ctx, medicationID, siteID, types, n, resolverID)
		})
	}
	return n, nil
}

// StockChange describes a (medication, site) total after a stock mutation.
type StockChange struct {
	MedicationID   string
	SiteID         string
	MedicationName string
	SiteName       string
	Tier           domain.Tier
	Total          int
	Cause          string
}

// ReactToStockChange raises the alerts the new total calls for:
// STOCKOUT at zero, LOW_STOCK below LowStockThreshold, plus CRITICAL below
// CriticalStockThreshold when the tier is urgent.
func (m *AlertManager) ReactToStockChange(ctx context.Context, change StockChange) ([]*domain.Alert, error) {
	type pending struct {
		alertType   domain.AlertType
		description string
	}

	where := change.SiteName
	if change.Cause != "" {
		where += " " + change.Cause
	}

	var raise []pending
	switch {
	case change.Total <= 0:
		raise = append(raise, pending{domain.AlertStockout,
			fmt.Sprintf("Stockout of %s at %s", change.MedicationName, where)})
	case change.Total < domain.LowStockThreshold:
		raise = append(raise, pending{domain.AlertLowStock,
			fmt.Sprintf("Low stock of %s at %s: %d units left", change.MedicationName, where, change.Total)})
		if change.Total < domain.CriticalStockThreshold && change.Tier.Urgent() {
			raise = append(raise, pending{domain.AlertCritical,
				fmt.Sprintf("Critical stock of %s (%s priority) at %s: %d units left",
					change.MedicationName, change.Tier, where, change.Total)})
		}
	}

	alerts := make([]*domain.Alert, 0, len(raise))
	for _, p := range raise {
		alert, err := m.Raise(ctx, change.MedicationID, change.SiteID, p.alertType, change.Tier, p.description)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// List lists alerts, most severe first
func (m *AlertManager) List(ctx context.Context, f domain.AlertFilter) ([]*domain.AlertView, int64, error) {
	return m.alerts.List(ctx, f)
}

// Stats counts alerts, optionally for one site
func (m *AlertManager) Stats(ctx context.Context, siteID string) (*domain.AlertStats, error) {
	return m.alerts.Stats(ctx, siteID)
}
