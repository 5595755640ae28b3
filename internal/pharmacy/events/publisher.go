package events

import (
	"context"

	"github.com/medflow/pharmanet/internal/pharmacy/domain"
	"github.com/medflow/pharmanet/pkg/logger"
	"github.com/medflow/pharmanet/pkg/messaging"
	"github.com/shopspring/decimal"
)

// Sender publishes one event. *messaging.Publisher satisfies it.
type Sender interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// Publisher turns pharmacy state changes into bus events. Failures are
// logged and never reach the caller. A nil *Publisher drops everything.
type Publisher struct {
	sender Sender
	logger *logger.Logger
}

// NewPublisher creates a publisher on an existing sender
func NewPublisher(sender Sender, log *logger.Logger) *Publisher {
	return &Publisher{sender: sender, logger: log.WithComponent("events")}
}

// Connect declares the pharmacy exchange and returns a publisher bound to it
func Connect(rmq *messaging.RabbitMQ, log *logger.Logger) (*Publisher, error) {
	publisher, err := messaging.NewPublisher(rmq, messaging.ExchangePharmacyEvents, "pharmacy-service", log)
	if err != nil {
		return nil, err
	}
	return NewPublisher(publisher, log), nil
}

func (p *Publisher) publish(ctx context.Context, eventType string, data interface{}) {
	if p == nil || p.sender == nil {
		return
	}
	if err := p.sender.Publish(ctx, eventType, data); err != nil {
		p.logger.Warn().Err(err).Str("event_type", eventType).Msg("failed to publish event")
	}
}

// RedistributionRequested publishes a redistribution requested event
func (p *Publisher) RedistributionRequested(ctx context.Context, req *domain.RedistributionRequest, priority domain.Priority) {
	p.publish(ctx, messaging.EventRedistributionRequested, messaging.RedistributionRequestedEvent{
		RedistributionID:  req.ID,
		MedicationID:      req.MedicationID,
		OriginSiteID:      req.OriginSiteID,
		DestinationSiteID: req.DestinationSiteID,
		Quantity:          req.RequestedQuantity,
		EffectiveTier:     string(priority.Effective()),
		PrioritySource:    string(priority.Source),
		SuggestedLotCode:  req.LotCode,
		RequestedBy:       req.RequesterID,
	})
}

// RedistributionCompleted publishes a redistribution completed event
func (p *Publisher) RedistributionCompleted(ctx context.Context, req *domain.RedistributionRequest, lotCode string, originRemaining int) {
	approved := 0
	if req.ApprovedQuantity != nil {
		approved = *req.ApprovedQuantity
	}
	completedBy := ""
	if req.CompletedBy != nil {
		completedBy = *req.CompletedBy
	}

	p.publish(ctx, messaging.EventRedistributionCompleted, messaging.RedistributionCompletedEvent{
		RedistributionID:  req.ID,
		MedicationID:      req.MedicationID,
		OriginSiteID:      req.OriginSiteID,
		DestinationSiteID: req.DestinationSiteID,
		LotCode:           lotCode,
		ApprovedQuantity:  approved,
		OriginRemaining:   originRemaining,
		CompletedBy:       completedBy,
	})
}

// AlertRaised publishes an alert raised event
func (p *Publisher) AlertRaised(ctx context.Context, alert *domain.Alert) {
	p.publish(ctx, messaging.EventAlertRaised, messaging.AlertRaisedEvent{
		AlertID:      alert.ID,
		MedicationID: alert.MedicationID,
		SiteID:       alert.SiteID,
		AlertType:    string(alert.AlertType),
		LotCode:      alert.LotCode,
		Tier:         string(alert.Tier),
		Description:  alert.Description,
	})
}

// AlertResolved publishes the resolution of a single alert
func (p *Publisher) AlertResolved(ctx context.Context, alert *domain.Alert) {
	resolvedBy := ""
	if alert.ResolvedBy != nil {
		resolvedBy = *alert.ResolvedBy
	}

	p.publish(ctx, messaging.EventAlertResolved, messaging.AlertResolvedEvent{
		AlertID:      alert.ID,
		MedicationID: alert.MedicationID,
		SiteID:       alert.SiteID,
		AlertTypes:   []string{string(alert.AlertType)},
		Count:        1,
		ResolvedBy:   resolvedBy,
	})
}

// AlertsResolved publishes a bulk resolution. Nothing is sent when count is 0.
func (p *Publisher) AlertsResolved(ctx context.Context, medicationID, siteID string, types []domain.AlertType, count int64, resolvedBy string) {
	if count == 0 {
		return
	}
	labels := make([]string, len(types))
	for i, t := range types {
		labels[i] = string(t)
	}

	p.publish(ctx, messaging.EventAlertResolved, messaging.AlertResolvedEvent{
		MedicationID: medicationID,
		SiteID:       siteID,
		AlertTypes:   labels,
		Count:        int(count),
		ResolvedBy:   resolvedBy,
	})
}

// StockMoved publishes a stock entry or exit event
func (p *Publisher) StockMoved(ctx context.Context, m *domain.Movement, remaining int, unitPrice *decimal.Decimal) {
	eventType := messaging.EventStockExit
	if m.Type == domain.MovementEntry {
		eventType = messaging.EventStockEntry
	}

	p.publish(ctx, eventType, messaging.StockMovementEvent{
		MovementID:     m.ID,
		MedicationID:   m.MedicationID,
		SiteID:         m.SiteID,
		LotCode:        m.LotCode,
		Quantity:       m.Quantity,
		RemainingTotal: remaining,
		UnitPrice:      unitPrice,
		PerformedBy:    m.ActorID,
	})
}
