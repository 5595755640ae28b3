package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types published by the pharmacy service
const (
	EventRedistributionRequested = "redistribution.requested"
	EventRedistributionCompleted = "redistribution.completed"
	EventAlertRaised             = "alert.raised"
	EventAlertResolved           = "alert.resolved"
	EventStockEntry              = "stock.entry"
	EventStockExit               = "stock.exit"
)

// Event types consumed from the identity provider
const (
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"
)

// Exchange names
const (
	ExchangePharmacyEvents = "pharmacy.events"
	ExchangeUserEvents     = "user.events"
	ExchangeDeadLetter     = "dlx.events"
)

// Event is the envelope every message on the bus carries
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// RedistributionRequestedEvent is published after a request is persisted
type RedistributionRequestedEvent struct {
	RedistributionID  string  `json:"redistribution_id"`
	MedicationID      string  `json:"medication_id"`
	OriginSiteID      string  `json:"origin_site_id"`
	DestinationSiteID string  `json:"destination_site_id"`
	Quantity          int     `json:"quantity"`
	EffectiveTier     string  `json:"effective_tier"`
	PrioritySource    string  `json:"priority_source"`
	SuggestedLotCode  *string `json:"suggested_lot_code,omitempty"`
	RequestedBy       string  `json:"requested_by"`
}

// RedistributionCompletedEvent is published after a transfer commits
type RedistributionCompletedEvent struct {
	RedistributionID  string `json:"redistribution_id"`
	MedicationID      string `json:"medication_id"`
	OriginSiteID      string `json:"origin_site_id"`
	DestinationSiteID string `json:"destination_site_id"`
	LotCode           string `json:"lot_code"`
	ApprovedQuantity  int    `json:"approved_quantity"`
	OriginRemaining   int    `json:"origin_remaining"`
	CompletedBy       string `json:"completed_by"`
}

// AlertRaisedEvent is published for every alert created
type AlertRaisedEvent struct {
	AlertID      string  `json:"alert_id"`
	MedicationID string  `json:"medication_id"`
	SiteID       string  `json:"site_id"`
	AlertType    string  `json:"alert_type"`
	LotCode      *string `json:"lot_code,omitempty"`
	Tier         string  `json:"tier"`
	Description  string  `json:"description"`
}

// AlertResolvedEvent is published when alerts are closed, individually or in bulk
type AlertResolvedEvent struct {
	AlertID      string   `json:"alert_id,omitempty"`
	MedicationID string   `json:"medication_id,omitempty"`
	SiteID       string   `json:"site_id,omitempty"`
	AlertTypes   []string `json:"alert_types,omitempty"`
	Count        int      `json:"count"`
	ResolvedBy   string   `json:"resolved_by"`
}

// StockMovementEvent is published for entries and exits
type StockMovementEvent struct {
	MovementID     string           `json:"movement_id"`
	MedicationID   string           `json:"medication_id"`
	SiteID         string           `json:"site_id"`
	LotCode        string           `json:"lot_code"`
	Quantity       int              `json:"quantity"`
	RemainingTotal int              `json:"remaining_total"`
	UnitPrice      *decimal.Decimal `json:"unit_price,omitempty"`
	PerformedBy    string           `json:"performed_by"`
}

// UserCreatedEvent is consumed to keep the local user directory current
type UserCreatedEvent struct {
	UserID    string  `json:"user_id"`
	Email     string  `json:"email"`
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	RoleName  string  `json:"role_name"`
	SiteID    *string `json:"site_id,omitempty"`
}

// FullName returns the user's full name
func (e *UserCreatedEvent) FullName() string {
	return e.FirstName + " " + e.LastName
}

// UserUpdatedEvent carries changed fields as {"field": {"from": x, "to": y}}
type UserUpdatedEvent struct {
	UserID string         `json:"user_id"`
	Fields map[string]any `json:"fields"`
}

// UserDeletedEvent is consumed to drop a user from the directory
type UserDeletedEvent struct {
	UserID string `json:"user_id"`
}
