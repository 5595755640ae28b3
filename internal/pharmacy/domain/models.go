// Package domain holds the pharmacy network's entities and the value types
// shared by the repository, service and handler layers.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stock thresholds that drive alert generation.
const (
	LowStockThreshold      = 10
	CriticalStockThreshold = 5
)

// PathologyCategory groups medications by the condition they treat. Its
// PriorityTier is stored as entered and normalized with ParseTier.
type PathologyCategory struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	PriorityTier string    `db:"priority_tier" json:"priority_tier"`
	Color        *string   `db:"color" json:"color,omitempty"`
	Description  *string   `db:"description" json:"description,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Medication is reference data; the core never modifies it.
type Medication struct {
	ID                    string    `db:"id" json:"id"`
	Name                  string    `db:"name" json:"name"`
	Strength              *string   `db:"strength" json:"strength,omitempty"`
	Form                  *string   `db:"form" json:"form,omitempty"`
	ActiveIngredient      *string   `db:"active_ingredient" json:"active_ingredient,omitempty"`
	Unit                  string    `db:"unit" json:"unit"`
	RequiresRefrigeration bool      `db:"requires_refrigeration" json:"requires_refrigeration"`
	PathologyCategoryID   *string   `db:"pathology_category_id" json:"pathology_category_id,omitempty"`
	CreatedAt             time.Time `db:"created_at" json:"created_at"`
}

// Site is a hospital, clinic or pharmacy holding stock.
type Site struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	City      *string   `db:"city" json:"city,omitempty"`
	SiteType  string    `db:"site_type" json:"site_type"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// InventoryLot is the quantity of one batch of a medication at one site.
// (MedicationID, SiteID, LotCode) is unique and Quantity is never negative.
// Rows that reach zero are kept.
type InventoryLot struct {
	ID           string              `db:"id" json:"id"`
	MedicationID string              `db:"medication_id" json:"medication_id"`
	SiteID       string              `db:"site_id" json:"site_id"`
	LotCode      string              `db:"lot_code" json:"lot_code"`
	Quantity     int                 `db:"quantity" json:"quantity"`
	ExpiryDate   time.Time           `db:"expiry_date" json:"expiry_date"`
	ReceivedDate time.Time           `db:"received_date" json:"received_date"`
	Supplier     *string             `db:"supplier" json:"supplier,omitempty"`
	UnitPrice    decimal.NullDecimal `db:"unit_price" json:"unit_price"`
	CreatedAt    time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time           `db:"updated_at" json:"updated_at"`
}

// LotView adds the days left before expiry, negative once expired.
type LotView struct {
	InventoryLot
	DaysToExpiry int `db:"days_to_expiry" json:"days_to_expiry"`
}

// SiteStock summarizes one medication's stock at one site.
type SiteStock struct {
	SiteID        string     `db:"site_id" json:"site_id"`
	SiteName      string     `db:"site_name" json:"site_name"`
	City          *string    `db:"city" json:"city,omitempty"`
	Total         int        `db:"total" json:"total"`
	LotCount      int        `db:"lot_count" json:"lot_count"`
	NearestExpiry *time.Time `db:"nearest_expiry" json:"nearest_expiry,omitempty"`
}

// RequestState is the lifecycle state of a redistribution request.
type RequestState string

const (
	StateRequested RequestState = "REQUESTED"
	StateCompleted RequestState = "COMPLETED"
)

// RedistributionRequest asks to move stock of one medication from an origin
// site to a destination site. It only ever moves from REQUESTED to COMPLETED.
type RedistributionRequest struct {
	ID                    string       `db:"id" json:"id"`
	MedicationID          string       `db:"medication_id" json:"medication_id"`
	OriginSiteID          string       `db:"origin_site_id" json:"origin_site_id"`
	DestinationSiteID     string       `db:"destination_site_id" json:"destination_site_id"`
	RequesterID           string       `db:"requester_id" json:"requester_id"`
	RequestedQuantity     int          `db:"requested_quantity" json:"requested_quantity"`
	LotCode               *string      `db:"lot_code" json:"lot_code,omitempty"`
	AutomaticPriority     Tier         `db:"automatic_priority" json:"automatic_priority"`
	ManualPriority        *Tier        `db:"manual_priority" json:"manual_priority,omitempty"`
	PriorityJustification *string      `db:"priority_justification" json:"priority_justification,omitempty"`
	MedicalJustification  string       `db:"medical_justification" json:"medical_justification"`
	AffectedPatients      *int         `db:"affected_patients" json:"affected_patients,omitempty"`
	State                 RequestState `db:"state" json:"state"`
	RequestedAt           time.Time    `db:"requested_at" json:"requested_at"`
	CompletedAt           *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
	ApprovedQuantity      *int         `db:"approved_quantity" json:"approved_quantity,omitempty"`
	CompletedBy           *string      `db:"completed_by" json:"completed_by,omitempty"`
	Observations          *string      `db:"observations" json:"observations,omitempty"`
}

// Priority returns the request's resolved priority.
func (r *RedistributionRequest) Priority() Priority {
	if r.ManualPriority != nil && *r.ManualPriority != "" {
		p := Priority{Source: SourceManual, Tier: *r.ManualPriority, Automatic: r.AutomaticPriority}
		p.Justification = r.PriorityJustification
		return p
	}
	return AutomaticPriority(r.AutomaticPriority)
}

// EffectiveTier is the manual tier when present, otherwise the automatic one.
func (r *RedistributionRequest) EffectiveTier() Tier {
	return EffectiveTier(r.AutomaticPriority, r.ManualPriority)
}

// RedistributionView is a request joined with the names shown in listings.
type RedistributionView struct {
	RedistributionRequest
	MedicationName      string `db:"medication_name" json:"medication_name"`
	OriginSiteName      string `db:"origin_site_name" json:"origin_site_name"`
	DestinationSiteName string `db:"destination_site_name" json:"destination_site_name"`
}

// RedistributionDetail adds the origin's current stock, so reviewers can
// judge whether the request can still be fulfilled.
type RedistributionDetail struct {
	RedistributionView
	EffectivePriority Tier `json:"effective_priority"`
	OriginStock       int  `json:"origin_stock"`
}

// RedistributionFilter selects requests. Empty fields do not filter; Tier
// matches the effective tier.
type RedistributionFilter struct {
	Tier              Tier
	State             RequestState
	OriginSiteID      string
	DestinationSiteID string
	Page              int
	PerPage           int
}

// RedistributionStats counts requests for the dashboard.
type RedistributionStats struct {
	Total           int64 `db:"total" json:"total"`
	Pending         int64 `db:"pending" json:"pending"`
	Completed       int64 `db:"completed" json:"completed"`
	CriticalPending int64 `db:"critical_pending" json:"critical_pending"`
}

// AlertType classifies what an alert is about.
type AlertType string

const (
	AlertExpiry   AlertType = "EXPIRY"
	AlertStockout AlertType = "STOCKOUT"
	AlertLowStock AlertType = "LOW_STOCK"
	AlertCritical AlertType = "CRITICAL"
)

// AlertState is ACTIVE until someone or something resolves the alert.
type AlertState string

const (
	AlertActive   AlertState = "ACTIVE"
	AlertResolved AlertState = "RESOLVED"
)

// Alert flags a stock or expiry condition for a medication at a site.
// LotCode is set only for alerts about one lot.
type Alert struct {
	ID           string     `db:"id" json:"id"`
	MedicationID string     `db:"medication_id" json:"medication_id"`
	SiteID       string     `db:"site_id" json:"site_id"`
	AlertType    AlertType  `db:"alert_type" json:"alert_type"`
	LotCode      *string    `db:"lot_code" json:"lot_code,omitempty"`
	Tier         Tier       `db:"priority_tier" json:"priority_tier"`
	Description  string     `db:"description" json:"description"`
	State        AlertState `db:"state" json:"state"`
	GeneratedAt  time.Time  `db:"generated_at" json:"generated_at"`
	ResolvedAt   *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolvedBy   *string    `db:"resolved_by" json:"resolved_by,omitempty"`
	Observations *string    `db:"observations" json:"observations,omitempty"`
}

// AlertView is an alert with display names and, once resolved, how long it
// stayed open.
type AlertView struct {
	Alert
	MedicationName string   `db:"medication_name" json:"medication_name"`
	SiteName       string   `db:"site_name" json:"site_name"`
	HoursToResolve *float64 `db:"hours_to_resolve" json:"hours_to_resolve,omitempty"`
}

// AlertFilter selects alerts. Empty fields do not filter.
type AlertFilter struct {
	SiteID       string
	MedicationID string
	State        AlertState
	Type         AlertType
	Tier         Tier
	Page         int
	PerPage      int
}

// AlertStats counts alerts for the dashboard.
type AlertStats struct {
	Active   int64               `json:"active"`
	Resolved int64               `json:"resolved"`
	ByTier   map[Tier]int64      `json:"by_tier"`
	ByType   map[AlertType]int64 `json:"by_type"`
}

// MovementType is the direction of a ledger entry.
type MovementType string

const (
	MovementEntry MovementType = "ENTRY"
	MovementExit  MovementType = "EXIT"
)

// Movement is one append-only ledger entry.
type Movement struct {
	ID               string       `db:"id" json:"id"`
	MedicationID     string       `db:"medication_id" json:"medication_id"`
	SiteID           string       `db:"site_id" json:"site_id"`
	ActorID          string       `db:"actor_id" json:"actor_id"`
	Type             MovementType `db:"movement_type" json:"movement_type"`
	Quantity         int          `db:"quantity" json:"quantity"`
	LotCode          string       `db:"lot_code" json:"lot_code"`
	PatientDocument  *string      `db:"patient_document" json:"patient_document,omitempty"`
	Notes            string       `db:"notes" json:"notes"`
	RedistributionID *string      `db:"redistribution_id" json:"redistribution_id,omitempty"`
	OccurredAt       time.Time    `db:"occurred_at" json:"occurred_at"`
}

// MovementFilter selects ledger entries. Zero values do not filter.
type MovementFilter struct {
	SiteID           string
	MedicationID     string
	Type             MovementType
	RedistributionID string
	From             *time.Time
	To               *time.Time
	Page             int
	PerPage          int
}
