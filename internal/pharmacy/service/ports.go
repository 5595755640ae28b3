// Package service implements the pharmacy network's business rules: priority
// resolution, FEFO lot handling, alerts, the movement ledger, stock entries
// and exits, and the redistribution lifecycle.
package service

import (
	"context"
	"time"

	"github.com/medflow/pharmanet/internal/pharmacy/domain"
)

// The interfaces below are satisfied by the repository package. Services
// depend on them so their rules can be exercised without a database.

// Transactor runs fn in a transaction carried by ctx.
type Transactor interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type MedicationStore interface {
	GetByID(ctx context.Context, id string) (*domain.Medication, error)
	CategoryTier(ctx context.Context, medicationID string) (string, error)
}

type SiteStore interface {
	GetByID(ctx context.Context, id string) (*domain.Site, error)
	ListActive(ctx context.Context) ([]*domain.Site, error)
}

type LotStore interface {
	ListAvailable(ctx context.Context, medicationID, siteID string) ([]*domain.LotView, error)
	LockCovering(ctx context.Context, medicationID, siteID string, quantity int) (*domain.InventoryLot, error)
	Get(ctx context.Context, medicationID, siteID, lotCode string) (*domain.InventoryLot, error)
	Decrement(ctx context.Context, medicationID, siteID, lotCode string, quantity int) (int, error)
	Increment(ctx context.Context, lot *domain.InventoryLot, quantity int) (*domain.InventoryLot, error)
	TotalStock(ctx context.Context, medicationID, siteID string) (int, error)
	StockBySite(ctx context.Context, medicationID, excludeSiteID string) ([]*domain.SiteStock, error)
	ListExpiring(ctx context.Context, withinDays int) ([]*domain.LotView, error)
}

type RequestStore interface {
	Create(ctx context.Context, req *domain.RedistributionRequest) error
	GetForUpdate(ctx context.Context, id string) (*domain.RedistributionRequest, error)
	GetView(ctx context.Context, id string) (*domain.RedistributionView, error)
	MarkCompleted(ctx context.Context, id string, approved int, completedBy string, observations *string) (time.Time, error)
	List(ctx context.Context, f domain.RedistributionFilter) ([]*domain.RedistributionView, int64, error)
	Stats(ctx context.Context) (*domain.RedistributionStats, error)
}

type AlertStore interface {
	Create(ctx context.Context, alert *domain.Alert) error
	Resolve(ctx context.Context, id, resolverID string, observations *string) (*domain.Alert, error)
	ResolveMatching(ctx context.Context, medicationID, siteID string, types []domain.AlertType, onlyActive bool, resolverID string) (int64, error)
	HasActiveExpiry(ctx context.Context, medicationID, siteID, lotCode string) (bool, error)
	List(ctx context.Context, f domain.AlertFilter) ([]*domain.AlertView, int64, error)
	Stats(ctx context.Context, siteID string) (*domain.AlertStats, error)
}

type MovementStore interface {
	Create(ctx context.Context, m *domain.Movement) error
	List(ctx context.Context, f domain.MovementFilter) ([]*domain.Movement, int64, error)
}
