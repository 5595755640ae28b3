package service

import (
	"context"

	"github.com/medflow/pharmanet/internal/pharmacy/domain"
	"github.com/medflow/pharmanet/internal/pharmacy/events"
	"github.com/medflow/pharmanet/pkg/config"
	"github.com/medflow/pharmanet/pkg/lock"
	"github.com/medflow/pharmanet/pkg/logger"
)

// Stores bundles the persistence the services run on.
type Stores struct {
	Medications MedicationStore
	Sites       SiteStore
	Lots        LotStore
	Requests    RequestStore
	Alerts      AlertStore
	Movements   MovementStore
}

// Services is the pharmacy service layer, wired once at startup.
type Services struct {
	Priority        *PriorityResolver
	Lots            *LotInventory
	Alerts          *AlertManager
	Ledger          *MovementLedger
	Redistributions *RedistributionEngine
	Stock           *StockService
	Expiry          *ExpiryScanner
	Catalog         *Catalog
}

// New wires every service. A nil publisher disables notifications.
func New(tx Transactor, stores Stores, locker lock.Locker, publisher *events.Publisher, alertsCfg config.AlertsConfig, log *logger.Logger) *Services {
	if locker == nil {
		locker = lock.NewLocal()
	}

	priority := NewPriorityResolver(stores.Medications)
	lots := NewLotInventory(stores.Lots)
	alerts := NewAlertManager(stores.Alerts, publisher, log)
	ledger := NewMovementLedger(stores.Movements)

	return &Services{
		Priority: priority,
		Lots:     lots,
		Alerts:   alerts,
		Ledger:   ledger,
		Redistributions: &RedistributionEngine{
			tx:          tx,
			requests:    stores.Requests,
			medications: stores.Medications,
			sites:       stores.Sites,
			priority:    priority,
			lots:        lots,
			alerts:      alerts,
			ledger:      ledger,
			locker:      locker,
			publisher:   publisher,
			logger:      log.WithComponent("redistribution"),
		},
		Stock: &StockService{
			tx:          tx,
			medications: stores.Medications,
			sites:       stores.Sites,
			priority:    priority,
			lots:        lots,
			alerts:      alerts,
			ledger:      ledger,
			locker:      locker,
			publisher:   publisher,
			logger:      log.WithComponent("stock"),
		},
		Expiry:  NewExpiryScanner(stores.Lots, stores.Alerts, alerts, stores.Medications, stores.Sites, alertsCfg, log),
		Catalog: &Catalog{medications: stores.Medications, sites: stores.Sites, priority: priority},
	}
}

// Catalog serves the read-only reference data.
type Catalog struct {
	medications MedicationStore
	sites       SiteStore
	priority    *PriorityResolver
}

// MedicationPriority is a medication with its automatic tier.
type MedicationPriority struct {
	Medication *domain.Medication `json:"medication"`
	Priority   domain.Priority    `json:"priority"`
}

// Priority returns the medication's automatic priority.
func (c *Catalog) Priority(ctx context.Context, medicationID string) (*MedicationPriority, error) {
	med, err := c.medications.GetByID(ctx, medicationID)
	if err != nil {
		return nil, err
	}
	p, err := c.priority.Resolve(ctx, med.ID, nil)
	if err != nil {
		return nil, err
	}
	return &MedicationPriority{Medication: med, Priority: p}, nil
}

// Sites lists active sites by name
func (c *Catalog) Sites(ctx context.Context) ([]*domain.Site, error) {
	return c.sites.ListActive(ctx)
}
