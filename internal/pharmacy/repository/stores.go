package repository

import (
	"github.com/medflow/pharmanet/internal/pharmacy/service"
	"github.com/medflow/pharmanet/pkg/database"
)

// NewStores builds every Postgres-backed store on db.
func NewStores(db *database.DB) service.Stores {
	return service.Stores{
		Medications: NewMedicationRepository(db),
		Sites:       NewSiteRepository(db),
		Lots:        NewLotRepository(db),
		Requests:    NewRequestRepository(db),
		Alerts:      NewAlertRepository(db),
		Movements:   NewMovementRepository(db),
	}
}
