package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/medflow/pharmanet/internal/pharmacy/domain"
	"github.com/medflow/pharmanet/pkg/database"
)

// MovementRepository appends to and reads the movement ledger. It has no
// update or delete.
type MovementRepository struct {
	db *database.DB
}

// NewMovementRepository creates a new movement repository
func NewMovementRepository(db *database.DB) *MovementRepository {
	return &MovementRepository{db: db}
}

// Create appends a movement
func (r *MovementRepository) Create(ctx context.Context, m *domain.Movement) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}

	query := `
		INSERT INTO movements (
			id, medication_id, site_id, actor_id, movement_type, quantity,
			lot_code, patient_document, notes, redistribution_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING occurred_at
	`

	err := r.db.Conn(ctx).QueryRowxContext(ctx, query,
		m.ID, m.MedicationID, m.SiteID, m.ActorID, m.Type, m.Quantity,
		m.LotCode, m.PatientDocument, m.Notes, m.RedistributionID,
	).Scan(&m.OccurredAt)
	return database.MapError(err, "movement")
}

// List lists movements matching the filter, newest first
func (r *MovementRepository) List(ctx context.Context, f domain.MovementFilter) ([]*domain.Movement, int64, error) {
	w := &where{}
	if f.SiteID != "" {
		w.add("site_id = ?", f.SiteID)
	}
	if f.MedicationID != "" {
		w.add("medication_id = ?", f.MedicationID)
	}
	if f.Type != "" {
		w.add("movement_type = ?", f.Type)
	}
	if f.RedistributionID != "" {
		w.add("redistribution_id = ?", f.RedistributionID)
	}
	if f.From != nil {
		w.add("occurred_at >= ?", *f.From)
	}
	if f.To != nil {
		w.add("occurred_at < ?", *f.To)
	}
	conn := r.db.Conn(ctx)

	var total int64
	if err := conn.GetContext(ctx, &total, `SELECT COUNT(*) FROM movements`+w.String(), w.args...); err != nil {
		return nil, 0, err
	}

	limit, args := w.page(f.Page, f.PerPage)
	query := `SELECT * FROM movements` + w.String() + ` ORDER BY occurred_at DESC, id` + limit

	var movements []*domain.Movement
	if err := conn.SelectContext(ctx, &movements, query, args...); err != nil {
		return nil, 0, err
	}
	return movements, total, nil
}
