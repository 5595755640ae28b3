package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/medflow/pharmanet/internal/pharmacy/domain"
	"github.com/medflow/pharmanet/pkg/database"
	"github.com/medflow/pharmanet/pkg/errors"
)

const requestViewQuery = `
	SELECT r.*, m.name AS medication_name,
		o.name AS origin_site_name, d.name AS destination_site_name
	FROM redistribution_requests r
	JOIN medications m ON m.id = r.medication_id
	JOIN sites o ON o.id = r.origin_site_id
	JOIN sites d ON d.id = r.destination_site_id`

// RequestRepository is the only writer of redistribution_requests.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new redistribution request repository
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create inserts a request in the REQUESTED state
func (r *RequestRepository) Create(ctx context.Context, req *domain.RedistributionRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.State = domain.StateRequested

	query := `
		INSERT INTO redistribution_requests (
			id, medication_id, origin_site_id, destination_site_id, requester_id,
			requested_quantity, lot_code, automatic_priority, manual_priority,
			priority_justification, medical_justification, affected_patients, state
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING requested_at
	`

	err := r.db.Conn(ctx).QueryRowxContext(ctx, query,
		req.ID, req.MedicationID, req.OriginSiteID, req.DestinationSiteID, req.RequesterID,
		req.RequestedQuantity, req.LotCode, req.AutomaticPriority, req.ManualPriority,
		req.PriorityJustification, req.MedicalJustification, req.AffectedPatients, req.State,
	).Scan(&req.RequestedAt)
	return database.MapError(err, "redistribution request")
}

// GetForUpdate loads a request and locks its row until the transaction ends.
func (r *RequestRepository) GetForUpdate(ctx context.Context, id string) (*domain.RedistributionRequest, error) {
	var req domain.RedistributionRequest
	query := `SELECT * FROM redistribution_requests WHERE id = $1 FOR UPDATE`
	if err := r.db.Conn(ctx).GetContext(ctx, &req, query, id); err != nil {
		return nil, database.MapError(err, "redistribution request")
	}
	return &req, nil
}

// GetView gets a request with medication and site names
func (r *RequestRepository) GetView(ctx context.Context, id string) (*domain.RedistributionView, error) {
	var view domain.RedistributionView
	if err := r.db.Conn(ctx).GetContext(ctx, &view, requestViewQuery+` WHERE r.id = $1`, id); err != nil {
		return nil, database.MapError(err, "redistribution request")
	}
	return &view, nil
}

// MarkCompleted moves a REQUESTED request to COMPLETED. A request that is
// no longer REQUESTED yields an INVALID_STATE error.
func (r *RequestRepository) MarkCompleted(ctx context.Context, id string, approved int, completedBy string, observations *string) (time.Time, error) {
	var completedAt time.Time
	query := `
		UPDATE redistribution_requests
		SET state = $2, completed_at = NOW(), approved_quantity = $3, completed_by = $4, observations = $5
		WHERE id = $1 AND state = $6
		RETURNING completed_at
	`
	err := r.db.Conn(ctx).GetContext(ctx, &completedAt, query,
		id, domain.StateCompleted, approved, completedBy, observations, domain.StateRequested,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		return time.Time{}, errors.InvalidState("redistribution request is not awaiting completion")
	}
	if err != nil {
		return time.Time{}, database.MapError(err, "redistribution request")
	}
	return completedAt, nil
}

func requestFilter(f domain.RedistributionFilter) *where {
	w := &where{}
	if f.Tier != "" {
		w.add("COALESCE(r.manual_priority, r.automatic_priority) = ?", f.Tier)
	}
	if f.State != "" {
		w.add("r.state = ?", f.State)
	}
	if f.OriginSiteID != "" {
		w.add("r.origin_site_id = ?", f.OriginSiteID)
	}
	if f.DestinationSiteID != "" {
		w.add("r.destination_site_id = ?", f.DestinationSiteID)
	}
	return w
}

// List lists requests matching the filter, newest first
func (r *RequestRepository) List(ctx context.Context, f domain.RedistributionFilter) ([]*domain.RedistributionView, int64, error) {
	w := requestFilter(f)
	conn := r.db.Conn(ctx)

	var total int64
	countQuery := `SELECT COUNT(*) FROM redistribution_requests r` + w.String()
	if err := conn.GetContext(ctx, &total, countQuery, w.args...); err != nil {
		return nil, 0, err
	}

	limit, args := w.page(f.Page, f.PerPage)
	query := requestViewQuery + w.String() + ` ORDER BY r.requested_at DESC, r.id` + limit

	var views []*domain.RedistributionView
	if err := conn.SelectContext(ctx, &views, query, args...); err != nil {
		return nil, 0, err
	}
	return views, total, nil
}

// Stats counts requests by state. Critical pending uses the effective tier.
func (r *RequestRepository) Stats(ctx context.Context) (*domain.RedistributionStats, error) {
	var stats domain.RedistributionStats
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE state = 'REQUESTED') AS pending,
			COUNT(*) FILTER (WHERE state = 'COMPLETED') AS completed,
			COUNT(*) FILTER (
				WHERE state = 'REQUESTED'
				AND COALESCE(manual_priority, automatic_priority) = 'CRITICAL'
			) AS critical_pending
		FROM redistribution_requests
	`
	if err := r.db.Conn(ctx).GetContext(ctx, &stats, query); err != nil {
		return nil, err
	}
	return &stats, nil
}
