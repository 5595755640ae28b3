package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/medflow/pharmanet/internal/pharmacy/domain"
	"github.com/medflow/pharmanet/pkg/database"
)

// AlertRepository handles alert persistence
type AlertRepository struct {
	db *database.DB
}

// NewAlertRepository creates a new alert repository
func NewAlertRepository(db *database.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// Create inserts an ACTIVE alert
func (r *AlertRepository) Create(ctx context.Context, alert *domain.Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	alert.State = domain.AlertActive

	query := `
		INSERT INTO alerts (id, medication_id, site_id, alert_type, lot_code, priority_tier, description, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING generated_at
	`

	err := r.db.Conn(ctx).QueryRowxContext(ctx, query,
		alert.ID, alert.MedicationID, alert.SiteID, alert.AlertType, alert.LotCode,
		alert.Tier, alert.Description, alert.State,
	).Scan(&alert.GeneratedAt)
	return database.MapError(err, "alert")
}

// Resolve marks an alert RESOLVED. Resolving an already resolved alert
// overwrites the resolution fields.
func (r *AlertRepository) Resolve(ctx context.Context, id, resolverID string, observations *string) (*domain.Alert, error) {
	var alert domain.Alert
	query := `
		UPDATE alerts
		SET state = $2, resolved_at = NOW(), resolved_by = $3, observations = $4
		WHERE id = $1
		RETURNING *
	`
	if err := r.db.Conn(ctx).GetContext(ctx, &alert, query, id, domain.AlertResolved, resolverID, observations); err != nil {
		return nil, database.MapError(err, "alert")
	}
	return &alert, nil
}

// ResolveMatching resolves the alerts of the given types for a medication at
// a site and returns how many were touched.
func (r *AlertRepository) ResolveMatching(ctx context.Context, medicationID, siteID string, types []domain.AlertType, onlyActive bool, resolverID string) (int64, error) {
	labels := make([]string, len(types))
	for i, t := range types {
		labels[i] = string(t)
	}

	query := `
		UPDATE alerts
		SET state = 'RESOLVED', resolved_at = NOW(), resolved_by = $4
		WHERE medication_id = $1 AND site_id = $2 AND alert_type = ANY($3)
	`
	if onlyActive {
		query += ` AND state = 'ACTIVE'`
	}

	result, err := r.db.Conn(ctx).ExecContext(ctx, query, medicationID, siteID, pq.Array(labels), resolverID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// HasActiveExpiry reports whether lotCode of the medication at the site
// already has an ACTIVE expiry alert.
func (r *AlertRepository) HasActiveExpiry(ctx context.Context, medicationID, siteID, lotCode string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM alerts
			WHERE medication_id = $1 AND site_id = $2 AND alert_type = 'EXPIRY'
			AND state = 'ACTIVE' AND lot_code = $3
		)
	`
	if err := r.db.Conn(ctx).GetContext(ctx, &exists, query, medicationID, siteID, lotCode); err != nil {
		return false, err
	}
	return exists, nil
}

// List lists alerts, most severe tier first, then newest first
func (r *AlertRepository) List(ctx context.Context, f domain.AlertFilter) ([]*domain.AlertView, int64, error) {
	w := &where{}
	if f.SiteID != "" {
		w.add("a.site_id = ?", f.SiteID)
	}
	if f.MedicationID != "" {
		w.add("a.medication_id = ?", f.MedicationID)
	}
	if f.State != "" {
		w.add("a.state = ?", f.State)
	}
	if f.Type != "" {
		w.add("a.alert_type = ?", f.Type)
	}
	if f.Tier != "" {
		w.add("a.priority_tier = ?", f.Tier)
	}
	conn := r.db.Conn(ctx)

	var total int64
	if err := conn.GetContext(ctx, &total, `SELECT COUNT(*) FROM alerts a`+w.String(), w.args...); err != nil {
		return nil, 0, err
	}

	limit, args := w.page(f.Page, f.PerPage)
	query := `
		SELECT a.*, m.name AS medication_name, s.name AS site_name,
			EXTRACT(EPOCH FROM (a.resolved_at - a.generated_at)) / 3600 AS hours_to_resolve
		FROM alerts a
		JOIN medications m ON m.id = a.medication_id
		JOIN sites s ON s.id = a.site_id` + w.String() + `
		ORDER BY CASE a.priority_tier
			WHEN 'CRITICAL' THEN 0 WHEN 'HIGH' THEN 1 WHEN 'MEDIUM' THEN 2 ELSE 3 END,
			a.generated_at DESC` + limit

	var alerts []*domain.AlertView
	if err := conn.SelectContext(ctx, &alerts, query, args...); err != nil {
		return nil, 0, err
	}
	return alerts, total, nil
}

type alertCount struct {
	State domain.AlertState `db:"state"`
	Type  string            `db:"alert_type"`
	Tier  string            `db:"priority_tier"`
	Count int64             `db:"count"`
}

// Stats counts alerts, optionally for one site. Tier and type breakdowns
// cover active alerts only.
func (r *AlertRepository) Stats(ctx context.Context, siteID string) (*domain.AlertStats, error) {
	w := &where{}
	if siteID != "" {
		w.add("site_id = ?", siteID)
	}

	var rows []alertCount
	query := `
		SELECT state, alert_type, priority_tier, COUNT(*) AS count
		FROM alerts` + w.String() + `
		GROUP BY state, alert_type, priority_tier
	`
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, w.args...); err != nil {
		return nil, err
	}

	stats := &domain.AlertStats{
		ByTier: make(map[domain.Tier]int64),
		ByType: make(map[domain.AlertType]int64),
	}
	for _, row := range rows {
		if row.State == domain.AlertResolved {
			stats.Resolved += row.Count
			continue
		}
		stats.Active += row.Count
		stats.ByTier[domain.Tier(row.Tier)] += row.Count
		stats.ByType[domain.AlertType(row.Type)] += row.Count
	}
	return stats, nil
}
