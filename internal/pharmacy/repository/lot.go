package repository

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/google/uuid"
	"github.com/medflow/pharmanet/internal/pharmacy/domain"
	"github.com/medflow/pharmanet/pkg/database"
	"github.com/medflow/pharmanet/pkg/errors"
)

const lotViewColumns = `*, (expiry_date - CURRENT_DATE) AS days_to_expiry`

// LotRepository is the only writer of inventory_lots.
type LotRepository struct {
	db *database.DB
}

// NewLotRepository creates a new lot repository
func NewLotRepository(db *database.DB) *LotRepository {
	return &LotRepository{db: db}
}

// ListAvailable lists lots with stock, earliest expiry first.
func (r *LotRepository) ListAvailable(ctx context.Context, medicationID, siteID string) ([]*domain.LotView, error) {
	var lots []*domain.LotView
	query := `
		SELECT ` + lotViewColumns + ` FROM inventory_lots
		WHERE medication_id = $1 AND site_id = $2 AND quantity > 0
		ORDER BY expiry_date, lot_code
	`
	if err := r.db.Conn(ctx).SelectContext(ctx, &lots, query, medicationID, siteID); err != nil {
		return nil, err
	}
	return lots, nil
}

// LockCovering locks and returns the earliest-expiring lot holding at least
// quantity units, or nil when no single lot can cover it.
func (r *LotRepository) LockCovering(ctx context.Context, medicationID, siteID string, quantity int) (*domain.InventoryLot, error) {
	var lot domain.InventoryLot
	query := `
		SELECT * FROM inventory_lots
		WHERE medication_id = $1 AND site_id = $2 AND quantity >= $3
		ORDER BY expiry_date, lot_code
		LIMIT 1
		FOR UPDATE
	`
	err := r.db.Conn(ctx).GetContext(ctx, &lot, query, medicationID, siteID, quantity)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

// Get gets a lot by its identity
func (r *LotRepository) Get(ctx context.Context, medicationID, siteID, lotCode string) (*domain.InventoryLot, error) {
	var lot domain.InventoryLot
	query := `SELECT * FROM inventory_lots WHERE medication_id = $1 AND site_id = $2 AND lot_code = $3`
	if err := r.db.Conn(ctx).GetContext(ctx, &lot, query, medicationID, siteID, lotCode); err != nil {
		return nil, database.MapError(err, "lot")
	}
	return &lot, nil
}

// Decrement removes quantity from a lot only if it holds enough, and returns
// what is left in the lot.
func (r *LotRepository) Decrement(ctx context.Context, medicationID, siteID, lotCode string, quantity int) (int, error) {
	var remaining int
	query := `
		UPDATE inventory_lots SET quantity = quantity - $4, updated_at = NOW()
		WHERE medication_id = $1 AND site_id = $2 AND lot_code = $3 AND quantity >= $4
		RETURNING quantity
	`
	err := r.db.Conn(ctx).GetContext(ctx, &remaining, query, medicationID, siteID, lotCode, quantity)
	if err == nil {
		return remaining, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		return 0, database.MapError(err, "lot")
	}

	lot, err := r.Get(ctx, medicationID, siteID, lotCode)
	if err != nil {
		return 0, err
	}
	return 0, errors.InsufficientStock(errors.ReasonLotQuantity, lot.Quantity, quantity)
}

// Increment adds quantity to the lot identified by lot's medication, site
// and code. A missing lot is created with lot's expiry, supplier and unit
// price, received today.
func (r *LotRepository) Increment(ctx context.Context, lot *domain.InventoryLot, quantity int) (*domain.InventoryLot, error) {
	var result domain.InventoryLot
	query := `
		INSERT INTO inventory_lots (
			id, medication_id, site_id, lot_code, quantity, expiry_date,
			received_date, supplier, unit_price
		) VALUES ($1, $2, $3, $4, $5, $6, CURRENT_DATE, $7, $8)
		ON CONFLICT ON CONSTRAINT inventory_lots_lot_identity
		DO UPDATE SET quantity = inventory_lots.quantity + EXCLUDED.quantity, updated_at = NOW()
		RETURNING *
	`
	err := r.db.Conn(ctx).GetContext(ctx, &result, query,
		uuid.NewString(), lot.MedicationID, lot.SiteID, lot.LotCode, quantity,
		lot.ExpiryDate, lot.Supplier, lot.UnitPrice,
	)
	if err != nil {
		return nil, database.MapError(err, "lot")
	}
	return &result, nil
}

// TotalStock sums all lots of a medication at a site.
func (r *LotRepository) TotalStock(ctx context.Context, medicationID, siteID string) (int, error) {
	var total int
	query := `SELECT COALESCE(SUM(quantity), 0) FROM inventory_lots WHERE medication_id = $1 AND site_id = $2`
	if err := r.db.Conn(ctx).GetContext(ctx, &total, query, medicationID, siteID); err != nil {
		return 0, err
	}
	return total, nil
}

// StockBySite summarizes a medication's stock at every active site holding
// it, largest stock first. excludeSiteID may be empty.
func (r *LotRepository) StockBySite(ctx context.Context, medicationID, excludeSiteID string) ([]*domain.SiteStock, error) {
	w := &where{}
	w.add("l.medication_id = ?", medicationID)
	w.raw("l.quantity > 0")
	w.raw("s.is_active = true")
	if excludeSiteID != "" {
		w.add("l.site_id <> ?", excludeSiteID)
	}

	var stock []*domain.SiteStock
	query := `
		SELECT s.id AS site_id, s.name AS site_name, s.city,
			SUM(l.quantity) AS total, COUNT(*) AS lot_count, MIN(l.expiry_date) AS nearest_expiry
		FROM inventory_lots l
		JOIN sites s ON s.id = l.site_id` + w.String() + `
		GROUP BY s.id, s.name, s.city
		ORDER BY total DESC, s.name
	`
	if err := r.db.Conn(ctx).SelectContext(ctx, &stock, query, w.args...); err != nil {
		return nil, err
	}
	return stock, nil
}

// ListExpiring lists lots with stock expiring within withinDays, including
// lots already expired.
func (r *LotRepository) ListExpiring(ctx context.Context, withinDays int) ([]*domain.LotView, error) {
	var lots []*domain.LotView
	query := `
		SELECT ` + lotViewColumns + ` FROM inventory_lots
		WHERE quantity > 0 AND expiry_date <= CURRENT_DATE + $1::int
		ORDER BY expiry_date, lot_code
	`
	if err := r.db.Conn(ctx).SelectContext(ctx, &lots, query, withinDays); err != nil {
		return nil, err
	}
	return lots, nil
}
