package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/medflow/pharmanet/pkg/database"
	"github.com/shopspring/decimal"
)

// LotFixture describes a lot to insert. Zero fields get defaults.
type LotFixture struct {
	MedicationID string
	SiteID       string
	LotCode      string
	Quantity     int
	ExpiryDate   time.Time
	Supplier     *string
	UnitPrice    *decimal.Decimal
}

// FixtureFactory inserts reference data and lots with unique names.
type FixtureFactory struct {
	sequence int
}

// NewFixtureFactory creates a new fixture factory
func NewFixtureFactory() *FixtureFactory {
	return &FixtureFactory{sequence: 0}
}

// nextSeq returns the next sequence number for unique values
func (f *FixtureFactory) nextSeq() int {
	f.sequence++
	return f.sequence
}

func mustExec(t *testing.T, db *database.DB, query string, args ...interface{}) {
	t.Helper()
	if _, err := db.ExecContext(context.Background(), query, args...); err != nil {
		t.Fatalf("fixture insert failed: %v", err)
	}
}

// Category inserts a pathology category with the given raw tier label.
func (f *FixtureFactory) Category(t *testing.T, db *database.DB, tier string) string {
	t.Helper()
	id := uuid.NewString()
	mustExec(t, db,
		`INSERT INTO pathology_categories (id, name, priority_tier) VALUES ($1, $2, $3)`,
		id, fmt.Sprintf("Category %d", f.nextSeq()), tier,
	)
	return id
}

// Medication inserts a medication, optionally linked to categoryID.
func (f *FixtureFactory) Medication(t *testing.T, db *database.DB, categoryID string) string {
	t.Helper()
	id := uuid.NewString()
	var category *string
	if categoryID != "" {
		category = &categoryID
	}
	mustExec(t, db,
		`INSERT INTO medications (id, name, unit, pathology_category_id) VALUES ($1, $2, 'tablet', $3)`,
		id, fmt.Sprintf("Medication %d", f.nextSeq()), category,
	)
	return id
}

// Site inserts an active site.
func (f *FixtureFactory) Site(t *testing.T, db *database.DB) string {
	t.Helper()
	id := uuid.NewString()
	seq := f.nextSeq()
	mustExec(t, db,
		`INSERT INTO sites (id, name, city) VALUES ($1, $2, $3)`,
		id, fmt.Sprintf("Site %d", seq), "Bogotá",
	)
	return id
}

// Lot inserts an inventory lot. Expiry defaults to one year from today.
func (f *FixtureFactory) Lot(t *testing.T, db *database.DB, lot LotFixture) string {
	t.Helper()
	id := uuid.NewString()
	if lot.LotCode == "" {
		lot.LotCode = fmt.Sprintf("LOT-%03d", f.nextSeq())
	}
	if lot.ExpiryDate.IsZero() {
		lot.ExpiryDate = time.Now().AddDate(1, 0, 0)
	}
	mustExec(t, db, `
		INSERT INTO inventory_lots (id, medication_id, site_id, lot_code, quantity, expiry_date, supplier, unit_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, lot.MedicationID, lot.SiteID, lot.LotCode, lot.Quantity, lot.ExpiryDate, lot.Supplier, lot.UnitPrice,
	)
	return id
}
