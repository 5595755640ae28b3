package repository

import (
	"context"
	"database/sql"

	"github.com/medflow/pharmanet/internal/pharmacy/domain"
	"github.com/medflow/pharmanet/pkg/database"
)

// MedicationRepository reads medications and their pathology categories.
type MedicationRepository struct {
	db *database.DB
}

// NewMedicationRepository creates a new medication repository
func NewMedicationRepository(db *database.DB) *MedicationRepository {
	return &MedicationRepository{db: db}
}

// GetByID gets a medication by ID
func (r *MedicationRepository) GetByID(ctx context.Context, id string) (*domain.Medication, error) {
	var med domain.Medication
	query := `SELECT * FROM medications WHERE id = $1`
	if err := r.db.Conn(ctx).GetContext(ctx, &med, query, id); err != nil {
		return nil, database.MapError(err, "medication")
	}
	return &med, nil
}

// CategoryTier returns the raw priority tier label of the medication's
// pathology category, or "" when it has none.
func (r *MedicationRepository) CategoryTier(ctx context.Context, medicationID string) (string, error) {
	var tier sql.NullString
	query := `
		SELECT pc.priority_tier
		FROM medications m
		LEFT JOIN pathology_categories pc ON pc.id = m.pathology_category_id
		WHERE m.id = $1
	`
	if err := r.db.Conn(ctx).GetContext(ctx, &tier, query, medicationID); err != nil {
		return "", database.MapError(err, "medication")
	}
	return tier.String, nil
}

// SiteRepository reads sites.
type SiteRepository struct {
	db *database.DB
}

// NewSiteRepository creates a new site repository
func NewSiteRepository(db *database.DB) *SiteRepository {
	return &SiteRepository{db: db}
}

// GetByID gets a site by ID
func (r *SiteRepository) GetByID(ctx context.Context, id string) (*domain.Site, error) {
	var site domain.Site
	query := `SELECT * FROM sites WHERE id = $1`
	if err := r.db.Conn(ctx).GetContext(ctx, &site, query, id); err != nil {
		return nil, database.MapError(err, "site")
	}
	return &site, nil
}

// ListActive lists active sites by name
func (r *SiteRepository) ListActive(ctx context.Context) ([]*domain.Site, error) {
	var sites []*domain.Site
	query := `SELECT * FROM sites WHERE is_active = true ORDER BY name`
	if err := r.db.Conn(ctx).SelectContext(ctx, &sites, query); err != nil {
		return nil, err
	}
	return sites, nil
}
