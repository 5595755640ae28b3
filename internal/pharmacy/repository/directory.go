package repository

import (
	"context"

	"github.com/medflow/pharmanet/pkg/actor"
	"github.com/medflow/pharmanet/pkg/database"
)

// UserDirectoryRepository caches identity-provider users locally so actors
// can be resolved without calling the provider.
type UserDirectoryRepository struct {
	db *database.DB
}

// NewUserDirectoryRepository creates a new user directory repository
func NewUserDirectoryRepository(db *database.DB) *UserDirectoryRepository {
	return &UserDirectoryRepository{db: db}
}

// Set creates or replaces a directory entry
func (r *UserDirectoryRepository) Set(ctx context.Context, a *actor.Actor) error {
	var site *string
	if a.SiteID != "" {
		site = &a.SiteID
	}

	query := `
		INSERT INTO user_directory (user_id, name, email, site_id, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET name = $2, email = $3, site_id = $4, updated_at = NOW()
	`
	_, err := r.db.Conn(ctx).ExecContext(ctx, query, a.ID, a.Name, a.Email, site)
	return err
}

// Lookup returns the cached actor, or a NOT_FOUND error.
func (r *UserDirectoryRepository) Lookup(ctx context.Context, userID string) (*actor.Actor, error) {
	var a actor.Actor
	query := `SELECT user_id, name, email, COALESCE(site_id::text, '') AS site_id FROM user_directory WHERE user_id = $1`
	if err := r.db.Conn(ctx).GetContext(ctx, &a, query, userID); err != nil {
		return nil, database.MapError(err, "user")
	}
	return &a, nil
}

// Delete removes a directory entry
func (r *UserDirectoryRepository) Delete(ctx context.Context, userID string) error {
	_, err := r.db.Conn(ctx).ExecContext(ctx, `DELETE FROM user_directory WHERE user_id = $1`, userID)
	return err
}
