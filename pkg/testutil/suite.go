package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/medflow/pharmanet/pkg/database"
	"github.com/medflow/pharmanet/pkg/logger"
)

var (
	// Shared across every integration test in a package run
	globalContainer *PostgresContainer
	globalDB        *database.DB
	containerOnce   sync.Once
	containerErr    error
)

// Tables holding test data, children before parents.
var dataTables = []string{
	"movements",
	"alerts",
	"redistribution_requests",
	"inventory_lots",
	"medications",
	"pathology_categories",
	"sites",
	"user_directory",
}

// IntegrationSuite provides a migrated PostgreSQL database for tests.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    suite := testutil.NewIntegrationSuite(t)
//	    med := suite.Fixtures.Medication(t, suite.DB, "")
//	    ...
//	}
type IntegrationSuite struct {
	Container *PostgresContainer
	DB        *database.DB
	Fixtures  *FixtureFactory
	Logger    *logger.Logger
}

// NewIntegrationSuite skips under -short, otherwise starts (once) the shared
// container and empties every data table so the test starts clean.
func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	t.Helper()
	SkipIfShort(t)

	ctx := context.Background()
	container, db, err := getOrCreateContainer(ctx)
	if err != nil {
		t.Fatalf("failed to set up test database: %v", err)
	}

	s := &IntegrationSuite{
		Container: container,
		DB:        db,
		Fixtures:  NewFixtureFactory(),
		Logger:    logger.Nop(),
	}
	s.Reset(t)
	return s
}

func getOrCreateContainer(ctx context.Context) (*PostgresContainer, *database.DB, error) {
	containerOnce.Do(func() {
		globalContainer, containerErr = NewPostgresContainer(ctx, DefaultPostgresConfig())
		if containerErr != nil {
			return
		}
		globalDB, containerErr = globalContainer.Connect(ctx, logger.Nop())
	})

	return globalContainer, globalDB, containerErr
}

// Reset truncates all data tables.
func (s *IntegrationSuite) Reset(t *testing.T) {
	t.Helper()
	for _, table := range dataTables {
		if _, err := s.DB.ExecContext(context.Background(), "TRUNCATE TABLE "+table+" CASCADE"); err != nil {
			t.Fatalf("failed to truncate %s: %v", table, err)
		}
	}
}

// TerminateContainer terminates the shared container.
// Only call this in TestMain after all tests have completed.
func TerminateContainer(ctx context.Context) {
	if globalDB != nil {
		globalDB.Close()
	}
	if globalContainer != nil {
		globalContainer.Terminate(ctx)
	}
}
