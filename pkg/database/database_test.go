package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/pharmanet/pkg/errors"
)

func newMock(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return Wrap(sqlx.NewDb(raw, "postgres"), nil), mock
}

func TestTransaction_CommitsAndExposesTx(t *testing.T) {
	db, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE inventory_lots").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := db.Transaction(ctx, func(ctx context.Context) error {
		assert.True(t, InTransaction(ctx))
		_, ok := db.Conn(ctx).(*sqlx.Tx)
		assert.True(t, ok, "Conn should return the transaction")
		_, err := db.Conn(ctx).ExecContext(ctx, "UPDATE inventory_lots SET quantity = 1")
		return err
	})

	require.NoError(t, err)
	assert.False(t, InTransaction(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransaction_RollsBackOnError(t *testing.T) {
	db, mock := newMock(t)
	boom := stderrors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := db.Transaction(context.Background(), func(ctx context.Context) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransaction_NestedCallJoinsOuter(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := db.Transaction(context.Background(), func(outer context.Context) error {
		return db.Transaction(outer, func(inner context.Context) error {
			assert.Same(t, db.Conn(outer), db.Conn(inner))
			return nil
		})
	})

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransaction_CommitFailure(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(sql.ErrConnDone)

	err := db.Transaction(context.Background(), func(ctx context.Context) error { return nil })

	assert.ErrorIs(t, err, ErrCommitFailed)
}

func TestConn_WithoutTransactionUsesPool(t *testing.T) {
	db, _ := newMock(t)

	_, ok := db.Conn(context.Background()).(*sqlx.DB)
	assert.True(t, ok)
}

func TestMapPQError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     string
		sentinel error
	}{
		{
			name:     "negative lot quantity",
			err:      &pq.Error{Code: "23514", Constraint: "inventory_lots_quantity_nonnegative"},
			code:     "INSUFFICIENT_STOCK",
			sentinel: errors.ErrInsufficientStock,
		},
		{
			name:     "same origin and destination",
			err:      &pq.Error{Code: "23514", Constraint: "redistribution_requests_distinct_sites"},
			code:     "VALIDATION_ERROR",
			sentinel: errors.ErrInvalidRequest,
		},
		{
			name:     "duplicate lot",
			err:      &pq.Error{Code: "23505", Constraint: "inventory_lots_lot_identity"},
			code:     "CONFLICT",
			sentinel: errors.ErrConflict,
		},
		{
			name:     "missing reference",
			err:      &pq.Error{Code: "23503"},
			code:     "BAD_REQUEST",
			sentinel: errors.ErrBadRequest,
		},
		{
			name:     "null column",
			err:      &pq.Error{Code: "23502", Column: "lot_code"},
			code:     "VALIDATION_ERROR",
			sentinel: errors.ErrValidation,
		},
		{
			name:     "malformed uuid",
			err:      &pq.Error{Code: "22P02"},
			code:     "BAD_REQUEST",
			sentinel: errors.ErrBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := MapPQError(tt.err)
			require.NotNil(t, appErr)
			assert.Equal(t, tt.code, appErr.Code)
			assert.ErrorIs(t, appErr, tt.sentinel)
		})
	}

	assert.Nil(t, MapPQError(stderrors.New("plain")))
	assert.Nil(t, MapPQError(&pq.Error{Code: "40001"}))
}

func TestMapError(t *testing.T) {
	assert.NoError(t, MapError(nil, "lot"))
	assert.ErrorIs(t, MapError(sql.ErrNoRows, "lot"), errors.ErrNotFound)

	other := stderrors.New("connection reset")
	assert.Same(t, other, MapError(other, "lot"))
}

func TestMigrator_Load(t *testing.T) {
	files := fstest.MapFS{
		"010_views.sql":  {Data: []byte("SELECT 10;")},
		"002_alerts.sql": {Data: []byte("SELECT 2;")},
		"001_core.sql":   {Data: []byte("SELECT 1;")},
		"README.md":      {Data: []byte("ignored")},
		"seed.sql":       {Data: []byte("ignored, no version prefix")},
		"abc_bad.sql":    {Data: []byte("ignored, non-numeric")},
	}

	migrations, err := NewMigrator(nil, files).Load()
	require.NoError(t, err)
	require.Len(t, migrations, 3)

	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "001_core.sql", migrations[0].Name)
	assert.Equal(t, "SELECT 1;", migrations[0].SQL)
	assert.Equal(t, 2, migrations[1].Version)
	assert.Equal(t, 10, migrations[2].Version)
}

func TestMigrator_UpSkipsApplied(t *testing.T) {
	db, mock := newMock(t)
	files := fstest.MapFS{
		"001_core.sql":   {Data: []byte("CREATE TABLE a (id INT);")},
		"002_alerts.sql": {Data: []byte("CREATE TABLE b (id INT);")},
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS _migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version, applied_at FROM _migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version", "applied_at"}).AddRow(1, time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO _migrations").WithArgs(2, "002_alerts.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := NewMigrator(db, files).Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
