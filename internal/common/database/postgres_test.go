package database

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wisefido-telemetry/internal/common/config"
)

func TestEnsureSchema_ExecutesAllStatements(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for range schemaStatements {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, EnsureSchema(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema_StopsOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS telemetry_windows`).
		WillReturnError(errors.New("permission denied"))

	err = EnsureSchema(context.Background(), db)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "schema statement 1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDSN(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Host: "db", Port: 5433, User: "u", Password: "p", Database: "telemetry", SSLMode: "disable",
	}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=telemetry sslmode=disable", cfg.GetDSN())
}
