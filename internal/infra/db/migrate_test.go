package db

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateUp_DriverInitFailsOnClosedDB(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	_ = mock
	require.NoError(t, sqlDB.Close())

	err = MigrateUp(sqlDB)
	assert.Error(t, err)
}

func TestMigrateDownOne_DriverInitFailsOnClosedDB(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	_ = mock
	require.NoError(t, sqlDB.Close())

	err = MigrateDownOne(sqlDB)
	assert.Error(t, err)
}
