package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteKeepsExistingDSNParams(t *testing.T) {
	// file: DSNs used by the in-memory test databases already carry
	// query parameters; the pragma string must append with '&'.
	db, err := NewDB(Config{DatabasePath: "file:dsn_params_check?mode=memory&cache=shared"})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.Connection().Ping())
}

func TestTestDatabasesAreIsolated(t *testing.T) {
	first := NewTestDB(t)
	second := NewTestDB(t)

	SeedAdmin(t, first, "a1", "alice")

	got, err := second.Auth.GetAdmin("a1")
	require.NoError(t, err)
	assert.Nil(t, got, "second test database must not share state with the first")
}
