package persistence

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestSQLitePersistence(t *testing.T) Persistence {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// A single connection keeps every query on the same in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
	})

	p, err := NewSQLitePersistence(db)
	require.NoError(t, err)
	return p
}

func TestSQLiteStore(t *testing.T) {
	runPersistenceContract(t, newTestSQLitePersistence)
}

func TestSQLiteStore_SchemaIsIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	_, err = NewSQLiteInstanceStore(db)
	require.NoError(t, err)
	_, err = NewSQLiteInstanceStore(db)
	require.NoError(t, err)
	_, err = NewSQLiteEventStore(db)
	require.NoError(t, err)
	_, err = NewSQLiteEventStore(db)
	require.NoError(t, err)
}
