package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(t *testing.T, db *sqlx.DB, name string) bool {
	t.Helper()
	var exists bool
	err := db.Get(&exists, `SELECT COUNT(*) > 0 FROM sqlite_master WHERE type='table' AND name=?`, name)
	require.NoError(t, err)
	return exists
}

func createNotes() Migration {
	return Migration{
		Version:     20261001000001,
		Description: "Create notes",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("CREATE TABLE notes (id INTEGER PRIMARY KEY)")
			return err
		},
		Down: func(tx *sql.Tx) error {
			_, err := tx.Exec("DROP TABLE notes")
			return err
		},
	}
}

func addNoteBody() Migration {
	return Migration{
		Version:     20261001000002,
		Description: "Add note body",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("ALTER TABLE notes ADD COLUMN body TEXT")
			return err
		},
	}
}

func TestOpen(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, VerifyConfiguration(db))
}

func TestDefaultDBPath(t *testing.T) {
	t.Run("with base path", func(t *testing.T) {
		t.Setenv(BasePathEnv, "/custom/path")
		path, err := DefaultDBPath()
		require.NoError(t, err)
		assert.Equal(t, "/custom/path/actions.db", path)
	})

	t.Run("without base path", func(t *testing.T) {
		t.Setenv(BasePathEnv, "")
		path, err := DefaultDBPath()
		require.NoError(t, err)
		home, _ := os.UserHomeDir()
		assert.Equal(t, filepath.Join(home, ".autoskill", "actions.db"), path)
	})
}

func TestMigrationRunner_SortsAndSkipsApplied(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	runner := NewMigrationRunner(db)

	// Out of order on purpose.
	migrations := []Migration{addNoteBody(), createNotes()}
	require.NoError(t, runner.Run(ctx, migrations))
	require.NoError(t, runner.Run(ctx, migrations))

	assert.True(t, tableExists(t, db, "notes"))
	versions, err := runner.AppliedVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{20261001000001, 20261001000002}, versions)
}

func TestMigrationRunner_FailureNamesMigration(t *testing.T) {
	db := openTestDB(t)
	broken := Migration{
		Version:     20261001000009,
		Description: "Broken",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("ALTER TABLE missing ADD COLUMN x TEXT")
			return err
		},
	}

	err := NewMigrationRunner(db).Run(context.Background(), []Migration{broken})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "20261001000009: Broken")
}

func TestMigrationRunner_Rollback(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	runner := NewMigrationRunner(db)
	migrations := []Migration{createNotes()}

	require.NoError(t, runner.Run(ctx, migrations))
	require.True(t, tableExists(t, db, "notes"))

	require.NoError(t, runner.Rollback(ctx, migrations))
	assert.False(t, tableExists(t, db, "notes"))

	versions, err := runner.AppliedVersions(ctx)
	require.NoError(t, err)
	assert.Empty(t, versions)

	// Nothing left to roll back.
	require.NoError(t, runner.Rollback(ctx, migrations))
}

func TestMigrationRunner_RollbackWithoutDown(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	runner := NewMigrationRunner(db)
	migrations := []Migration{createNotes(), addNoteBody()}

	require.NoError(t, runner.Run(ctx, migrations))
	err := runner.Rollback(ctx, migrations)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no rollback function")
}

func TestOpenMigrated(t *testing.T) {
	db, err := OpenMigrated(context.Background(), filepath.Join(t.TempDir(), "m.db"), []Migration{createNotes()})
	require.NoError(t, err)
	defer db.Close()

	assert.True(t, tableExists(t, db, "notes"))
}
