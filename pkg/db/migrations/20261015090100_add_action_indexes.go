package migrations

import (
	"database/sql"

	"github.com/jingkaihe/autoskill/pkg/db"
	"github.com/pkg/errors"
)

// Migration20261015090100AddActionIndexes indexes the detector's window and
// fingerprint filters.
func Migration20261015090100AddActionIndexes() db.Migration {
	return db.Migration{
		Version:     20261015090100,
		Description: "Add action indexes",
		Up: func(tx *sql.Tx) error {
			indexes := []string{
				"CREATE INDEX IF NOT EXISTS idx_actions_created_at ON actions(created_at)",
				"CREATE INDEX IF NOT EXISTS idx_actions_fingerprint ON actions(fingerprint, created_at)",
			}
			for _, stmt := range indexes {
				if _, err := tx.Exec(stmt); err != nil {
					return errors.Wrapf(err, "failed to execute %q", stmt)
				}
			}
			return nil
		},
		Down: func(tx *sql.Tx) error {
			for _, name := range []string{"idx_actions_fingerprint", "idx_actions_created_at"} {
				if _, err := tx.Exec("DROP INDEX IF EXISTS " + name); err != nil {
					return errors.Wrapf(err, "failed to drop index %s", name)
				}
			}
			return nil
		},
	}
}
