package migrations

import (
	"database/sql"

	"github.com/jingkaihe/autoskill/pkg/db"
	"github.com/pkg/errors"
)

// Migration20261015090000CreateActions creates the append-only actions table.
// created_at holds unix nanoseconds so window filters compare numerically.
func Migration20261015090000CreateActions() db.Migration {
	return db.Migration{
		Version:     20261015090000,
		Description: "Create actions table",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS actions (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					fingerprint TEXT NOT NULL DEFAULT '',
					short_fingerprint TEXT NOT NULL DEFAULT '',
					pillar TEXT NOT NULL DEFAULT '',
					tools TEXT NOT NULL DEFAULT '[]',
					text TEXT NOT NULL DEFAULT '',
					skill TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL DEFAULT '',
					user_confirmed INTEGER,
					user_adjusted INTEGER,
					created_at INTEGER NOT NULL
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create actions table")
			}
			return nil
		},
		Down: func(tx *sql.Tx) error {
			if _, err := tx.Exec("DROP TABLE IF EXISTS actions"); err != nil {
				return errors.Wrap(err, "failed to drop actions table")
			}
			return nil
		},
	}
}
