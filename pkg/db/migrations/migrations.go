// Package migrations contains the action log schema migrations.
// Versions use Rails-style timestamps (YYYYMMDDHHmmss).
package migrations

import (
	"github.com/jingkaihe/autoskill/pkg/db"
)

// All returns every migration. New migrations are appended here.
func All() []db.Migration {
	return []db.Migration{
		Migration20261015090000CreateActions(),
		Migration20261015090100AddActionIndexes(),
	}
}
