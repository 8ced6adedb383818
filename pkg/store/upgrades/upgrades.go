// Package upgrades holds the database schema migrations.
package upgrades

import (
	"embed"

	"go.mau.fi/util/dbutil"
)

// Table is the migration registry applied on store open. New revisions are
// added as numbered SQL files; downgrade is unsupported.
var Table dbutil.UpgradeTable

//go:embed *.sql
var rawUpgrades embed.FS

func init() {
	Table.RegisterFS(rawUpgrades)
}
