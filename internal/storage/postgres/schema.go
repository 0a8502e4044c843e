// Package postgres provides a PostgreSQL implementation of storage.GraphStore.
package postgres

import (
	"embed"
	"io/fs"
)

// MigrationTable tracks applied migrations. Every table the store owns is
// prefixed so it can share a database with other applications.
const MigrationTable = "tg_schema_migrations"

// Set-valued columns are JSONB arrays; the position columns keep the
// in-memory slice order stable across save and load.
//
//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema migrations for the PostgreSQL store.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}
