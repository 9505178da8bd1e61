package session

import (
	"embed"
	"io/fs"
)

// migrationsFS holds the SQL schema for the credential and rate-limit stores,
// with SQLite alternatives under data/sql/migrations/sqlite.
//
//go:embed data/sql/migrations/*.sql data/sql/migrations/sqlite/*.sql
var migrationsFS embed.FS

func GetMigrationsFS() fs.FS {
	return migrationsFS
}
