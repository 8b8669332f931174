// Package sqlitedriver centralizes the "sqlite" database/sql driver
// registration used by internal/audit.
package sqlitedriver

import (
	"database/sql"

	_ "modernc.org/sqlite"
)

// Open opens a sqlite database at dsn using the registered "sqlite"
// driver (modernc.org/sqlite, CGO-free).
func Open(dsn string) (*sql.DB, error) {
	return sql.Open("sqlite", dsn)
}
