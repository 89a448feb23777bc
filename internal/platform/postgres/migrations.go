// Package postgres holds the canonical schema migration set for the
// application database, embedded so that migration consumers work from any
// working directory (test workers do not share a CWD with the setup
// process).
package postgres

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sync"

	"github.com/pressly/goose/v3"

	"github.com/sovrium/sovrium-sub013/internal/ciutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// gooseMu serializes access to goose's package-global configuration
// (SetTableName, SetBaseFS, SetLogger). Parallel tests migrate their own
// databases concurrently; without the lock they race on that state.
var gooseMu sync.Mutex

// MigrationsFS returns the embedded migration set rooted at the directory
// containing the .sql files, which is the layout goose expects.
func MigrationsFS() (fs.FS, error) {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	return sub, nil
}

// ApplyMigrations runs the full migration set against the given database
// using goose. The migration history table name is shared with every other
// consumer via ciutil.MigrationTableName. Safe for concurrent callers
// migrating different databases.
func ApplyMigrations(db *sql.DB) error {
	return ApplyMigrationsWithLogger(db, nil)
}

// ApplyMigrationsWithLogger is ApplyMigrations with goose output routed
// through the given logger for the duration of the run. A nil logger
// keeps whatever logger goose currently has.
func ApplyMigrationsWithLogger(db *sql.DB, logger goose.Logger) error {
	sub, err := MigrationsFS()
	if err != nil {
		return err
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	if logger != nil {
		goose.SetLogger(logger)
	}
	goose.SetTableName(ciutil.MigrationTableName)
	goose.SetBaseFS(sub)

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
