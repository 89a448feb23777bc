package testdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/stretchr/testify/require"

	"github.com/sovrium/sovrium-sub013/internal/ciutil"
	pgmigrations "github.com/sovrium/sovrium-sub013/internal/platform/postgres"
	"github.com/sovrium/sovrium-sub013/internal/templatedb"
)

// TestTimeout defines a default timeout for test database operations.
const TestTimeout = 5 * time.Second

// IsProvisionedEnvironment returns true if the global setup has published
// a database connection descriptor, indicating that database-backed tests
// can run.
func IsProvisionedEnvironment() bool {
	return GetTestDatabaseURL() != ""
}

// ShouldSkipDatabaseTest returns true if no connection descriptor is
// available. This gives tests a consistent way to check for database
// availability.
func ShouldSkipDatabaseTest() bool {
	return !IsProvisionedEnvironment()
}

// GetTestDatabaseURL returns the database server URL published by setup.
// It checks DATABASE_URL and SOVRIUM_TEST_DB_URL, in that order.
func GetTestDatabaseURL() string {
	return ciutil.GetTestDatabaseURL(slog.Default())
}

// TemplateName returns the template database name published by setup, or
// an empty string when no template was provisioned.
func TemplateName() string {
	return os.Getenv(ciutil.EnvSovriumTemplateDB)
}

// NewTestDB clones the run's template database and returns a connection
// to the clone. The clone is dropped and the connection closed when the
// test finishes, pass or fail. Tests using NewTestDB can run in parallel:
// every test owns its database outright.
//
// The test is skipped when no provisioned environment is available.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()

	adminURL := GetTestDatabaseURL()
	if adminURL == "" {
		t.Skip("DATABASE_URL or SOVRIUM_TEST_DB_URL not set - skipping database test")
	}

	template := TemplateName()
	if template == "" {
		t.Skip("SOVRIUM_TEST_TEMPLATE_DB not set - no template database provisioned")
	}

	manager := templatedb.Attach(adminURL, template, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	name, cloneURL, err := manager.NewClone(ctx)
	require.NoError(t, err, "Failed to clone template database")

	db, err := sql.Open("pgx", cloneURL)
	require.NoError(t, err, "Failed to open clone connection")

	// Per-test clones are short-lived; keep the pool small.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	err = db.PingContext(ctx)
	require.NoError(t, err, "Clone database ping failed: %s", ciutil.MaskSensitiveValue(cloneURL))

	t.Cleanup(func() {
		CleanupDB(t, db)

		dropCtx, dropCancel := context.WithTimeout(context.Background(), TestTimeout)
		defer dropCancel()
		if err := manager.Drop(dropCtx, name); err != nil {
			t.Logf("Warning: failed to drop test database %s: %v", name, err)
		}
	})

	return db
}

// OpenDB opens a connection to the published database server without
// testing.T support. This is useful for non-test code that needs database
// access. Returns a detailed diagnostic when no descriptor is available
// or the server is unreachable.
func OpenDB() (*sql.DB, error) {
	dbURL := GetTestDatabaseURL()
	if dbURL == "" {
		return nil, formatEnvVarError()
	}

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		closeErr := db.Close()
		baseErr := formatDBConnectionError(err, dbURL)
		if closeErr != nil {
			return nil, fmt.Errorf("%w (close error: %v)", baseErr, closeErr)
		}
		return nil, baseErr
	}

	return db, nil
}

// CleanupDB properly closes a database connection, logging any errors.
func CleanupDB(t *testing.T, db *sql.DB) {
	t.Helper()
	if db == nil {
		return
	}

	if err := db.Close(); err != nil {
		t.Logf("Warning: failed to close database connection: %v", err)
	}
}

// SetupTestDatabaseSchema applies the embedded migration set to the given
// database. Tests that build their own database (rather than cloning the
// template) use this to reach the same schema the template carries.
func SetupTestDatabaseSchema(t *testing.T, db *sql.DB) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("Database connection failed before migrations: %v",
			formatDBConnectionError(err, GetTestDatabaseURL()))
	}

	if err := pgmigrations.ApplyMigrationsWithLogger(db, &testGooseLogger{t: t}); err != nil {
		t.Fatalf("Migration failed: %v", err)
	}

	// Verify migrations were applied successfully
	var migrationCount int
	err := db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", ciutil.MigrationTableName),
	).Scan(&migrationCount)
	if err != nil {
		t.Fatalf("Failed to verify migrations: %v", err)
	}
	t.Logf("Database migrations applied successfully: %d migrations in schema", migrationCount)
}

// testGooseLogger routes goose output through the test log.
type testGooseLogger struct {
	t *testing.T
}

func (l *testGooseLogger) Printf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	l.t.Log("Goose: " + strings.TrimSpace(msg))
}

func (l *testGooseLogger) Fatalf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	l.t.Fatal("Goose fatal error: " + strings.TrimSpace(msg))
}
