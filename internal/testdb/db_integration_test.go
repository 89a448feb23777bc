package testdb

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"golang.org/x/crypto/bcrypt"

	"github.com/sovrium/sovrium-sub013/internal/ciutil"
	"github.com/sovrium/sovrium-sub013/internal/templatedb"
)

// provisionTemplate stands in for the global setup: it starts a Postgres
// container, creates the template, and publishes the environment the
// helpers under test consume.
func provisionTemplate(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not installed")
	}
	if err := exec.Command("docker", "ps").Run(); err != nil {
		t.Skip("docker not running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	pg, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("postgres"),
		postgres.WithUsername("sovrium"),
		postgres.WithPassword("sovrium"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pg.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	adminURL, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := templatedb.NewManager(adminURL, "sovrium_template", logger)
	require.NoError(t, manager.CreateTemplate(ctx))
	t.Cleanup(func() {
		require.NoError(t, manager.Cleanup(context.Background()))
	})

	t.Setenv(ciutil.EnvDatabaseURL, adminURL)
	t.Setenv(ciutil.EnvSovriumTestDBURL, adminURL)
	t.Setenv(ciutil.EnvSovriumTemplateDB, "sovrium_template")
}

func TestNewTestDBIsolation(t *testing.T) {
	provisionTemplate(t)

	dbA := NewTestDB(t)
	dbB := NewTestDB(t)

	SeedUser(t, dbA, "a@example.com", "password-a")
	SeedUser(t, dbB, "b@example.com", "password-b")

	var count int
	require.NoError(t, dbA.QueryRow("SELECT COUNT(*) FROM users").Scan(&count))
	assert.Equal(t, 1, count, "Each test database must see only its own rows")

	var email string
	require.NoError(t, dbB.QueryRow("SELECT email FROM users").Scan(&email))
	assert.Equal(t, "b@example.com", email)
}

func TestWithTxRollsBack(t *testing.T) {
	provisionTemplate(t)
	db := NewTestDB(t)

	WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		_, err := tx.Exec(
			"INSERT INTO users (email, password_hash) VALUES ($1, $2)",
			"tx@example.com", "hash")
		require.NoError(t, err)

		var count int
		require.NoError(t, tx.QueryRow("SELECT COUNT(*) FROM users").Scan(&count))
		assert.Equal(t, 1, count, "The write is visible inside the transaction")
	})

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM users").Scan(&count))
	assert.Zero(t, count, "The write must be rolled back after WithTx returns")
}

func TestSeedUserPasswordVerifies(t *testing.T) {
	provisionTemplate(t)
	db := NewTestDB(t)

	id := SeedUser(t, db, "login@example.com", "correct horse battery staple")

	var hash string
	require.NoError(t, db.QueryRow(
		"SELECT password_hash FROM users WHERE id = $1", id).Scan(&hash))

	assert.NoError(t,
		bcrypt.CompareHashAndPassword([]byte(hash), []byte("correct horse battery staple")),
		"Seeded hash must verify against the original password")
	assert.Error(t,
		bcrypt.CompareHashAndPassword([]byte(hash), []byte("wrong password")))
}

func TestSeedSessionAndOrganization(t *testing.T) {
	provisionTemplate(t)
	db := NewTestDB(t)

	userID := SeedUser(t, db, "owner@example.com", "pw")
	token := SeedSession(t, db, userID)
	orgID := SeedOrganization(t, db, "Acme", "acme", userID)

	var sessionUser string
	require.NoError(t, db.QueryRow(
		"SELECT user_id FROM sessions WHERE token = $1", token).Scan(&sessionUser))
	assert.Equal(t, userID.String(), sessionUser)

	var role string
	require.NoError(t, db.QueryRow(
		"SELECT role FROM organization_members WHERE organization_id = $1 AND user_id = $2",
		orgID, userID).Scan(&role))
	assert.Equal(t, "owner", role)
}

func TestSetupTestDatabaseSchemaParallel(t *testing.T) {
	provisionTemplate(t)

	// Clones are created up front; the server rejects concurrent CREATE
	// DATABASE against one template. The concurrent part is the migration
	// run itself, which shares goose's package-global configuration and
	// must be serialized internally.
	dbs := map[string]*sql.DB{
		"first":  NewTestDB(t),
		"second": NewTestDB(t),
	}
	for name, db := range dbs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			SetupTestDatabaseSchema(t, db)

			var count int
			require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM users").Scan(&count))
			assert.Zero(t, count, "Re-applying migrations must not seed data")
		})
	}
}

func TestSetupTestDatabaseSchema(t *testing.T) {
	provisionTemplate(t)

	// Build a fresh database by hand and migrate it directly, without the
	// template.
	adminURL := GetTestDatabaseURL()
	manager := templatedb.Attach(adminURL, "sovrium_template", slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx := context.Background()
	name, cloneURL, err := manager.NewClone(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := manager.Drop(context.Background(), name); err != nil {
			t.Logf("failed to drop %s: %v", name, err)
		}
	})

	db, err := sql.Open("pgx", cloneURL)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// The clone already carries the schema; re-applying is a no-op that
	// still verifies the migration table is intact.
	SetupTestDatabaseSchema(t, db)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM users").Scan(&count))
	assert.Zero(t, count)
}
