package testdb

// Fixture seeding helpers. The application under test is an auth
// platform, so nearly every database-backed test starts from a user row
// with a real bcrypt hash the login flow can verify against.

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// SeedUser inserts a user with a bcrypt-hashed password and returns its
// id. bcrypt.MinCost keeps fixture creation fast; these hashes protect
// nothing.
func SeedUser(t *testing.T, db *sql.DB, email, password string) uuid.UUID {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err, "Failed to hash fixture password")

	var id uuid.UUID
	err = db.QueryRow(
		"INSERT INTO users (email, password_hash, email_verified) VALUES ($1, $2, TRUE) RETURNING id",
		email, string(hash),
	).Scan(&id)
	require.NoError(t, err, "Failed to seed user %s", email)

	return id
}

// SeedSession inserts a session for the given user and returns the
// session token.
func SeedSession(t *testing.T, db *sql.DB, userID uuid.UUID) string {
	t.Helper()

	token := uuid.NewString()
	_, err := db.Exec(
		"INSERT INTO sessions (user_id, token, expires_at) VALUES ($1, $2, $3)",
		userID, token, time.Now().Add(24*time.Hour),
	)
	require.NoError(t, err, "Failed to seed session for user %s", userID)

	return token
}

// SeedOrganization inserts an organization with the given owner and
// returns the organization id.
func SeedOrganization(t *testing.T, db *sql.DB, name, slug string, ownerID uuid.UUID) uuid.UUID {
	t.Helper()

	var orgID uuid.UUID
	err := db.QueryRow(
		"INSERT INTO organizations (name, slug) VALUES ($1, $2) RETURNING id",
		name, slug,
	).Scan(&orgID)
	require.NoError(t, err, "Failed to seed organization %s", slug)

	_, err = db.Exec(
		"INSERT INTO organization_members (organization_id, user_id, role) VALUES ($1, $2, 'owner')",
		orgID, ownerID,
	)
	require.NoError(t, err, "Failed to seed owner membership for %s", slug)

	return orgID
}
