package container

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovrium/sovrium-sub013/internal/config"
)

func testPostgresConfig() config.PostgresConfig {
	return config.PostgresConfig{
		Image:        "postgres:16-alpine",
		User:         "sovrium",
		Password:     "sovrium",
		Database:     "sovrium",
		TemplateName: "sovrium_template",
	}
}

func testMailpitConfig() config.MailpitConfig {
	return config.MailpitConfig{Image: "axllent/mailpit:v1.20"}
}

// skipWithoutDocker skips integration tests when no docker daemon is
// available on the host running the suite.
func skipWithoutDocker(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not installed")
	}
	if err := exec.Command("docker", "ps").Run(); err != nil {
		t.Skip("docker not running")
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAccessorsEmptyBeforeStart(t *testing.T) {
	s := NewServices(testPostgresConfig(), testMailpitConfig(), discardLogger())

	assert.Empty(t, s.DatabaseURL(), "No descriptor should exist before Start")
	assert.Empty(t, s.MailpitSMTPAddr())
	assert.Empty(t, s.MailpitAPIURL())
}

func TestStopBeforeStartIsNoOp(t *testing.T) {
	s := NewServices(testPostgresConfig(), testMailpitConfig(), discardLogger())

	require.NoError(t, s.Stop(context.Background()), "Stop must be safe even when nothing started")
	require.NoError(t, s.Stop(context.Background()), "Repeated Stop must stay a no-op")
}

func TestServicesLifecycle(t *testing.T) {
	skipWithoutDocker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	s := NewServices(testPostgresConfig(), testMailpitConfig(), discardLogger())
	require.NoError(t, s.Start(ctx), "Start should bring up both containers")
	t.Cleanup(func() {
		require.NoError(t, s.Stop(context.Background()))
	})

	// Second Start must be a no-op, not a second pair of containers.
	urlBefore := s.DatabaseURL()
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, urlBefore, s.DatabaseURL(), "Idempotent Start must not change the descriptor")

	// The database behind the descriptor answers queries.
	db, err := sql.Open("pgx", s.DatabaseURL())
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.PingContext(ctx), "Published descriptor should be connectable")

	// The mailpit API answers over HTTP.
	require.NotEmpty(t, s.MailpitAPIURL())
	resp, err := http.Get(s.MailpitAPIURL() + "/api/v1/info")
	require.NoError(t, err, "Mailpit API should be reachable")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NotEmpty(t, s.MailpitSMTPAddr(), "SMTP endpoint should be published")
}

func TestEmbeddedMailSkipsMailpitContainer(t *testing.T) {
	skipWithoutDocker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	mpCfg := testMailpitConfig()
	mpCfg.Embedded = true

	s := NewServices(testPostgresConfig(), mpCfg, discardLogger())
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		require.NoError(t, s.Stop(context.Background()))
	})

	assert.NotEmpty(t, s.DatabaseURL(), "Postgres still starts with embedded mail capture")
	assert.Empty(t, s.MailpitAPIURL(), "No mailpit container means no API descriptor")
	assert.Empty(t, s.MailpitSMTPAddr())
}
