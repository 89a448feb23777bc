// Package templatedb implements the per-run template database and its
// per-test clones. Migrations are the expensive part of preparing a test
// database; the Manager pays that cost once, against a template, and
// derives schema-identical databases cheaply with CREATE DATABASE ...
// TEMPLATE. Clones are fully isolated from each other and derivation
// never writes to the template.
package templatedb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql migrations

	"github.com/sovrium/sovrium-sub013/internal/ciutil"
	pgmigrations "github.com/sovrium/sovrium-sub013/internal/platform/postgres"
)

// Manager owns one template database and the clones derived from it
// during a single test run.
type Manager struct {
	// adminURL points at a maintenance database on the same server (the
	// container's default database). CREATE/DROP DATABASE cannot run
	// inside the database being created or dropped.
	adminURL     string
	templateName string
	logger       *slog.Logger

	mu       sync.Mutex
	created  bool
	attached bool
	cleaned  bool
	clones   map[string]struct{}
}

// NewManager creates a Manager for the server identified by adminURL.
// templateName is the database that will receive the migration set.
func NewManager(adminURL, templateName string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		adminURL:     adminURL,
		templateName: templateName,
		logger:       logger,
		clones:       make(map[string]struct{}),
	}
}

// Attach returns a Manager for a template that some other process (the
// global setup) has already created and published. Attached managers can
// clone and drop but never create; Cleanup of the template itself stays
// with the owning process.
func Attach(adminURL, templateName string, logger *slog.Logger) *Manager {
	m := NewManager(adminURL, templateName, logger)
	m.created = true
	m.attached = true
	return m
}

// TemplateName returns the name of the template database.
func (m *Manager) TemplateName() string {
	return m.templateName
}

// TemplateURL returns the connection descriptor of the template database.
// Only diagnostics should connect to it; open connections block cloning.
func (m *Manager) TemplateURL() (string, error) {
	return replaceDatabase(m.adminURL, m.templateName)
}

// CreateTemplate creates a fresh template database, applies the full
// migration set to it exactly once, and marks it as a template. A
// leftover template from a crashed earlier run is dropped first. Calling
// CreateTemplate twice on the same Manager returns ErrTemplateExists.
func (m *Manager) CreateTemplate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.created {
		return ErrTemplateExists
	}
	if m.cleaned {
		return ErrManagerClosed
	}

	conn, err := pgx.Connect(ctx, m.adminURL)
	if err != nil {
		return fmt.Errorf("failed to connect to admin database: %w", err)
	}
	defer func() {
		if err := conn.Close(ctx); err != nil {
			m.logger.Warn("failed to close admin connection", "error", err)
		}
	}()

	// A previous run that died before Cleanup leaves the template behind.
	if err := dropDatabase(ctx, conn, m.templateName); err != nil {
		return fmt.Errorf("failed to drop leftover template database: %w", err)
	}

	ident := pgx.Identifier{m.templateName}.Sanitize()
	if _, err := conn.Exec(ctx, "CREATE DATABASE "+ident); err != nil {
		return fmt.Errorf("failed to create template database %q: %w", m.templateName, err)
	}

	if err := m.migrateTemplate(ctx); err != nil {
		// Leave no half-migrated template behind; Cleanup after a failed
		// CreateTemplate must find nothing to do for the template.
		if dropErr := dropDatabase(ctx, conn, m.templateName); dropErr != nil {
			m.logger.Error("failed to drop template after migration failure", "error", dropErr)
		}
		return err
	}

	if _, err := conn.Exec(ctx, "ALTER DATABASE "+ident+" IS_TEMPLATE true"); err != nil {
		return fmt.Errorf("failed to mark %q as template: %w", m.templateName, err)
	}

	m.created = true
	m.logger.Info("template database ready", "template", m.templateName)
	return nil
}

// migrateTemplate opens a short-lived connection to the template database
// and applies the embedded migration set. The connection is closed before
// returning: Postgres refuses to clone a database that has other sessions
// attached, so the Manager must never hold template connections open.
func (m *Manager) migrateTemplate(ctx context.Context) error {
	templateURL, err := replaceDatabase(m.adminURL, m.templateName)
	if err != nil {
		return err
	}

	db, err := sql.Open("pgx", templateURL)
	if err != nil {
		return fmt.Errorf("failed to open template database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			m.logger.Warn("failed to close template connection", "error", err)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("template database unreachable at %s: %w",
			ciutil.MaskSensitiveValue(templateURL), err)
	}

	if err := pgmigrations.ApplyMigrations(db); err != nil {
		return fmt.Errorf("failed to migrate template database: %w", err)
	}

	return nil
}

// Clone derives a new database with the given name from the template and
// returns its connection descriptor. The derived database is
// schema-identical to the template at the moment of derivation; writes to
// it are never visible from the template or from any other clone.
//
// Clones are serialized: Postgres rejects concurrent CREATE DATABASE
// calls against the same template.
func (m *Manager) Clone(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cleaned {
		return "", ErrManagerClosed
	}
	if !m.created {
		return "", ErrNoTemplate
	}

	conn, err := pgx.Connect(ctx, m.adminURL)
	if err != nil {
		return "", fmt.Errorf("failed to connect to admin database: %w", err)
	}
	defer func() {
		if err := conn.Close(ctx); err != nil {
			m.logger.Warn("failed to close admin connection", "error", err)
		}
	}()

	stmt := fmt.Sprintf("CREATE DATABASE %s TEMPLATE %s",
		pgx.Identifier{name}.Sanitize(),
		pgx.Identifier{m.templateName}.Sanitize(),
	)
	if _, err := conn.Exec(ctx, stmt); err != nil {
		return "", fmt.Errorf("failed to clone template into %q: %w", name, err)
	}

	m.clones[name] = struct{}{}
	m.logger.Debug("cloned template database", "clone", name)

	return replaceDatabase(m.adminURL, name)
}

// NewClone derives a database with a generated unique name. This is what
// per-test helpers use; explicit names exist for per-worker databases
// whose names encode the worker index.
func (m *Manager) NewClone(ctx context.Context) (name, dbURL string, err error) {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	name = fmt.Sprintf("%s_clone_%s", m.templateName, suffix)
	dbURL, err = m.Clone(ctx, name)
	return name, dbURL, err
}

// Drop removes a derived database. Open connections are terminated; a
// test that leaked a connection must not keep its database alive.
func (m *Manager) Drop(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := pgx.Connect(ctx, m.adminURL)
	if err != nil {
		return fmt.Errorf("failed to connect to admin database: %w", err)
	}
	defer func() {
		if err := conn.Close(ctx); err != nil {
			m.logger.Warn("failed to close admin connection", "error", err)
		}
	}()

	if err := dropDatabase(ctx, conn, name); err != nil {
		return fmt.Errorf("failed to drop clone %q: %w", name, err)
	}

	delete(m.clones, name)
	return nil
}

// Cleanup drops every remaining clone and then the template itself. It is
// idempotent and safe to call after a partially failed CreateTemplate;
// teardown must never fail over setup's failure. Every database is
// attempted even when earlier drops fail, and the first error (if any) is
// returned after all attempts.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cleaned {
		return nil
	}
	m.cleaned = true

	conn, err := pgx.Connect(ctx, m.adminURL)
	if err != nil {
		// The server may already be gone (container stopped first after a
		// setup failure). Nothing left to clean in that case.
		m.logger.Warn("cleanup could not reach admin database", "error", err)
		return nil
	}
	defer func() {
		if err := conn.Close(ctx); err != nil {
			m.logger.Warn("failed to close admin connection", "error", err)
		}
	}()

	var firstErr error
	for name := range m.clones {
		if err := dropDatabase(ctx, conn, name); err != nil {
			m.logger.Error("failed to drop clone during cleanup", "clone", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	m.clones = make(map[string]struct{})

	// Attached managers (test workers) never own the template; dropping
	// it is the creating process's job.
	if m.attached {
		return firstErr
	}

	if err := dropDatabase(ctx, conn, m.templateName); err != nil {
		m.logger.Error("failed to drop template during cleanup", "template", m.templateName, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	if firstErr == nil {
		m.logger.Info("template database cleanup complete", "template", m.templateName)
	}
	return firstErr
}

// dropDatabase removes a database if it exists, unmarking it as a
// template first (Postgres refuses to drop a database while datistemplate
// is set) and forcing open sessions closed.
func dropDatabase(ctx context.Context, conn *pgx.Conn, name string) error {
	var exists bool
	err := conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", name,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check for database %q: %w", name, err)
	}
	if !exists {
		return nil
	}

	ident := pgx.Identifier{name}.Sanitize()
	if _, err := conn.Exec(ctx, "ALTER DATABASE "+ident+" IS_TEMPLATE false"); err != nil {
		return fmt.Errorf("failed to unmark template %q: %w", name, err)
	}
	if _, err := conn.Exec(ctx, "DROP DATABASE IF EXISTS "+ident+" WITH (FORCE)"); err != nil {
		return fmt.Errorf("failed to drop database %q: %w", name, err)
	}
	return nil
}

// replaceDatabase swaps the database name in a connection URL, keeping
// credentials, host, port and options.
func replaceDatabase(dbURL, database string) (string, error) {
	parsed, err := url.Parse(dbURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse database URL: %w", err)
	}
	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		return "", fmt.Errorf("unexpected database URL scheme %q", parsed.Scheme)
	}

	parsed.Path = "/" + database
	return parsed.String(), nil
}
