package ciutil

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
)

const (
	// StandardCIUser is the standard username used in CI environments
	StandardCIUser = "postgres"

	// StandardCIPassword is the standard password used in CI environments
	StandardCIPassword = "postgres"

	// MigrationTableName is the name of the database table that tracks migrations
	MigrationTableName = "schema_migrations"
)

// GetTestDatabaseURL returns a database URL for testing purposes.
// It checks environment variables in the following order:
//  1. DATABASE_URL (standard, non-prefixed)
//  2. SOVRIUM_TEST_DB_URL (preferred, standardized name)
//
// In a CI environment where the database comes from an externally
// provisioned service container, the URL is standardized to the
// postgres:postgres credentials such containers carry. A URL published by
// this harness's own setup (recognizable by the template variable set
// alongside it) is returned verbatim: its credentials are exactly what the
// provisioned server was created with, and the descriptor is write-once —
// rewriting it on the read side would break every worker. If no
// environment variables are set, an empty string is returned.
func GetTestDatabaseURL(logger *slog.Logger) string {
	envVars := []string{EnvDatabaseURL, EnvSovriumTestDBURL}

	var dbURL string
	for _, envVar := range envVars {
		if val := os.Getenv(envVar); val != "" {
			dbURL = val
			if logger != nil {
				logger.Debug("Using database URL from environment variable",
					"var", envVar,
					"value", MaskSensitiveValue(val),
				)
			}
			break
		}
	}

	if dbURL == "" {
		if logger != nil {
			logger.Debug("No database URL environment variables found")
		}
		return ""
	}

	if IsCI() && !isHarnessProvisioned() {
		standardized, err := standardizeDatabaseURL(dbURL)
		if err != nil {
			if logger != nil {
				logger.Warn("Failed to standardize database URL for CI, using as-is",
					"error", err,
					"value", MaskSensitiveValue(dbURL),
				)
			}
			return dbURL
		}
		return standardized
	}

	return dbURL
}

// isHarnessProvisioned reports whether the published database URL came
// from this harness's own setup rather than an external CI service
// container. Setup publishes the template name together with the URL, so
// the template variable is the marker.
func isHarnessProvisioned() bool {
	return os.Getenv(EnvSovriumTemplateDB) != ""
}

// standardizeDatabaseURL rewrites the credentials of a database URL to the
// standard CI user/password pair while preserving host, port, database name
// and options.
func standardizeDatabaseURL(dbURL string) (string, error) {
	parsed, err := url.Parse(dbURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse database URL: %w", err)
	}

	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		return "", fmt.Errorf("unexpected database URL scheme %q", parsed.Scheme)
	}

	parsed.User = url.UserPassword(StandardCIUser, StandardCIPassword)
	return parsed.String(), nil
}
