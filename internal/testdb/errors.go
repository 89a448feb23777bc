package testdb

// This file contains error formatting utilities for enhanced diagnostics.

import (
	"fmt"
	"os"

	"github.com/sovrium/sovrium-sub013/internal/ciutil"
)

// formatDBConnectionError creates a detailed error message for database
// connection failures, including environment status and troubleshooting
// guidance. Diagnostics matter here: a worker failing to connect usually
// means global setup died before publishing, and the raw pgx error alone
// does not say so.
func formatDBConnectionError(baseErr error, dbURL string) error {
	envInfo := fmt.Sprintf("CI environment: %v\nCurrent working directory: %s",
		ciutil.IsCI(), getCurrentDir())

	dbInfo := fmt.Sprintf("Database URL used: %s (masked)", ciutil.MaskSensitiveValue(dbURL))

	return fmt.Errorf("database connection failed: %w\n%s\n%s\n"+
		"Please check:\n"+
		"1. Global setup completed and published the connection descriptor\n"+
		"2. The Postgres container is still running\n"+
		"3. Credentials and connection string are correct",
		baseErr, dbInfo, envInfo)
}

// formatEnvVarError creates a detailed error message when the connection
// descriptor environment variables are missing.
func formatEnvVarError() error {
	envVars := []string{ciutil.EnvDatabaseURL, ciutil.EnvSovriumTestDBURL}
	missingVars := []string{}
	for _, envVar := range envVars {
		if os.Getenv(envVar) == "" {
			missingVars = append(missingVars, envVar)
		}
	}

	envInfo := fmt.Sprintf("CI environment: %v\nCurrent working directory: %s",
		ciutil.IsCI(), getCurrentDir())

	return fmt.Errorf("no database URL available\n"+
		"Required environment variables missing: %v\n%s\n"+
		"Run the global setup (or the testenv CLI) before database tests, "+
		"or set one of DATABASE_URL, SOVRIUM_TEST_DB_URL",
		missingVars, envInfo)
}

func getCurrentDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return "unknown"
	}
	return dir
}
