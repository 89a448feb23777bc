// Package ciutil centralizes CI environment detection, environment
// variable naming, and safe logging of connection strings. It exists so
// that the provisioning lifecycle, the logger, and the test helpers all
// agree on which variables identify a CI run and which carry the database
// connection descriptor.
package ciutil
