// Package logger configures the process-wide structured logger used by
// the environment provisioning lifecycle and its CLI.
package logger
