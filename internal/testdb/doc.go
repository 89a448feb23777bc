// Package testdb provides the database helpers test workers use. Each
// test acquires its own database cloned from the run's template, so
// mutations in one test are never observable from another and no test
// ever touches the template itself. Helpers for transaction-scoped
// isolation, migrations, and fixture seeding live here as well.
//
// The package only reads the environment the global setup publishes; it
// never starts containers or creates templates.
package testdb
