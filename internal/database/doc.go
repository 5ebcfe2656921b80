// Package database provides the PostgreSQL pool and schema for the update journal.
//
// The schema lives in migrations/ and is embedded into the binary; Migrate
// applies it with golang-migrate before the journal writer starts.
package database
