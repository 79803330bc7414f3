// Package database provides the PostgreSQL/TimescaleDB connection pool used
// by the tick recorder.
package database
