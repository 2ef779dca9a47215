// Package storage is the durable store behind the job queue and the scheduling entities.
//
// Drivers:
//   - "memory": process-local maps, used by tests and single-node dev runs
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "mysql": shared MySQL 8 database (github.com/go-sql-driver/mysql)
//   - "postgres": shared PostgreSQL database (github.com/jackc/pgx/v5 stdlib driver)
//
// All drivers enforce the same contract: at most one queued or running job per
// dedup key, lease-fenced job completion, and transactional entity updates.
package storage
