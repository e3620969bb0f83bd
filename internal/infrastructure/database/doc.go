// Package database provides SQLite connectivity for pumpcore's state store.
//
// This package manages:
//   - The database connection, with WAL mode and a busy timeout
//   - Schema migrations embedded in the binary
//   - Connection lifecycle and health checks
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration Strategy:
//
// Migrations are forward-only. Each file is named
// YYYYMMDD_HHMMSS_description.up.sql and lives in the top-level migrations
// package, which registers itself through MigrationsFS.
package database
