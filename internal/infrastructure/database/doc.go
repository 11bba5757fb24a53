// Package database provides SQLite connectivity for AgriLogic Core.
//
// This package manages:
//   - Database connection with WAL mode for concurrent reads
//   - Schema migrations read from an fs.FS (the migrations package embeds them)
//   - STRICT tables for type safety
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive: new columns must be NULLABLE or have a DEFAULT,
// and each .up.sql has a matching .down.sql.
package database
