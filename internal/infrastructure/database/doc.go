// Package database opens the SQLite file behind the persistent metadata
// cache and the request history, and keeps its schema current.
//
//	db, err := database.OpenMigrated(ctx, database.ConfigFrom(cfg.Database))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
// ConfigFrom carries the schema embedded by the top-level migrations
// package. Migrate applies pending versions, Rollback reverts the newest
// ones through their down files, and MigrationStatus reports both sides,
// including versions only the database knows about.
package database
