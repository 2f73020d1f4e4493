package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"
)

var (
	// ErrBadMigration reports a malformed migration set.
	ErrBadMigration = errors.New("database: bad migration")

	// ErrIrreversible is returned by Rollback for a migration without a
	// down file.
	ErrIrreversible = errors.New("database: migration has no down file")

	// ErrUnknownMigration is returned by Rollback when the database holds
	// a version the migration set does not know.
	ErrUnknownMigration = errors.New("database: applied migration not found")
)

// Migration is one schema change. Version is the YYYYMMDD_HHMMSS prefix
// of its file names and orders migrations.
type Migration struct {
	Version string
	Name    string
	Up      string
	Down    string
}

// MigrationState is a migration as seen by the database.
type MigrationState struct {
	Version   string    `json:"version"`
	Name      string    `json:"name"`
	Applied   bool      `json:"applied"`
	AppliedAt time.Time `json:"appliedAt,omitzero"`

	// Unknown marks a version recorded in the database that is missing
	// from the migration set.
	Unknown bool `json:"unknown,omitempty"`
}

var migrationFile = regexp.MustCompile(`^(\d{8}_\d{6})_([A-Za-z0-9_]+)\.(up|down)\.sql$`)

// ReadMigrations collects the migrations at the root of fsys, oldest
// first. Other files and subdirectories are ignored. Every version needs
// an up file and a single name.
func ReadMigrations(fsys fs.FS) ([]Migration, error) {
	if fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	hasUp := make(map[string]bool)
	for _, e := range entries {
		match := migrationFile.FindStringSubmatch(e.Name())
		if e.IsDir() || match == nil {
			continue
		}
		version, name, dir := match[1], match[2], match[3]

		body, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}

		m, ok := byVersion[version]
		if !ok {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		} else if m.Name != name {
			return nil, fmt.Errorf("%w: version %s is named both %q and %q", ErrBadMigration, version, m.Name, name)
		}
		if dir == "up" {
			m.Up = string(body)
			hasUp[version] = true
		} else {
			m.Down = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for v, m := range byVersion {
		if !hasUp[v] {
			return nil, fmt.Errorf("%w: %s_%s has no up file", ErrBadMigration, v, m.Name)
		}
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b Migration) int { return strings.Compare(a.Version, b.Version) })
	return out, nil
}

const migrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	applied_at TEXT NOT NULL
)`

type appliedRow struct {
	name string
	at   time.Time
}

func (db *DB) applied(ctx context.Context) (map[string]appliedRow, error) {
	if _, err := db.ExecContext(ctx, migrationsTable); err != nil {
		return nil, fmt.Errorf("creating schema_migrations: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version, name, applied_at FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("reading schema_migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]appliedRow)
	for rows.Next() {
		var version, name, at string
		if err := rows.Scan(&version, &name, &at); err != nil {
			return nil, fmt.Errorf("reading schema_migrations: %w", err)
		}
		ts, _ := time.Parse(time.RFC3339, at) //nolint:errcheck // written by record below
		out[version] = appliedRow{name: name, at: ts}
	}
	return out, rows.Err()
}

// inTx runs fn in a transaction, committing when it returns nil.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Migrate applies pending migrations oldest first and returns how many
// ran. Each runs in its own transaction, so a failure keeps the earlier
// ones and a later Migrate resumes at the failed version.
func (db *DB) Migrate(ctx context.Context) (int, error) {
	all, err := ReadMigrations(db.migrations)
	if err != nil {
		return 0, err
	}
	done, err := db.applied(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, m := range all {
		if _, ok := done[m.Version]; ok {
			continue
		}
		err := db.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
				m.Version, m.Name, time.Now().UTC().Format(time.RFC3339))
			return err
		})
		if err != nil {
			return n, fmt.Errorf("migration %s_%s: %w", m.Version, m.Name, err)
		}
		n++
	}
	return n, nil
}

// Rollback reverts up to steps applied migrations, newest first, and
// returns how many were reverted.
func (db *DB) Rollback(ctx context.Context, steps int) (int, error) {
	if steps < 1 {
		return 0, fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	all, err := ReadMigrations(db.migrations)
	if err != nil {
		return 0, err
	}
	done, err := db.applied(ctx)
	if err != nil {
		return 0, err
	}

	known := make(map[string]Migration, len(all))
	for _, m := range all {
		known[m.Version] = m
	}
	versions := slices.Sorted(maps.Keys(done))
	slices.Reverse(versions)

	n := 0
	for _, v := range versions[:min(steps, len(versions))] {
		m, ok := known[v]
		if !ok {
			return n, fmt.Errorf("%w: %s", ErrUnknownMigration, v)
		}
		if m.Down == "" {
			return n, fmt.Errorf("%w: %s_%s", ErrIrreversible, m.Version, m.Name)
		}
		err := db.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Down); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version)
			return err
		})
		if err != nil {
			return n, fmt.Errorf("reverting %s_%s: %w", m.Version, m.Name, err)
		}
		n++
	}
	return n, nil
}

// MigrationStatus lists every known or applied migration in version
// order.
func (db *DB) MigrationStatus(ctx context.Context) ([]MigrationState, error) {
	all, err := ReadMigrations(db.migrations)
	if err != nil {
		return nil, err
	}
	done, err := db.applied(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationState, 0, len(all))
	for _, m := range all {
		st := MigrationState{Version: m.Version, Name: m.Name}
		if row, ok := done[m.Version]; ok {
			st.Applied, st.AppliedAt = true, row.at
			delete(done, m.Version)
		}
		out = append(out, st)
	}
	for v, row := range done {
		out = append(out, MigrationState{Version: v, Name: row.name, Applied: true, AppliedAt: row.at, Unknown: true})
	}
	slices.SortFunc(out, func(a, b MigrationState) int { return strings.Compare(a.Version, b.Version) })
	return out, nil
}
