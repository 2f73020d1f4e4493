package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/nerrad567/apilink/internal/infrastructure/config"
	"github.com/nerrad567/apilink/migrations"
)

const (
	dirMode  = 0o750
	fileMode = 0o600

	pingTimeout     = 5 * time.Second
	connMaxIdleTime = 30 * time.Minute
	connMaxLifetime = time.Hour
)

// DB is the SQLite handle shared by the metadata cache and the request
// history.
type DB struct {
	*sql.DB
	path       string
	migrations fs.FS
}

// Config describes where the database lives and how it is opened.
type Config struct {
	// Path of the database file. Missing parent directories are created.
	Path string

	// WALMode lets history reads proceed while the cache writes.
	WALMode bool

	// BusyTimeout is how long a connection waits for a lock, in seconds.
	BusyTimeout int

	// Migrations is the schema applied by Migrate. Nil means none.
	Migrations fs.FS
}

// ConfigFrom maps the database section of apilink.yaml onto a Config
// carrying the embedded apilink schema.
func ConfigFrom(c config.DatabaseConfig) Config {
	return Config{
		Path:        c.Path,
		WALMode:     c.WALMode,
		BusyTimeout: c.BusyTimeout,
		Migrations:  migrations.FS,
	}
}

// dsn builds the go-sqlite3 connection string for cfg.
func dsn(cfg Config) string {
	q := url.Values{}
	q.Set("_busy_timeout", strconv.Itoa(cfg.BusyTimeout*int(time.Second/time.Millisecond)))
	q.Set("_foreign_keys", "on")
	if cfg.WALMode {
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	}
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Open opens the database file and checks that it answers within ctx. It
// does not migrate; see OpenMigrated.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirMode); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows a single writer.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Path, err)
	}

	// Ping creates the file, so it can be tightened now.
	if err := os.Chmod(cfg.Path, fileMode); err != nil {
		sqlDB.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("restricting database permissions: %w", err)
	}

	return &DB{DB: sqlDB, path: cfg.Path, migrations: cfg.Migrations}, nil
}

// OpenMigrated opens the database and applies pending migrations, closing
// it again when that fails.
func OpenMigrated(ctx context.Context, cfg Config) (*DB, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, err
	}
	return db, nil
}

// Close closes the handle. It is safe on a zero DB.
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// HealthCheck runs a trivial query.
func (db *DB) HealthCheck(ctx context.Context) error {
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	return nil
}
