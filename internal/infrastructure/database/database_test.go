package database

import (
	"context"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/nerrad567/apilink/internal/infrastructure/config"
	"github.com/nerrad567/apilink/migrations"
)

func TestOpen(t *testing.T) {
	tests := []struct {
		name string
		rel  string
	}{
		{"flat", "test.db"},
		{"nested directories", filepath.Join("a", "b", "test.db")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.rel)
			db, err := Open(context.Background(), Config{Path: path, WALMode: true, BusyTimeout: 5})
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer db.Close() //nolint:errcheck // Test cleanup

			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("database file not created: %v", err)
			}
			if info.Mode().Perm() != fileMode {
				t.Errorf("file mode = %v, want %v", info.Mode().Perm(), os.FileMode(fileMode))
			}
			if db.Path() != path {
				t.Errorf("Path() = %q, want %q", db.Path(), path)
			}
			if err := db.HealthCheck(context.Background()); err != nil {
				t.Errorf("HealthCheck() error = %v", err)
			}
			if got := db.Stats().MaxOpenConnections; got != 1 {
				t.Errorf("MaxOpenConnections = %d, want 1", got)
			}
		})
	}
}

func TestOpen_Errors(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Error("Open() with empty path expected error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "x.db")}); err == nil {
		t.Error("Open() with cancelled context expected error")
	}
}

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want url.Values
	}{
		{
			name: "rollback journal",
			cfg:  Config{Path: "/var/lib/apilink.db", BusyTimeout: 2},
			want: url.Values{"_busy_timeout": {"2000"}, "_foreign_keys": {"on"}},
		},
		{
			name: "wal",
			cfg:  Config{Path: "/var/lib/apilink.db", WALMode: true},
			want: url.Values{
				"_busy_timeout": {"0"},
				"_foreign_keys": {"on"},
				"_journal_mode": {"WAL"},
				"_synchronous":  {"NORMAL"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dsn(tt.cfg)
			path, query, ok := strings.Cut(got, "?")
			if !ok || path != "file:"+tt.cfg.Path {
				t.Fatalf("dsn() = %q", got)
			}
			if query != tt.want.Encode() {
				t.Errorf("dsn() query = %q, want %q", query, tt.want.Encode())
			}
		})
	}
}

func TestClose(t *testing.T) {
	db, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := (&DB{}).Close(); err != nil {
		t.Errorf("Close() on zero DB error = %v", err)
	}
}

func TestConfigFrom(t *testing.T) {
	got := ConfigFrom(config.DatabaseConfig{Path: "/tmp/a.db", WALMode: true, BusyTimeout: 7})
	if got.Path != "/tmp/a.db" || !got.WALMode || got.BusyTimeout != 7 {
		t.Errorf("ConfigFrom() = %+v", got)
	}
	if got.Migrations != fs.FS(migrations.FS) {
		t.Error("ConfigFrom() does not carry the embedded schema")
	}
}

func TestOpenMigrated(t *testing.T) {
	db, err := OpenMigrated(context.Background(), Config{
		Path:        filepath.Join(t.TempDir(), "migrated.db"),
		BusyTimeout: 5,
		Migrations:  testMigrations,
	})
	if err != nil {
		t.Fatalf("OpenMigrated() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	if _, err := db.ExecContext(context.Background(),
		"INSERT INTO test_endpoints (collection, operation, hits) VALUES (?, ?, ?)", "users", "list", 1); err != nil {
		t.Errorf("insert into migrated table error = %v", err)
	}
}

func TestOpenMigrated_EmbeddedSchema(t *testing.T) {
	db, err := OpenMigrated(context.Background(), ConfigFrom(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "apilink.db"),
		BusyTimeout: 5,
	}))
	if err != nil {
		t.Fatalf("OpenMigrated() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	status, err := db.MigrationStatus(context.Background())
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(status) == 0 {
		t.Fatal("embedded schema has no migrations")
	}
	for _, st := range status {
		if !st.Applied {
			t.Errorf("%s_%s not applied", st.Version, st.Name)
		}
	}
}

func TestOpenMigrated_BadMigration(t *testing.T) {
	_, err := OpenMigrated(context.Background(), Config{
		Path: filepath.Join(t.TempDir(), "broken.db"),
		Migrations: fstest.MapFS{
			"20260101_000000_broken.up.sql": {Data: []byte("CREATE TABLE (")},
		},
	})
	if err == nil {
		t.Fatal("OpenMigrated() with invalid SQL expected error")
	}
}
