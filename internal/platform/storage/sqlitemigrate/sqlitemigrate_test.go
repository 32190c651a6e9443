package sqlitemigrate

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	t.Cleanup(func() {
		if err := sqlDB.Close(); err != nil {
			t.Fatalf("close sqlite db: %v", err)
		}
	})
	return sqlDB
}

func TestApplyMigrationsRunsOnce(t *testing.T) {
	t.Parallel()

	sqlDB := openTestDB(t)
	migrationFS := fstest.MapFS{
		"0001_init.sql": &fstest.MapFile{Data: []byte(`
-- +migrate Up
CREATE TABLE things (id TEXT PRIMARY KEY);
-- +migrate Down
DROP TABLE things;
`)},
	}

	if err := ApplyMigrations(sqlDB, migrationFS, ""); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	// Second run must be a no-op.
	if err := ApplyMigrations(sqlDB, migrationFS, ""); err != nil {
		t.Fatalf("reapply migrations: %v", err)
	}

	var count int
	if err := sqlDB.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 recorded migration, got %d", count)
	}
	if _, err := sqlDB.Exec("INSERT INTO things (id) VALUES ('a')"); err != nil {
		t.Fatalf("insert into migrated table: %v", err)
	}
}

func TestApplyMigrationsOrdersFiles(t *testing.T) {
	t.Parallel()

	sqlDB := openTestDB(t)
	migrationFS := fstest.MapFS{
		"0002_add_column.sql": &fstest.MapFile{Data: []byte(`
-- +migrate Up
ALTER TABLE pairs ADD COLUMN matched_at INTEGER;
`)},
		"0001_init.sql": &fstest.MapFile{Data: []byte(`
-- +migrate Up
CREATE TABLE pairs (pair_key TEXT PRIMARY KEY);
`)},
	}

	if err := ApplyMigrations(sqlDB, migrationFS, ""); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if _, err := sqlDB.Exec("INSERT INTO pairs (pair_key, matched_at) VALUES ('a__b', 1)"); err != nil {
		t.Fatalf("insert into migrated table: %v", err)
	}
}

func TestExtractUpMigration(t *testing.T) {
	t.Parallel()

	content := "-- +migrate Up\nCREATE TABLE a (id TEXT);\n-- +migrate Down\nDROP TABLE a;\n"
	up := ExtractUpMigration(content)
	if up != "\nCREATE TABLE a (id TEXT);\n" {
		t.Fatalf("unexpected up migration: %q", up)
	}
	if got := ExtractUpMigration("CREATE TABLE b (id TEXT);"); got != "CREATE TABLE b (id TEXT);" {
		t.Fatalf("expected raw content without markers, got %q", got)
	}
}

func TestApplyMigrationsRequiresDB(t *testing.T) {
	t.Parallel()

	if err := ApplyMigrations(nil, fstest.MapFS{}, ""); err == nil {
		t.Fatal("expected missing db error")
	}
}
