package migrate_test

import (
	"testing"

	"fieldsync/internal/db"
	"fieldsync/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	var version int
	if err := conn.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version < 1 {
		t.Fatalf("user_version = %d, want at least 1", version)
	}
	// tables from the initial migration exist
	for _, q := range []string{
		`SELECT key FROM records LIMIT 1`,
		`SELECT id FROM events LIMIT 1`,
	} {
		if _, err := conn.Exec(q); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
	}

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}
	var again int
	if err := conn.QueryRow(`PRAGMA user_version`).Scan(&again); err != nil {
		t.Fatalf("re-read user_version: %v", err)
	}
	if again != version {
		t.Fatalf("user_version moved from %d to %d on a no-op run", version, again)
	}
}
