package database

import (
	"io/fs"
	"strings"
	"testing"
)

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	var ups, downs int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	if ups == 0 {
		t.Fatal("no up migrations embedded")
	}
	if ups != downs {
		t.Errorf("up migrations = %d, down migrations = %d, want equal", ups, downs)
	}

	up, err := fs.ReadFile(migrationFS, "migrations/000001_create_intent_updates.up.sql")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(up), "CREATE TABLE IF NOT EXISTS intent_updates") {
		t.Error("first migration does not create intent_updates")
	}
}
