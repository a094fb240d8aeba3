package storage

import (
	"path/filepath"
	"testing"
)

func TestGetSchemaVersion(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	store, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	version, err := store.GetSchemaVersion()
	if err != nil {
		t.Fatalf("GetSchemaVersion() error = %v", err)
	}

	expectedVersion := len(migrations)
	if version != expectedVersion {
		t.Errorf("GetSchemaVersion() = %d, want %d", version, expectedVersion)
	}
}

func TestGetMigrationHistory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	store, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	history, err := store.GetMigrationHistory()
	if err != nil {
		t.Fatalf("GetMigrationHistory() error = %v", err)
	}

	if len(history) != len(migrations) {
		t.Errorf("GetMigrationHistory() returned %d migrations, want %d", len(history), len(migrations))
	}

	for i, h := range history {
		if h.Version != migrations[i].Version {
			t.Errorf("migration %d version = %d, want %d", i, h.Version, migrations[i].Version)
		}
		if h.Name != migrations[i].Name {
			t.Errorf("migration %d name = %q, want %q", i, h.Name, migrations[i].Name)
		}
		if h.AppliedAt == "" {
			t.Errorf("migration %d applied_at is empty", i)
		}
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 2; i++ {
		store, err := New(dbPath)
		if err != nil {
			t.Fatalf("New() attempt %d error = %v", i, err)
		}
		cols, err := tableColumns(store.DB(), "tasks")
		if err != nil {
			t.Fatalf("tableColumns: %v", err)
		}
		if !cols["summary"] {
			t.Fatalf("tasks.summary missing after migrations")
		}
		store.Close()
	}
}

func TestSQLiteFilePathFromDSN(t *testing.T) {
	tests := []struct {
		dsn    string
		path   string
		onDisk bool
	}{
		{"", "", false},
		{":memory:", "", false},
		{"file::memory:", "", false},
		{"/tmp/x.db", "/tmp/x.db", true},
		{"file:/tmp/y.db?cache=shared", "/tmp/y.db", true},
		{"postgres://nope", "", false},
	}
	for _, tt := range tests {
		path, onDisk := sqliteFilePathFromDSN(tt.dsn)
		if path != tt.path || onDisk != tt.onDisk {
			t.Errorf("sqliteFilePathFromDSN(%q) = %q, %v; want %q, %v", tt.dsn, path, onDisk, tt.path, tt.onDisk)
		}
	}
}
