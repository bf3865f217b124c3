package migrate

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestParseFilename(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion int
		wantName    string
		wantErr     bool
	}{
		{"001_initial_schema.sql", 1, "initial_schema", false},
		{"002_alert_history_retention.sql", 2, "alert_history_retention", false},
		{"100_name_with_underscores.sql", 100, "name_with_underscores", false},
		{"invalid.sql", 0, "", true},
		{"abc_name.sql", 0, "", true},
		{"000_zero.sql", 0, "", true},
		{"001_.sql", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, err := parseFilename(tt.filename)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %s, got nil", tt.filename)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if version != tt.wantVersion || name != tt.wantName {
				t.Errorf("got (%d, %s), want (%d, %s)", version, name, tt.wantVersion, tt.wantName)
			}
		})
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	migrations, err := load(embedded, "migrations")
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no migrations embedded")
	}
	if migrations[0].version != 1 {
		t.Errorf("first migration version = %d, want 1", migrations[0].version)
	}
	for i, m := range migrations {
		if strings.TrimSpace(m.sql) == "" {
			t.Errorf("migration %s is empty", m)
		}
		if i > 0 && m.version <= migrations[i-1].version {
			t.Errorf("migrations not sorted at %s", m)
		}
	}

	schema := migrations[0].sql
	for _, table := range []string{"alerts", "escalation_runs", "incidents", "incident_timeline", "escalation_policies", "maintenance_windows"} {
		if !strings.Contains(schema, "CREATE TABLE IF NOT EXISTS "+table+" ") {
			t.Errorf("initial schema does not create %s", table)
		}
	}
}

func TestLoadFromFS(t *testing.T) {
	fsys := fstest.MapFS{
		"m/002_second.sql": {Data: []byte("SELECT 2;")},
		"m/001_first.sql":  {Data: []byte("SELECT 1;")},
		"m/README.md":      {Data: []byte("ignored")},
	}
	migrations, err := load(fsys, "m")
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if len(migrations) != 2 || migrations[0].name != "first" || migrations[1].name != "second" {
		t.Fatalf("load() = %v", migrations)
	}

	dup := fstest.MapFS{
		"m/001_a.sql": {Data: []byte("SELECT 1;")},
		"m/001_b.sql": {Data: []byte("SELECT 1;")},
	}
	if _, err := load(dup, "m"); err == nil {
		t.Error("expected error for duplicate versions")
	}
}

func TestPendingMigrations(t *testing.T) {
	available := []migration{{version: 1, name: "a"}, {version: 2, name: "b"}, {version: 3, name: "c"}}
	applied := []Record{{Version: 1, Name: "a"}, {Version: 3, Name: "c"}}

	pending := pendingMigrations(available, applied)
	if len(pending) != 1 || pending[0].String() != "002_b" {
		t.Errorf("pending = %v, want [002_b]", pending)
	}
	if latest(applied) != 3 || latest(nil) != 0 {
		t.Error("latest() returned wrong version")
	}
}
