package db

import (
	"os"
	"path/filepath"
	"testing"
)

func writeMigrations(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func TestLoadMigrations(t *testing.T) {
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{
		"001_core.sql":          "CREATE TABLE logical_resources (id BIGSERIAL PRIMARY KEY);",
		"002_common_values.sql": "CREATE TABLE common_token_values (id BIGSERIAL PRIMARY KEY);",
		"003_compartments.sql":  "CREATE TABLE compartment_refs (id BIGSERIAL PRIMARY KEY);",
	})

	migrations, err := NewMigrator(nil, dir).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}

	first := migrations[0]
	if first.Version != 1 || first.Name != "001_core.sql" {
		t.Errorf("first migration = %d %q", first.Version, first.Name)
	}
	if first.SQL != "CREATE TABLE logical_resources (id BIGSERIAL PRIMARY KEY);" {
		t.Errorf("unexpected SQL: %s", first.SQL)
	}
	for i, want := range []int{1, 2, 3} {
		if migrations[i].Version != want {
			t.Errorf("migration[%d].Version = %d, want %d", i, migrations[i].Version, want)
		}
	}
}

func TestLoadMigrations_NumericOrder(t *testing.T) {
	dir := t.TempDir()
	// Written out of order; 010 must sort after 005, not after 001.
	writeMigrations(t, dir, map[string]string{
		"010_indexes.sql": "SELECT 10;",
		"002_second.sql":  "SELECT 2;",
		"001_first.sql":   "SELECT 1;",
		"005_middle.sql":  "SELECT 5;",
	})

	migrations, err := NewMigrator(nil, dir).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	got := make([]int, len(migrations))
	for i, m := range migrations {
		got[i] = m.Version
	}
	want := []int{1, 2, 5, 10}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("versions = %v, want %v", got, want)
		}
	}
}

func TestLoadMigrations_SkipsNonMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{
		"001_valid.sql":      "SELECT 1;",
		"002_also_valid.sql": "SELECT 2;",
		"readme.sql":         "-- no version prefix",
		"abc_invalid.sql":    "-- non-numeric prefix",
		"notes.txt":          "not sql at all",
	})

	migrations, err := NewMigrator(nil, dir).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[1].Version != 2 {
		t.Errorf("versions = %d, %d", migrations[0].Version, migrations[1].Version)
	}
}

func TestLoadMigrations_EmptyDir(t *testing.T) {
	migrations, err := NewMigrator(nil, t.TempDir()).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected no migrations, got %d", len(migrations))
	}
}

func TestLoadMigrations_MissingDir(t *testing.T) {
	if _, err := NewMigrator(nil, "/no/such/dir").LoadMigrations(); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestMigrationStatus_PendingSplit(t *testing.T) {
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{
		"001_core.sql":          "SELECT 1;",
		"002_common_values.sql": "SELECT 2;",
		"003_indexes.sql":       "SELECT 3;",
	})

	migrations, err := NewMigrator(nil, dir).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	applied := map[int]bool{1: true}
	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		statuses = append(statuses, MigrationStatus{
			Version: m.Version,
			Name:    m.Name,
			Applied: applied[m.Version],
		})
	}

	if !statuses[0].Applied {
		t.Error("migration 001 should read as applied")
	}
	for _, s := range statuses[1:] {
		if s.Applied {
			t.Errorf("migration %03d should read as pending", s.Version)
		}
		if s.AppliedAt != nil {
			t.Errorf("pending migration %03d has an AppliedAt", s.Version)
		}
	}
}

func TestNewMigrator(t *testing.T) {
	m := NewMigrator(nil, "/srv/migrations")
	if m == nil {
		t.Fatal("expected a Migrator")
	}
	if m.dir != "/srv/migrations" {
		t.Errorf("dir = %q", m.dir)
	}
}
