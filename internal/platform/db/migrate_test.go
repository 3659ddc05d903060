package db

import (
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	files := fstest.MapFS{
		"002_room.sql":         {Data: []byte("CREATE TABLE room (id UUID PRIMARY KEY);")},
		"001_care_request.sql": {Data: []byte("CREATE TABLE care_request (id UUID PRIMARY KEY);")},
		"003_doctor.sql":       {Data: []byte("CREATE TABLE doctor (id TEXT PRIMARY KEY);")},
	}

	migrations, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	for i, want := range []int{1, 2, 3} {
		if migrations[i].Version != want {
			t.Errorf("migrations[%d].Version = %d, want %d", i, migrations[i].Version, want)
		}
	}
	if migrations[0].Name != "001_care_request.sql" {
		t.Errorf("expected name 001_care_request.sql, got %s", migrations[0].Name)
	}
}

func TestLoadMigrations_SkipsNonMigrations(t *testing.T) {
	files := fstest.MapFS{
		"001_core.sql":      {Data: []byte("SELECT 1;")},
		"README.md":         {Data: []byte("docs")},
		"notes.sql":         {Data: []byte("SELECT 2;")},
		"abc_bad.sql":       {Data: []byte("SELECT 3;")},
		"seed/001_seed.sql": {Data: []byte("SELECT 4;")},
	}

	migrations, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 1 {
		t.Fatalf("expected 1 migration, got %d", len(migrations))
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	files := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"001_b.sql": {Data: []byte("SELECT 2;")},
	}
	if _, err := NewMigrator(nil, files).LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate version")
	}
}

func TestLoadMigrations_Checksum(t *testing.T) {
	files := fstest.MapFS{"001_doctor.sql": {Data: []byte("CREATE TABLE doctor (id TEXT);")}}
	a, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	files["001_doctor.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE doctor (id TEXT, name TEXT);")}
	b, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(a[0].Checksum) != 64 {
		t.Errorf("expected hex sha256, got %q", a[0].Checksum)
	}
	if a[0].Checksum == b[0].Checksum {
		t.Error("expected checksum to change with file content")
	}
}

func TestMergeStatus(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	statuses := mergeStatus([]Migration{
		{Version: 1, Name: "001_a.sql", Checksum: "aa"},
		{Version: 2, Name: "002_b.sql", Checksum: "bb"},
		{Version: 3, Name: "003_c.sql", Checksum: "cc"},
	}, map[int]appliedMigration{
		1: {at: at, checksum: "aa"},
		3: {at: at, checksum: "stale"},
	})

	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) || statuses[0].Drifted {
		t.Errorf("expected migration 1 applied at %s, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected migration 2 pending, got %+v", statuses[1])
	}
	if !statuses[2].Drifted {
		t.Errorf("expected migration 3 to be reported as drifted, got %+v", statuses[2])
	}
}

func TestMergeStatus_LegacyRowWithoutChecksum(t *testing.T) {
	statuses := mergeStatus([]Migration{{Version: 1, Name: "001_a.sql", Checksum: "aa"}},
		map[int]appliedMigration{1: {at: time.Now()}})
	if statuses[0].Drifted {
		t.Error("rows recorded without a checksum must not count as drift")
	}
}
