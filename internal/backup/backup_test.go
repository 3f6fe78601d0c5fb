package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRunOnceCopiesRecordsAndResources(t *testing.T) {
	root := t.TempDir()
	records := filepath.Join(root, "records.dat")
	if err := os.WriteFile(records, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	resDir := filepath.Join(root, "resources")
	if err := os.MkdirAll(resDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(resDir, "cube_1.bmesh"), []byte("mesh"), 0o644); err != nil {
		t.Fatal(err)
	}

	backupDir := filepath.Join(root, "backups")
	r := New(Config{Enabled: true, RecordsPath: records, ResourcesDir: resDir, BackupDir: backupDir})
	r.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	if err := r.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(backupDir, "20260102T030405Z", "records.dat"))
	if err != nil {
		t.Fatalf("read backed-up records file: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("backed-up records content = %q", got)
	}
	got, err = os.ReadFile(filepath.Join(backupDir, "20260102T030405Z", "resources", "cube_1.bmesh"))
	if err != nil {
		t.Fatalf("read backed-up resource: %v", err)
	}
	if string(got) != "mesh" {
		t.Fatalf("backed-up resource content = %q", got)
	}
}

func TestRunOncePrunesOldBackups(t *testing.T) {
	root := t.TempDir()
	records := filepath.Join(root, "records.dat")
	os.WriteFile(records, []byte("x"), 0o644)
	backupDir := filepath.Join(root, "backups")

	r := New(Config{Enabled: true, RecordsPath: records, BackupDir: backupDir, KeepCount: 2})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		t2 := base.Add(time.Duration(i) * time.Hour)
		r.now = func() time.Time { return t2 }
		if err := r.RunOnce(); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(backupDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 retained backups, got %d", len(entries))
	}
}
