package file

import (
	"testing"
	"time"
)

func TestNewFilename(t *testing.T) {
	s := New("foo", "dir")
	expected := "dir/file-foo.bin"
	if s.filename != expected {
		t.Fatalf("expected %s but got %s", expected, s.filename)
	}
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	s := New("fresh", t.TempDir())
	if err := s.Load(); err != nil {
		t.Fatalf("Load() on a missing file should not error, got %v", err)
	}
	if len(s.st.Emailed) != 0 {
		t.Fatalf("expected empty state, got %d emailed records", len(s.st.Emailed))
	}
}

func TestCommitPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	s := New("persist-test", dir)
	if err := s.Load(); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	tx, err := s.Begin()
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	if err := tx.SetEmailedBridges("abc@example.com", now); err != nil {
		t.Fatalf("SetEmailedBridges() failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	reloaded := New("persist-test", dir)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("reload Load() failed: %v", err)
	}
	tx2, err := reloaded.Begin()
	if err != nil {
		t.Fatalf("Begin() on reloaded store failed: %v", err)
	}
	defer tx2.Rollback()

	ts, ok, err := tx2.EmailedBridges("abc@example.com")
	if err != nil {
		t.Fatalf("EmailedBridges() failed: %v", err)
	}
	if !ok {
		t.Fatal("expected a persisted EmailedBridges record after reload")
	}
	if !ts.Equal(now) {
		t.Fatalf("persisted timestamp = %v, want %v", ts, now)
	}
}

func TestRollbackDiscardsChanges(t *testing.T) {
	dir := t.TempDir()
	s := New("rollback-test", dir)
	if err := s.Load(); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	tx, err := s.Begin()
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	if err := tx.SetEmailedBridges("nope@example.com", time.Now().UTC()); err != nil {
		t.Fatalf("SetEmailedBridges() failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback() failed: %v", err)
	}

	tx2, err := s.Begin()
	if err != nil {
		t.Fatalf("Begin() after rollback failed: %v", err)
	}
	defer tx2.Rollback()
	_, ok, err := tx2.EmailedBridges("nope@example.com")
	if err != nil {
		t.Fatalf("EmailedBridges() failed: %v", err)
	}
	if ok {
		t.Fatal("rolled-back write should not be visible")
	}
}

func TestClearWarnedEmails(t *testing.T) {
	s := New("warn-clear-test", t.TempDir())
	if err := s.Load(); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	now := time.Now().UTC()
	tx, _ := s.Begin()
	tx.SetWarnedEmails("warned@example.com", now)
	tx.Commit()

	tx2, _ := s.Begin()
	_, isWarned, _ := tx2.WarnedEmails("warned@example.com")
	if !isWarned {
		t.Fatal("expected warned flag to be set")
	}
	tx2.SetEmailedBridges("warned@example.com", now.Add(4*time.Hour))
	if _, isWarned, _ := tx2.WarnedEmails("warned@example.com"); !isWarned {
		t.Fatal("SetEmailedBridges alone must not clear the warned flag")
	}
	tx2.ClearWarnedEmails("warned@example.com")
	tx2.Commit()

	tx3, _ := s.Begin()
	defer tx3.Rollback()
	_, isWarned, _ = tx3.WarnedEmails("warned@example.com")
	if isWarned {
		t.Fatal("expected warned flag to be cleared by ClearWarnedEmails")
	}
}

func TestBridgeBlocking(t *testing.T) {
	s := New("block-test", t.TempDir())
	if err := s.Load(); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	tx, _ := s.Begin()
	if err := tx.BlockBridge("FINGERPRINT1", "cn"); err != nil {
		t.Fatalf("BlockBridge() failed: %v", err)
	}
	blocked, err := tx.IsBridgeBlocked("FINGERPRINT1", "cn")
	if err != nil {
		t.Fatalf("IsBridgeBlocked() failed: %v", err)
	}
	if !blocked {
		t.Fatal("expected fingerprint to be recorded as blocked")
	}
	blocked, _ = tx.IsBridgeBlocked("FINGERPRINT1", "de")
	if blocked {
		t.Fatal("fingerprint should not be blocked in an unrelated country")
	}
	tx.Rollback()
}
