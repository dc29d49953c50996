package db

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDB_OpenAndClose(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// Verify database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	// Verify we can close without error
	if err := db.Close(); err != nil {
		t.Errorf("Failed to close database: %v", err)
	}
}

func TestDB_OpenCreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "dir", "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database in nested dir: %v", err)
	}
	defer db.Close()
}

func TestDB_LogDaemonEvent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.LogDaemonEvent("start", "daemon started - pid 1234"); err != nil {
		t.Fatalf("Failed to log daemon event: %v", err)
	}
	if err := db.LogDaemonEvent("stop", "daemon stopped"); err != nil {
		t.Fatalf("Failed to log daemon event: %v", err)
	}

	events, err := db.GetRecentDaemonEvents(10)
	if err != nil {
		t.Fatalf("Failed to fetch daemon events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	// Newest first
	if events[0].EventType != "stop" {
		t.Errorf("Expected newest event 'stop', got %q", events[0].EventType)
	}
	if events[1].Details != "daemon started - pid 1234" {
		t.Errorf("Unexpected details: %q", events[1].Details)
	}
}

func TestDB_LogInvocation(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	argv := []string{"build", "//src:all"}
	if err := db.LogInvocation(argv, "/repo", 0, 1500*time.Millisecond, 7); err != nil {
		t.Fatalf("Failed to log invocation: %v", err)
	}
	if err := db.LogInvocation([]string{"test", "::"}, "/repo", 1, 30*time.Second, 7); err != nil {
		t.Fatalf("Failed to log invocation: %v", err)
	}

	invocations, err := db.GetRecentInvocations(10)
	if err != nil {
		t.Fatalf("Failed to fetch invocations: %v", err)
	}
	if len(invocations) != 2 {
		t.Fatalf("Expected 2 invocations, got %d", len(invocations))
	}

	newest := invocations[0]
	if newest.Command != "test" {
		t.Errorf("Expected newest command 'test', got %q", newest.Command)
	}
	if newest.ExitCode != 1 {
		t.Errorf("Expected exit code 1, got %d", newest.ExitCode)
	}
	if newest.Duration != 30*time.Second {
		t.Errorf("Expected duration 30s, got %v", newest.Duration)
	}

	oldest := invocations[1]
	if oldest.Argv != "build //src:all" {
		t.Errorf("Unexpected argv: %q", oldest.Argv)
	}
	if oldest.GraphVersion != 7 {
		t.Errorf("Expected graph version 7, got %d", oldest.GraphVersion)
	}
}

func TestDB_LogInvocationEmptyArgv(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.LogInvocation(nil, "", 1, 0, 1); err != nil {
		t.Fatalf("Failed to log empty invocation: %v", err)
	}
}

func TestDB_CountInvocations(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	count, err := db.CountInvocations()
	if err != nil {
		t.Fatalf("Failed to count invocations: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 invocations, got %d", count)
	}

	for i := 0; i < 3; i++ {
		if err := db.LogInvocation([]string{"build"}, "/repo", 0, time.Second, 1); err != nil {
			t.Fatalf("Failed to log invocation: %v", err)
		}
	}

	count, err = db.CountInvocations()
	if err != nil {
		t.Fatalf("Failed to count invocations: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 invocations, got %d", count)
	}
}

func TestDB_Flush(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.LogDaemonEvent("start", "x"); err != nil {
		t.Fatalf("Failed to log event: %v", err)
	}
	if err := db.Flush(); err != nil {
		t.Errorf("Failed to flush: %v", err)
	}
}
