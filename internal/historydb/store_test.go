package historydb

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := Open(filepath.Join(t.TempDir(), "nexus.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = Close(gdb) })
	store, err := NewStore(gdb)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestAppendMessageDedup(t *testing.T) {
	store := newTestStore(t)

	first, err := store.AppendMessage("u1", "s1", "t1", "user", "open settings")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	second, err := store.AppendMessage("u1", "s1", "t1", "user", "open settings")
	if err != nil {
		t.Fatalf("AppendMessage repeat: %v", err)
	}
	if first.MessageID != second.MessageID {
		t.Fatalf("ids differ: %s vs %s", first.MessageID, second.MessageID)
	}

	rows, err := store.ListMessages("u1", time.Time{}, 0, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len = %d, want 1 (dedup)", len(rows))
	}
	if rows[0].Content != "open settings" || rows[0].Role != "user" {
		t.Fatalf("row = %+v", rows[0])
	}
}

func TestAppendMessageValidation(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.AppendMessage("u1", "s1", "", "", "hi"); err == nil {
		t.Fatal("expected error for empty role")
	}
	if _, err := store.AppendMessage("u1", "s1", "", "user", "   "); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestListMessagesSinceAndPaging(t *testing.T) {
	store := newTestStore(t)

	for _, content := range []string{"one", "two", "three", "four"} {
		if _, err := store.AppendMessage("u1", "s1", "", "user", content); err != nil {
			t.Fatalf("AppendMessage %s: %v", content, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if _, err := store.AppendMessage("u2", "s2", "", "user", "other user"); err != nil {
		t.Fatalf("AppendMessage other: %v", err)
	}

	all, err := store.ListMessages("u1", time.Time{}, 0, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(all) != 4 || all[0].Content != "one" || all[3].Content != "four" {
		t.Fatalf("all = %+v", all)
	}

	cutoff := time.UnixMilli(all[1].CreatedAt)
	later, err := store.ListMessages("u1", cutoff, 0, 0)
	if err != nil {
		t.Fatalf("ListMessages since: %v", err)
	}
	if len(later) != 2 || later[0].Content != "three" {
		t.Fatalf("later = %+v", later)
	}

	page, err := store.ListMessages("u1", time.Time{}, 2, 1)
	if err != nil {
		t.Fatalf("ListMessages page: %v", err)
	}
	if len(page) != 2 || page[0].Content != "two" || page[1].Content != "three" {
		t.Fatalf("page = %+v", page)
	}
}

func TestRecordAndFinishRun(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordRun("run-1", "u1", "enable wifi"); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	runs, err := store.ListRuns("u1", 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].RunStatus != "running" || runs[0].Command != "enable wifi" {
		t.Fatalf("runs = %+v", runs)
	}

	if err := store.FinishRun("run-1", "failed", false, "step timed out"); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	runs, err = store.ListRuns("u1", 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	row := runs[0]
	if row.RunStatus != "failed" || row.Success || row.LastError != "step timed out" || row.CompletedAt == 0 {
		t.Fatalf("row = %+v", row)
	}
}

func TestRecordRunIdempotentRestart(t *testing.T) {
	store := newTestStore(t)
	if err := store.RecordRun("run-1", "u1", "cmd"); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if err := store.FinishRun("run-1", "failed", false, "boom"); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := store.RecordRun("run-1", "u1", "cmd"); err != nil {
		t.Fatalf("RecordRun again: %v", err)
	}
	runs, _ := store.ListRuns("u1", 0)
	if len(runs) != 1 || runs[0].RunStatus != "running" {
		t.Fatalf("runs = %+v", runs)
	}
}
