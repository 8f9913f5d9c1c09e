package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestJournal(t *testing.T, path string) *SQLiteJournal {
	t.Helper()
	j, err := NewSQLiteJournal(path)
	if err != nil {
		t.Fatalf("NewSQLiteJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestSQLiteJournalLifecycle(t *testing.T) {
	testJournalLifecycle(t, newTestJournal(t, filepath.Join(t.TempDir(), "journal.db")))
}

func TestSQLiteJournalSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "journal.db")

	first := newTestJournal(t, path)
	u := newUnit("move", "p1", "bkt", "docs/", "archive/docs/", []Pair{
		{Src: "docs/a.txt", Dst: "archive/docs/a.txt"},
		{Src: "docs/b.txt", Dst: "archive/docs/b.txt"},
	})
	if err := first.Begin(ctx, u); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := first.MarkCopied(ctx, u.ID); err != nil {
		t.Fatalf("MarkCopied: %v", err)
	}
	if err := first.MarkDeleted(ctx, u.ID, []string{"docs/a.txt"}); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	first.Close()

	second := newTestJournal(t, path)
	pending, err := second.Pending(ctx, "p1")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d units, want 1", len(pending))
	}
	got := pending[0]
	if got.Op != "move" || got.Source != "docs/" || got.Target != "archive/docs/" || !got.Copied {
		t.Errorf("unit = %+v", got)
	}
	if len(got.Pairs) != 2 || got.Pairs[1].Dst != "archive/docs/b.txt" {
		t.Errorf("pairs = %+v", got.Pairs)
	}
	if !got.Deleted["docs/a.txt"] || got.Deleted["docs/b.txt"] {
		t.Errorf("deleted = %v", got.Deleted)
	}
}
