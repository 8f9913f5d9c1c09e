package storage

import (
	"context"
	"testing"
	"time"
)

func TestMemoryJournalLifecycle(t *testing.T) {
	testJournalLifecycle(t, NewMemoryJournal())
}

func testJournalLifecycle(t *testing.T, j Journal) {
	t.Helper()
	ctx := context.Background()

	older := newUnit("move", "p1", "bkt", "a/", "b/a/", []Pair{{Src: "a/x", Dst: "b/a/x"}})
	older.CreatedAt = time.Now().Add(-time.Minute)
	newer := newUnit("rename", "p1", "bkt", "c", "d", []Pair{{Src: "c", Dst: "d"}})
	other := newUnit("rename", "p2", "bkt", "e", "f", []Pair{{Src: "e", Dst: "f"}})
	for _, u := range []Unit{newer, older, other} {
		if err := j.Begin(ctx, u); err != nil {
			t.Fatalf("Begin failed: %v", err)
		}
	}

	pending, err := j.Pending(ctx, "p1")
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != older.ID || pending[1].ID != newer.ID {
		t.Fatalf("pending = %+v, want older then newer", pending)
	}

	if err := j.MarkCopied(ctx, older.ID); err != nil {
		t.Fatal(err)
	}
	if err := j.MarkDeleted(ctx, older.ID, []string{"a/x"}); err != nil {
		t.Fatal(err)
	}
	pending, _ = j.Pending(ctx, "p1")
	if !pending[0].Copied || !pending[0].Deleted["a/x"] {
		t.Errorf("unit state = %+v", pending[0])
	}

	// Returned units are copies.
	pending[0].Deleted["tampered"] = true
	again, _ := j.Pending(ctx, "p1")
	if again[0].Deleted["tampered"] {
		t.Error("Pending leaked internal state")
	}

	if err := j.Finish(ctx, older.ID); err != nil {
		t.Fatal(err)
	}
	pending, _ = j.Pending(ctx, "p1")
	if len(pending) != 1 || pending[0].ID != newer.ID {
		t.Errorf("pending after finish = %+v", pending)
	}

	// Updates to unknown units are ignored.
	if err := j.MarkDeleted(ctx, "unknown", []string{"k"}); err != nil {
		t.Errorf("MarkDeleted unknown: %v", err)
	}
}

func TestChunkKeys(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e"}

	tests := []struct {
		size int
		want []int
	}{
		{2, []int{2, 2, 1}},
		{5, []int{5}},
		{10, []int{5}},
		{0, []int{1, 1, 1, 1, 1}},
	}
	for _, tt := range tests {
		chunks := chunkKeys(keys, tt.size)
		if len(chunks) != len(tt.want) {
			t.Errorf("size %d: %d chunks, want %d", tt.size, len(chunks), len(tt.want))
			continue
		}
		for i, c := range chunks {
			if len(c) != tt.want[i] {
				t.Errorf("size %d chunk %d has %d keys, want %d", tt.size, i, len(c), tt.want[i])
			}
		}
	}

	if chunks := chunkKeys(nil, 3); len(chunks) != 0 {
		t.Errorf("nil keys gave %d chunks", len(chunks))
	}
}
