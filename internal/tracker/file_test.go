package tracker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileSourceLoadsSnapshot(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "items.json")
	snapshot := `[
		{"id": "clickup:1", "source": "clickup", "title": "ship", "status": "in_progress",
		 "assignee": "ivan", "due_date": "2026-08-30", "score": 700, "blocked_by": ["clickup:2"]},
		{"id": "github:17", "source": "github", "title": "fix", "status": "todo", "score": 100},
		{"title": "no id, skipped"}
	]`
	if err := os.WriteFile(path, []byte(snapshot), 0o644); err != nil {
		t.Fatal(err)
	}

	src := NewFileSource(path, time.UTC)
	items, err := src.OpenItems(context.Background())
	if err != nil {
		t.Fatalf("OpenItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}

	it, ok, err := src.Item(context.Background(), "clickup:1")
	if err != nil || !ok {
		t.Fatalf("Item: ok=%v err=%v", ok, err)
	}
	if it.DueDate == nil || it.DueDate.Format("2006-01-02") != "2026-08-30" {
		t.Fatalf("due = %v", it.DueDate)
	}
	if len(it.BlockedBy) != 1 {
		t.Fatalf("blocked_by = %v", it.BlockedBy)
	}

	if _, ok, _ := src.Item(context.Background(), "missing"); ok {
		t.Fatal("unknown id reported found")
	}
}

func TestFileSourceBadDueDateDropsField(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "items.json")
	if err := os.WriteFile(path, []byte(`[{"id": "x", "due_date": "soonish"}]`), 0o644); err != nil {
		t.Fatal(err)
	}

	src := NewFileSource(path, time.UTC)
	it, ok, err := src.Item(context.Background(), "x")
	if err != nil || !ok {
		t.Fatalf("Item: ok=%v err=%v", ok, err)
	}
	if it.DueDate != nil {
		t.Fatal("unparseable due date must be dropped")
	}
}

func TestFileSourceMissingFile(t *testing.T) {
	t.Parallel()
	src := NewFileSource(filepath.Join(t.TempDir(), "nope.json"), time.UTC)
	if _, err := src.OpenItems(context.Background()); err == nil {
		t.Fatal("missing snapshot must error")
	}
}
