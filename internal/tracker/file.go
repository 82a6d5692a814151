package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileSource serves item snapshots from a JSON file maintained by the
// tracker-sync process. The file is an array of items; it is re-read
// only when its mtime changes.
type FileSource struct {
	path string
	loc  *time.Location

	mu      sync.Mutex
	modTime time.Time
	items   []Item
	byID    map[string]Item
}

type fileItem struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Title       string     `json:"title"`
	Status      string     `json:"status"`
	Assignee    string     `json:"assignee"`
	DueDate     string     `json:"due_date,omitempty"` // "2006-01-02"
	Score       int        `json:"score"`
	URL         string     `json:"url,omitempty"`
	BlockedBy   []string   `json:"blocked_by,omitempty"`
	SnoozeUntil *time.Time `json:"snooze_until,omitempty"`
}

func NewFileSource(path string, loc *time.Location) *FileSource {
	if loc == nil {
		loc = time.Local
	}
	return &FileSource{path: path, loc: loc, byID: map[string]Item{}}
}

func (f *FileSource) OpenItems(ctx context.Context) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.refresh(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Item(nil), f.items...), nil
}

func (f *FileSource) Item(ctx context.Context, id string) (Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, false, err
	}
	if err := f.refresh(); err != nil {
		return Item{}, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.byID[id]
	return it, ok, nil
}

func (f *FileSource) refresh() error {
	fi, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("tracker snapshot: %w", err)
	}

	f.mu.Lock()
	fresh := fi.ModTime().Equal(f.modTime) && f.items != nil
	f.mu.Unlock()
	if fresh {
		return nil
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("tracker snapshot: %w", err)
	}
	var raw []fileItem
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("tracker snapshot %s: %w", f.path, err)
	}

	items := make([]Item, 0, len(raw))
	byID := make(map[string]Item, len(raw))
	for _, r := range raw {
		if r.ID == "" {
			continue
		}
		it := Item{
			ID:          r.ID,
			Source:      r.Source,
			Title:       r.Title,
			Status:      r.Status,
			Assignee:    r.Assignee,
			Score:       r.Score,
			URL:         r.URL,
			BlockedBy:   r.BlockedBy,
			SnoozeUntil: r.SnoozeUntil,
		}
		if r.DueDate != "" {
			due, err := time.ParseInLocation("2006-01-02", r.DueDate, f.loc)
			if err != nil {
				// A bad date drops that field, not the item.
				due = time.Time{}
			}
			if !due.IsZero() {
				it.DueDate = &due
			}
		}
		items = append(items, it)
		byID[it.ID] = it
	}

	f.mu.Lock()
	f.modTime = fi.ModTime()
	f.items = items
	f.byID = byID
	f.mu.Unlock()
	return nil
}
