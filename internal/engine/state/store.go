package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"taskping/internal/storage"
	logx "taskping/pkg/logx"
)

// Store owns every notification Record and serializes access per item.
//
// The periodic pass and the webhook handlers share one Store; Mutate is
// the single read-modify-write path, so a webhook arriving mid-pass for
// the same item waits for the pass's transaction instead of racing it.
// Different items do not contend.
type Store struct {
	log     logx.Logger
	backend storage.Backend // nil = in-memory only

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu  sync.Mutex
	rec Record
}

// NewStore builds the store and warm-loads persisted records.
func NewStore(ctx context.Context, backend storage.Backend, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{log: log, backend: backend, entries: map[string]*entry{}}

	if backend != nil {
		blobs, err := backend.LoadAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("load notification state: %w", err)
		}
		for id, blob := range blobs {
			var rec Record
			if err := json.Unmarshal(blob, &rec); err != nil {
				// A broken row degrades to an empty record for that item;
				// worst case is one duplicate notification, not a crash.
				log.Warn("discarding unreadable state record", logx.String("item", id), logx.Err(err))
				continue
			}
			s.entries[id] = &entry{rec: rec}
		}
		log.Info("notification state loaded", logx.Int("items", len(s.entries)))
	}
	return s, nil
}

func (s *Store) entryFor(itemID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[itemID]
	if !ok {
		e = &entry{}
		s.entries[itemID] = e
	}
	return e
}

// Mutate runs fn inside the item's critical section and persists the
// result. This is the one transactional update shared by both control
// paths; fn returning an error aborts the mutation.
func (s *Store) Mutate(ctx context.Context, itemID string, fn func(*Record) error) error {
	if itemID == "" {
		return fmt.Errorf("state: empty item id")
	}
	e := s.entryFor(itemID)

	e.mu.Lock()
	defer e.mu.Unlock()

	work := e.rec.clone()
	if err := fn(&work); err != nil {
		return err
	}
	e.rec = work

	if s.backend != nil {
		blob, err := json.Marshal(&work)
		if err != nil {
			return fmt.Errorf("state: marshal %s: %w", itemID, err)
		}
		if err := s.backend.Save(ctx, itemID, blob); err != nil {
			// The in-memory record is already updated, so dedupe still
			// holds for this process; persistence catches up on the next
			// successful save.
			s.log.Error("state persist failed", logx.String("item", itemID), logx.Err(err))
			return err
		}
	}
	return nil
}

// Get returns a copy of the item's record. ok is false when the item
// has never been seen.
func (s *Store) Get(itemID string) (Record, bool) {
	s.mu.Lock()
	e, ok := s.entries[itemID]
	s.mu.Unlock()
	if !ok {
		return Record{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.clone(), true
}

// Forget drops the item's state, used when the item is deleted or
// archived upstream.
func (s *Store) Forget(ctx context.Context, itemID string) error {
	s.mu.Lock()
	delete(s.entries, itemID)
	s.mu.Unlock()

	if s.backend != nil {
		return s.backend.Delete(ctx, itemID)
	}
	return nil
}

// IDs returns every item id with state.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	return out
}

// Len reports how many items have state, for diagnostics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
