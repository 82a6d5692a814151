// Package tracker defines the normalized work-item model consumed by the
// notification engine, plus the collaborator interfaces behind which the
// actual tracker sync (ClickUp, GitHub, ...) lives.
package tracker

import (
	"context"
	"time"
)

// Item is a normalized snapshot of a tracked unit of work.
// The engine reads it; it never writes back to the tracker.
type Item struct {
	ID       string // "clickup:869bxxud4" or "github:17"
	Source   string // "clickup" | "github"
	Title    string
	Status   string // "todo" | "in_progress" | "done" | "blocked" | ...
	Assignee string
	DueDate  *time.Time // date-only, midnight in engine timezone; nil when unset
	Score    int
	URL      string

	BlockedBy []string // item ids currently blocking this one

	// SnoozeUntil suppresses escalation until the given time.
	SnoozeUntil *time.Time
}

// Snoozed reports whether the item is snoozed at the given instant.
func (it Item) Snoozed(now time.Time) bool {
	return it.SnoozeUntil != nil && now.Before(*it.SnoozeUntil)
}

// Source supplies item snapshots to the engine. Implemented by the
// tracker-sync subsystem; the engine only depends on this interface.
type Source interface {
	// OpenItems returns a snapshot of all open (not archived) items.
	OpenItems(ctx context.Context) ([]Item, error)

	// Item looks up a single item by id. ok is false when unknown.
	Item(ctx context.Context, id string) (it Item, ok bool, err error)
}

// WebhookDelivery is one raw inbound webhook as handed to the engine.
type WebhookDelivery struct {
	Source    string // "github" | "clickup"
	EventType string // provider event name, e.g. "issue_comment"
	Payload   []byte // raw JSON body
}
