package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"taskping/internal/engine/escalation"
	"taskping/internal/engine/event"
	"taskping/internal/tracker"
)

// Delivery is one accepted decision handed to the pipeline: either a
// single (event, item) pair or a consolidated escalation group.
type Delivery struct {
	ID string

	// Single decision.
	Event event.Event
	Item  tracker.Item

	// Composite decision; nil for singles.
	Group *escalation.Group

	// Exempt deliveries bypass quiet hours (deadline/overdue alerts).
	Exempt bool

	// Ack commits the state mutation for this delivery. The pipeline
	// calls it exactly once, after the channel confirmed the send.
	Ack func(ctx context.Context) error
}

func (d Delivery) Composite() bool { return d.Group != nil }

// Label is a short human identifier for logs and diagnostics.
func (d Delivery) Label() string {
	if d.Composite() {
		return "composite:level=" + strconv.Itoa(d.Group.Level) + ":n=" + strconv.Itoa(len(d.Group.Items))
	}
	return string(d.Event.Trigger) + ":" + d.Item.ID
}

// Outcome is published on the event bus for every terminal pipeline
// result (sent, failed, dropped, quiet-hours suppressed).
type Outcome struct {
	DeliveryID string
	Label      string
	ItemID     string
	Trigger    string
	Error      string
	At         time.Time
}

// Sender is the outbound channel boundary. Implementations must be safe
// for concurrent use by the worker pool.
type Sender interface {
	Send(ctx context.Context, text string) error
	Name() string
}

// Renderer turns a delivery into channel text. The real formatting
// collaborator lives outside this core; PlainRenderer is the built-in
// minimal implementation.
type Renderer interface {
	Render(d Delivery) string
}

// PlainRenderer renders a terse single-line-per-item message.
type PlainRenderer struct{}

func (PlainRenderer) Render(d Delivery) string {
	if d.Composite() {
		var b strings.Builder
		fmt.Fprintf(&b, "%d items at escalation level %d", len(d.Group.Items), d.Group.Level)
		if d.Group.Prompt != "" {
			b.WriteString(" - ")
			b.WriteString(d.Group.Prompt)
		}
		for _, it := range d.Group.Items {
			b.WriteString("\n• ")
			b.WriteString(itemLine(it))
		}
		return b.String()
	}

	var b strings.Builder
	switch d.Event.Trigger {
	case event.TriggerDeadlineWarning:
		if d.Event.Fingerprint == event.Deadline2h {
			b.WriteString("⏰ due today: ")
		} else {
			b.WriteString("⏰ due tomorrow: ")
		}
	case event.TriggerOverdue:
		b.WriteString("🔴 overdue: ")
	case event.TriggerStatusCritical:
		b.WriteString("🚨 " + d.Event.Context["new_status"] + ": ")
	case event.TriggerAssigned:
		b.WriteString("👤 assigned to you: ")
	case event.TriggerMentioned:
		b.WriteString("💬 mentioned by " + d.Event.Context["commenter"] + ": ")
	case event.TriggerCommentOnOwned:
		b.WriteString("💬 new comment from " + d.Event.Context["commenter"] + ": ")
	case event.TriggerBlockerResolved:
		b.WriteString("✅ unblocked: ")
	}
	b.WriteString(itemLine(d.Item))
	if p := d.Event.Context["body_preview"]; p != "" {
		b.WriteString("\n> ")
		b.WriteString(p)
	}
	return b.String()
}

func itemLine(it tracker.Item) string {
	title := it.Title
	if title == "" {
		title = it.ID
	}
	if it.URL != "" {
		return title + " (" + it.URL + ")"
	}
	return title
}
