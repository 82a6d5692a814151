// Package diag keeps a bounded in-memory journal of engine decisions
// and dispatch outcomes, served over the HTTP diagnostics endpoint.
package diag

import (
	"context"
	"sync"
	"time"

	"taskping/internal/dispatch"
	"taskping/internal/eventbus"
	logx "taskping/pkg/logx"
)

// Entry kinds.
const (
	KindAccepted   = "accepted"
	KindRejected   = "rejected"
	KindSent       = "sent"
	KindFailed     = "failed"
	KindDropped    = "dropped"
	KindSuppressed = "suppressed"
)

type Entry struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	ItemID  string    `json:"item_id,omitempty"`
	Trigger string    `json:"trigger,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Recorder is a fixed-size ring; the oldest entries fall off. Safe for
// concurrent use.
type Recorder struct {
	log logx.Logger

	mu   sync.Mutex
	ring []Entry
	next int
	full bool

	stop func()
	done chan struct{}
}

func NewRecorder(capacity int, log logx.Logger) *Recorder {
	if capacity <= 0 {
		capacity = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{log: log, ring: make([]Entry, capacity)}
}

// Record appends one entry. The engine calls this directly for filter
// decisions; dispatch outcomes arrive through the bus subscription.
func (r *Recorder) Record(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	r.mu.Lock()
	r.ring[r.next] = e
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot returns up to limit entries, newest first. limit <= 0 means
// everything retained.
func (r *Recorder) Snapshot(limit int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.ring)
	}
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		idx := r.next - 1 - i
		if idx < 0 {
			idx += len(r.ring)
		}
		out = append(out, r.ring[idx])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Follow subscribes to dispatch outcomes on the bus and mirrors them
// into the ring until ctx is cancelled.
func (r *Recorder) Follow(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(64)
	r.done = make(chan struct{})
	r.stop = unsub

	go func() {
		defer close(r.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				r.absorb(ev)
			}
		}
	}()
}

// Close stops the bus subscription started by Follow.
func (r *Recorder) Close() {
	if r.stop != nil {
		r.stop()
	}
	if r.done != nil {
		<-r.done
	}
}

func (r *Recorder) absorb(ev eventbus.Event) {
	o, ok := ev.Data.(dispatch.Outcome)
	if !ok {
		return
	}
	var kind string
	switch ev.Type {
	case eventbus.TypeDispatchSent:
		kind = KindSent
	case eventbus.TypeDispatchFailed:
		kind = KindFailed
	case eventbus.TypeDispatchDropped:
		kind = KindDropped
	case eventbus.TypeDispatchQuiet:
		kind = KindSuppressed
	default:
		return
	}
	r.Record(Entry{
		At:      ev.Time,
		Kind:    kind,
		ItemID:  o.ItemID,
		Trigger: o.Trigger,
		Detail:  o.Label,
		Reason:  o.Error,
	})
}
