// Package state holds the per-item notification record and the
// transactional store both event paths (periodic pass and webhook)
// write through.
package state

import (
	"strings"
	"time"

	"taskping/internal/engine/event"
	"taskping/internal/tracker"
)

// MaxDedupeKeys bounds the per-item dedupe log; oldest keys evict first.
const MaxDedupeKeys = 50

// Record is the persisted notification state for one item.
//
// It is a typed record, not a freeform map: the pass and the webhook
// handler both write it, and named fields keep the two paths from
// drifting apart.
type Record struct {
	PrevStatus    string   `json:"prev_status,omitempty"`
	PrevAssignee  string   `json:"prev_assignee,omitempty"`
	PrevBlockedBy []string `json:"prev_blocked_by,omitempty"`

	// LastDeadlineNotified is "" / "24h" / "2h".
	LastDeadlineNotified string `json:"last_deadline_notified,omitempty"`
	// LastOverdueNotified is the ISO date of the last overdue alert.
	LastOverdueNotified string `json:"last_overdue_notified,omitempty"`

	EscalationLevel int `json:"escalation_level,omitempty"`

	DedupeKeys []string `json:"dedupe_keys,omitempty"`
}

// Baseline extracts the fields the diff detector compares against.
func (r *Record) Baseline() event.Baseline {
	return event.Baseline{
		PrevStatus:           r.PrevStatus,
		PrevAssignee:         r.PrevAssignee,
		PrevBlockedBy:        append([]string(nil), r.PrevBlockedBy...),
		LastDeadlineNotified: r.LastDeadlineNotified,
		LastOverdueNotified:  r.LastOverdueNotified,
	}
}

// HasDedupe reports whether the key was already delivered.
func (r *Record) HasDedupe(key string) bool {
	for _, k := range r.DedupeKeys {
		if k == key {
			return true
		}
	}
	return false
}

// ApplyNotified commits a confirmed delivery: records the dedupe key,
// sets the trigger-specific memo, and refreshes the diff baseline.
// Call it only after the channel acknowledged the send.
func (r *Record) ApplyNotified(it tracker.Item, ev event.Event, today time.Time) {
	r.appendDedupe(ev.DedupeKey())

	switch ev.Trigger {
	case event.TriggerDeadlineWarning:
		r.LastDeadlineNotified = ev.Fingerprint
	case event.TriggerOverdue:
		r.LastOverdueNotified = today.Format("2006-01-02")
	}

	r.RefreshBaseline(it)
}

// RefreshBaseline updates only the prev_* fields, so the next pass
// diffs against the current snapshot instead of a stale one.
func (r *Record) RefreshBaseline(it tracker.Item) {
	r.PrevStatus = it.Status
	r.PrevAssignee = it.Assignee
	r.PrevBlockedBy = append([]string(nil), it.BlockedBy...)
}

// ResetEscalation drops the ladder back to zero and clears the overdue
// memos and dedupe keys, so the next overdue cycle re-notifies from
// level 0.
func (r *Record) ResetEscalation() {
	r.EscalationLevel = 0
	r.LastOverdueNotified = ""

	kept := r.DedupeKeys[:0]
	for _, k := range r.DedupeKeys {
		if !strings.HasPrefix(k, string(event.TriggerOverdue)+":") {
			kept = append(kept, k)
		}
	}
	r.DedupeKeys = kept
}

func (r *Record) appendDedupe(key string) {
	if key == "" || r.HasDedupe(key) {
		return
	}
	r.DedupeKeys = append(r.DedupeKeys, key)
	if n := len(r.DedupeKeys) - MaxDedupeKeys; n > 0 {
		r.DedupeKeys = append([]string(nil), r.DedupeKeys[n:]...)
	}
}

// clone returns a deep copy safe to hand outside the store lock.
func (r *Record) clone() Record {
	cp := *r
	cp.PrevBlockedBy = append([]string(nil), r.PrevBlockedBy...)
	cp.DedupeKeys = append([]string(nil), r.DedupeKeys...)
	return cp
}
