package event

import (
	"strconv"
	"strings"
	"time"

	"taskping/internal/tracker"
)

// criticalStatuses are the statuses whose entry transition alerts.
var criticalStatuses = map[string]bool{
	"blocked":  true,
	"urgent":   true,
	"critical": true,
}

// Detector derives events from an item diff against its recorded baseline.
//
// Each check is independent: a field missing for one check skips that
// check only, so one malformed item never fails a whole pass.
type Detector struct {
	self string
}

func NewDetector(self string) *Detector {
	return &Detector{self: strings.TrimSpace(self)}
}

// FromDiff returns all events the item produces this pass. today must be
// truncated to midnight in the engine timezone.
func (d *Detector) FromDiff(it tracker.Item, base Baseline, today time.Time) []Event {
	if it.ID == "" {
		return nil
	}

	var out []Event
	if ev, ok := d.checkDeadline(it, base, today); ok {
		out = append(out, ev)
	}
	if ev, ok := d.checkOverdue(it, base, today); ok {
		out = append(out, ev)
	}
	if ev, ok := d.checkStatusCritical(it, base); ok {
		out = append(out, ev)
	}
	if ev, ok := d.checkAssigned(it, base); ok {
		out = append(out, ev)
	}
	if ev, ok := d.checkBlockerResolved(it, base); ok {
		out = append(out, ev)
	}
	return out
}

// checkDeadline emits at most one deadline event per pass: the 2h warning
// when due today, else the 24h warning when due tomorrow.
func (d *Detector) checkDeadline(it tracker.Item, base Baseline, today time.Time) (Event, bool) {
	if it.DueDate == nil {
		return Event{}, false
	}
	daysUntil := daysBetween(today, dateOnly(*it.DueDate))

	if daysUntil == 0 && base.LastDeadlineNotified != Deadline2h {
		return Event{
			Trigger:     TriggerDeadlineWarning,
			ItemID:      it.ID,
			Fingerprint: Deadline2h,
			Context: map[string]string{
				"due_date": isoDate(*it.DueDate),
				"urgency":  "today",
			},
		}, true
	}
	if daysUntil == 1 && base.LastDeadlineNotified == "" {
		return Event{
			Trigger:     TriggerDeadlineWarning,
			ItemID:      it.ID,
			Fingerprint: Deadline24h,
			Context: map[string]string{
				"due_date": isoDate(*it.DueDate),
				"urgency":  "tomorrow",
			},
		}, true
	}
	return Event{}, false
}

// checkOverdue emits at most one overdue event per calendar day, however
// overdue the item is.
func (d *Detector) checkOverdue(it tracker.Item, base Baseline, today time.Time) (Event, bool) {
	if it.DueDate == nil {
		return Event{}, false
	}
	due := dateOnly(*it.DueDate)
	if !due.Before(today) {
		return Event{}, false
	}
	if base.LastOverdueNotified == isoDate(today) {
		return Event{}, false
	}
	return Event{
		Trigger:     TriggerOverdue,
		ItemID:      it.ID,
		Fingerprint: "overdue:" + isoDate(today),
		Context: map[string]string{
			"due_date":     isoDate(due),
			"days_overdue": strconv.Itoa(daysBetween(due, today)),
		},
	}, true
}

// checkStatusCritical fires only on the transition INTO the critical set,
// never while the item stays inside it.
func (d *Detector) checkStatusCritical(it tracker.Item, base Baseline) (Event, bool) {
	cur := strings.ToLower(strings.TrimSpace(it.Status))
	prev := strings.ToLower(strings.TrimSpace(base.PrevStatus))
	if !criticalStatuses[cur] || criticalStatuses[prev] {
		return Event{}, false
	}
	return Event{
		Trigger:     TriggerStatusCritical,
		ItemID:      it.ID,
		Fingerprint: "status=" + cur,
		Context: map[string]string{
			"new_status":  cur,
			"prev_status": prev,
		},
	}, true
}

// checkAssigned fires only on the transition INTO self-assignment.
func (d *Detector) checkAssigned(it tracker.Item, base Baseline) (Event, bool) {
	if d.self == "" || it.Assignee != d.self || base.PrevAssignee == d.self {
		return Event{}, false
	}
	return Event{
		Trigger:     TriggerAssigned,
		ItemID:      it.ID,
		Fingerprint: "assignee=" + it.Assignee,
		Context: map[string]string{
			"prev_assignee": base.PrevAssignee,
		},
	}, true
}

// checkBlockerResolved fires when the blocker set drains from non-empty
// to empty.
func (d *Detector) checkBlockerResolved(it tracker.Item, base Baseline) (Event, bool) {
	if len(base.PrevBlockedBy) == 0 || len(it.BlockedBy) > 0 {
		return Event{}, false
	}
	return Event{
		Trigger:     TriggerBlockerResolved,
		ItemID:      it.ID,
		Fingerprint: "unblocked",
		Context: map[string]string{
			"resolved_blockers": strings.Join(base.PrevBlockedBy, ","),
		},
	}, true
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// daysBetween counts calendar days from -> to. Rounding absorbs DST
// transitions that make a day 23h or 25h long.
func daysBetween(from, to time.Time) int {
	h := dateOnly(to).Sub(dateOnly(from)).Hours()
	if h >= 0 {
		return int(h/24 + 0.5)
	}
	return -int(-h/24 + 0.5)
}

func isoDate(t time.Time) string { return t.Format("2006-01-02") }
