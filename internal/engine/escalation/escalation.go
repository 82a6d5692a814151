// Package escalation computes the staged alert ladder for overdue items
// and consolidates same-level alerts into composite decisions.
package escalation

import (
	"strings"
	"time"

	"taskping/internal/tracker"
)

// Ladder positions, keyed by contiguous overdue days with no
// acknowledging action:
//
//	0  due today (briefing surface only)
//	1  flagged in briefing
//	2  afternoon digest
//	3  individual actionable alert
//	4  escalation prompt ("delegate or kill?")
//	5  final warning, candidate for auto-deprioritize
const (
	MaxLevel = 5

	// IndividualAlertLevel is the first ladder position that produces an
	// individual alert; below it the item only surfaces in briefings.
	IndividualAlertLevel = 3
)

// consolidateMin is the group size at which same-level same-day alerts
// collapse into one composite decision.
const consolidateMin = 3

// DaysOverdue returns how many whole calendar days the item is past due.
// 0 when not overdue or no due date.
func DaysOverdue(due *time.Time, today time.Time) int {
	if due == nil {
		return 0
	}
	d := daysBetween(dateOnly(*due), dateOnly(today))
	if d < 0 {
		return 0
	}
	return d
}

// LevelFor maps an item's overdue age onto the ladder.
func LevelFor(it tracker.Item, today time.Time) int {
	d := DaysOverdue(it.DueDate, today)
	if d > MaxLevel {
		return MaxLevel
	}
	return d
}

// Acknowledged reports whether the item has received an acknowledging
// action that resets the ladder: completion, a due date moved to the
// future, or an active snooze.
func Acknowledged(it tracker.Item, now time.Time) bool {
	if strings.EqualFold(strings.TrimSpace(it.Status), "done") {
		return true
	}
	if it.DueDate != nil && dateOnly(*it.DueDate).After(dateOnly(now)) {
		return true
	}
	return it.Snoozed(now)
}

// Advance returns the next stored escalation level: monotonic
// non-decreasing while the item stays overdue and unacknowledged,
// 0 after an acknowledging action.
func Advance(stored int, it tracker.Item, now time.Time) int {
	if Acknowledged(it, now) {
		return 0
	}
	lvl := LevelFor(it, now)
	if lvl < stored {
		return stored
	}
	return lvl
}

// Prompt is the operator-facing escalation text for a ladder position.
func Prompt(level int) string {
	switch {
	case level >= MaxLevel:
		return "7+ days overdue - removing from active list unless you respond"
	case level == 4:
		return "5 days overdue - should I delegate or kill it?"
	case level == IndividualAlertLevel:
		return "3 days overdue"
	default:
		return ""
	}
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func daysBetween(from, to time.Time) int {
	h := to.Sub(from).Hours()
	if h >= 0 {
		return int(h/24 + 0.5)
	}
	return -int(-h/24 + 0.5)
}
