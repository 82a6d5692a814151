package event

// Trigger is the closed set of change categories that can notify.
type Trigger string

const (
	TriggerDeadlineWarning Trigger = "deadline_warning"
	TriggerOverdue         Trigger = "overdue"
	TriggerAssigned        Trigger = "assigned"
	TriggerStatusCritical  Trigger = "status_critical"
	TriggerMentioned       Trigger = "mentioned"
	TriggerCommentOnOwned  Trigger = "comment_on_owned"
	TriggerBlockerResolved Trigger = "blocker_resolved"
)

// Triggers lists every valid trigger, in a stable order.
func Triggers() []Trigger {
	return []Trigger{
		TriggerDeadlineWarning,
		TriggerOverdue,
		TriggerAssigned,
		TriggerStatusCritical,
		TriggerMentioned,
		TriggerCommentOnOwned,
		TriggerBlockerResolved,
	}
}

// ThresholdExempt reports whether a trigger bypasses score filtering.
// Deadline and overdue alerts are time-critical: a low score must not
// silence them.
func ThresholdExempt(t Trigger) bool {
	return t == TriggerDeadlineWarning || t == TriggerOverdue
}

// Event is one detected occurrence of a notifiable change.
type Event struct {
	Trigger     Trigger
	ItemID      string
	Fingerprint string
	Context     map[string]string
}

// DedupeKey is the idempotency key recorded after confirmed delivery.
func (e Event) DedupeKey() string {
	return string(e.Trigger) + ":" + e.ItemID + ":" + e.Fingerprint
}

// Deadline memo fingerprints stored in notification state.
const (
	Deadline24h = "24h"
	Deadline2h  = "2h"
)

// Baseline is the slice of notification state the diff detector reads.
// The state package produces it from the persisted record.
type Baseline struct {
	PrevStatus    string
	PrevAssignee  string
	PrevBlockedBy []string

	LastDeadlineNotified string // "", Deadline24h or Deadline2h
	LastOverdueNotified  string // ISO date of last overdue alert, "" if never
}
