// Package filter is the decision gate between detected events and the
// dispatcher.
package filter

import (
	"taskping/internal/config"
	"taskping/internal/engine/event"
	"taskping/internal/engine/state"
	"taskping/internal/tracker"
)

// Rejection reasons, surfaced through diagnostics.
const (
	ReasonModeOff         = "mode_off"
	ReasonTriggerDisabled = "trigger_disabled"
	ReasonBelowThreshold  = "below_threshold"
	ReasonDuplicate       = "duplicate"
	ReasonOK              = "ok"
)

// Decision is the filter verdict for one candidate event.
type Decision struct {
	Accept bool
	Reason string
}

func accept() Decision         { return Decision{Accept: true, Reason: ReasonOK} }
func reject(r string) Decision { return Decision{Reason: r} }

// ShouldNotify applies the gate checks in a fixed, cheap-to-expensive
// order. The order is part of the contract: diagnostics and tests rely
// on a deterministic first-failing reason.
func ShouldNotify(ev event.Event, it tracker.Item, rules *config.Rules, rec *state.Record) Decision {
	if rules == nil || rules.Mode == config.ModeOff {
		return reject(ReasonModeOff)
	}
	if !rules.TriggerEnabled(ev.Trigger) {
		return reject(ReasonTriggerDisabled)
	}
	if !event.ThresholdExempt(ev.Trigger) && it.Score < rules.Threshold {
		return reject(ReasonBelowThreshold)
	}
	if rec != nil && rec.HasDedupe(ev.DedupeKey()) {
		return reject(ReasonDuplicate)
	}
	return accept()
}
