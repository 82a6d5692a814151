// Package engine orchestrates the notification decision loop: it pulls
// item snapshots, diffs them against recorded baselines, advances the
// overdue escalation ladder, gates candidate events through the filter
// rules, consolidates bulk escalations, and hands accepted decisions to
// the dispatcher.
//
// Two entry points feed it: RunPass (periodic, single-flight) and
// HandleWebhook (push). Both write through the same per-item state
// transaction, so they never race on one item's record.
package engine
