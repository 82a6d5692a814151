// Package event turns item state changes into typed notification events.
//
// Two entry points produce events:
//   - Detector.FromDiff compares a fresh item snapshot against the
//     previously recorded baseline (periodic pass).
//   - Parser.FromWebhook maps raw provider webhook payloads to events
//     (asynchronous path).
//
// Events are ephemeral; only their dedupe keys are ever persisted.
package event
