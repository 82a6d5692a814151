// Package dispatch delivers accepted notification decisions to the
// outbound channel.
//
// Pipeline: bounded queue -> worker pool -> rate limit -> retry with
// backoff. State commits (dedupe keys, trigger memos) happen through
// the delivery's Ack callback, and only after the channel confirmed the
// send: a failed send leaves the event undeduped so the next pass
// re-attempts it.
package dispatch
