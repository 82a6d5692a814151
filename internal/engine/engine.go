package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskping/internal/config"
	"taskping/internal/diag"
	"taskping/internal/dispatch"
	"taskping/internal/engine/escalation"
	"taskping/internal/engine/event"
	"taskping/internal/engine/filter"
	"taskping/internal/engine/state"
	"taskping/internal/eventbus"
	"taskping/internal/tracker"
	logx "taskping/pkg/logx"
)

// Engine-level drop reasons, beyond the filter's own.
const (
	reasonBriefingOnly = "briefing_only"
	reasonNotOwned     = "not_owned"
	reasonUnknownItem  = "unknown_item"
	reasonSnoozed      = "snoozed"
)

// Dispatcher is the outbound boundary the engine enqueues into.
type Dispatcher interface {
	Enqueue(ctx context.Context, d dispatch.Delivery) error
}

type Config struct {
	Self     string
	Aliases  []string
	Timezone *time.Location
}

type Engine struct {
	log  logx.Logger
	bus  eventbus.Bus
	self string

	detector *event.Detector
	parser   *event.Parser

	store      *state.Store
	src        tracker.Source
	dispatcher Dispatcher
	loader     *config.RulesLoader
	rec        *diag.Recorder

	rules atomic.Pointer[config.Rules]

	loc      *time.Location
	passBusy atomic.Bool

	now func() time.Time // test hook
}

func New(cfg Config, src tracker.Source, store *state.Store, dispatcher Dispatcher,
	loader *config.RulesLoader, rec *diag.Recorder, bus eventbus.Bus, log logx.Logger) *Engine {

	if log.IsZero() {
		log = logx.Nop()
	}
	loc := cfg.Timezone
	if loc == nil {
		loc = time.Local
	}
	e := &Engine{
		log:        log,
		bus:        bus,
		self:       cfg.Self,
		detector:   event.NewDetector(cfg.Self),
		parser:     event.NewParser(cfg.Self, cfg.Aliases),
		store:      store,
		src:        src,
		dispatcher: dispatcher,
		loader:     loader,
		rec:        rec,
		loc:        loc,
		now:        time.Now,
	}
	e.rules.Store(loader.Load())
	return e
}

// Rules returns the current rules snapshot.
func (e *Engine) Rules() *config.Rules { return e.rules.Load() }

// ReloadRules re-reads the rules file and publishes the new snapshot.
// Reload is always explicit; the file watcher only hints.
func (e *Engine) ReloadRules() *config.Rules {
	r := e.loader.Load()
	e.rules.Store(r)
	return r
}

// accepted is one filter-approved event awaiting enqueue.
type accepted struct {
	item  tracker.Item
	ev    event.Event
	level int
}

// RunPass executes one full detection cycle. A pass already in flight
// makes this call a no-op; the next tick catches up.
func (e *Engine) RunPass(ctx context.Context) error {
	if !e.passBusy.CompareAndSwap(false, true) {
		e.log.Debug("pass skipped, previous still running")
		return nil
	}
	defer e.passBusy.Store(false)

	started := e.now()
	now := started.In(e.loc)
	today := dateOnly(now)

	items, err := e.src.OpenItems(ctx)
	if err != nil {
		return fmt.Errorf("engine: list open items: %w", err)
	}

	rules := e.rules.Load()

	var singles []accepted
	var overdueCands []escalation.Candidate

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		itemAccepted, cand, merr := e.passItem(ctx, it, rules, now, today)
		if merr != nil {
			// One broken item must not abort the pass.
			e.log.Warn("item skipped during pass", logx.String("item", it.ID), logx.Err(merr))
			continue
		}
		singles = append(singles, itemAccepted...)
		if cand != nil {
			overdueCands = append(overdueCands, *cand)
		}
	}

	e.pruneClosed(ctx, items)

	groups, loneOverdue := escalation.Consolidate(overdueCands, today)
	for _, c := range loneOverdue {
		singles = append(singles, accepted{item: c.Item, ev: c.Event, level: c.Level})
	}

	sent := 0
	for _, a := range singles {
		if e.enqueueSingle(ctx, a, today) {
			sent++
		}
	}
	for _, g := range groups {
		if e.enqueueGroup(ctx, g, overdueCands, today) {
			sent++
		}
	}

	e.log.Info("pass complete",
		logx.Int("items", len(items)),
		logx.Int("enqueued", sent),
		logx.Int("groups", len(groups)),
		logx.Duration("took", e.now().Sub(started)))
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypePassDone, Data: len(items)})
	}
	return nil
}

// passItem runs one item's transaction: diff, ladder, filter. It returns
// the item's accepted non-overdue events plus, at most, one overdue
// escalation candidate.
func (e *Engine) passItem(ctx context.Context, it tracker.Item, rules *config.Rules,
	now, today time.Time) (out []accepted, cand *escalation.Candidate, err error) {

	err = e.store.Mutate(ctx, it.ID, func(rec *state.Record) error {
		base := rec.Baseline()

		// Ladder first: a fresh acknowledgement clears overdue memos before
		// detection, so a re-overdue item later restarts from level 0.
		next := escalation.Advance(rec.EscalationLevel, it, now)
		if next == 0 && (rec.EscalationLevel > 0 || rec.LastOverdueNotified != "") {
			rec.ResetEscalation()
		} else {
			rec.EscalationLevel = next
		}

		if it.Snoozed(now) {
			rec.RefreshBaseline(it)
			return nil
		}

		evs := e.detector.FromDiff(it, base, today)
		for _, ev := range evs {
			dec := filter.ShouldNotify(ev, it, rules, rec)
			if !dec.Accept {
				e.reject(ev, dec.Reason)
				continue
			}
			if ev.Trigger == event.TriggerOverdue {
				if next < escalation.IndividualAlertLevel {
					// Levels 0-2 surface in briefings, never as alerts.
					e.reject(ev, reasonBriefingOnly)
					continue
				}
				cand = &escalation.Candidate{Item: it, Event: ev, Level: next}
				continue
			}
			out = append(out, accepted{item: it, ev: ev, level: next})
		}

		// The baseline refresh moves into the delivery ack when anything was
		// accepted, so a failed send leaves the diff re-detectable.
		if len(out) == 0 && cand == nil {
			rec.RefreshBaseline(it)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, cand, nil
}

func (e *Engine) enqueueSingle(ctx context.Context, a accepted, today time.Time) bool {
	it, ev := a.item, a.ev
	d := dispatch.Delivery{
		ID:     uuid.NewString(),
		Event:  ev,
		Item:   it,
		Exempt: event.ThresholdExempt(ev.Trigger),
		Ack: func(ctx context.Context) error {
			return e.store.Mutate(ctx, it.ID, func(rec *state.Record) error {
				rec.ApplyNotified(it, ev, today)
				return nil
			})
		},
	}
	if err := e.dispatcher.Enqueue(ctx, d); err != nil {
		e.log.Warn("enqueue failed", logx.String("delivery", d.Label()), logx.Err(err))
		return false
	}
	e.accept(ev)
	return true
}

func (e *Engine) enqueueGroup(ctx context.Context, g escalation.Group,
	cands []escalation.Candidate, today time.Time) bool {

	byID := make(map[string]escalation.Candidate, len(cands))
	for _, c := range cands {
		byID[c.Item.ID] = c
	}

	members := g.ItemIDs()
	d := dispatch.Delivery{
		ID:     uuid.NewString(),
		Group:  &g,
		Exempt: true,
		Ack: func(ctx context.Context) error {
			var firstErr error
			for _, id := range members {
				c, ok := byID[id]
				if !ok {
					continue
				}
				err := e.store.Mutate(ctx, id, func(rec *state.Record) error {
					rec.ApplyNotified(c.Item, c.Event, today)
					return nil
				})
				if err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		},
	}
	if err := e.dispatcher.Enqueue(ctx, d); err != nil {
		e.log.Warn("enqueue failed", logx.String("delivery", d.Label()), logx.Err(err))
		return false
	}
	for _, id := range members {
		if c, ok := byID[id]; ok {
			e.accept(c.Event)
		}
	}
	return true
}

// pruneClosed discards state for items no longer in the open snapshot:
// closed and archived items never notify again, so their records are
// dead weight.
func (e *Engine) pruneClosed(ctx context.Context, open []tracker.Item) {
	seen := make(map[string]bool, len(open))
	for _, it := range open {
		seen[it.ID] = true
	}
	for _, id := range e.store.IDs() {
		if seen[id] {
			continue
		}
		if err := e.store.Forget(ctx, id); err != nil {
			e.log.Warn("prune failed", logx.String("item", id), logx.Err(err))
		}
	}
}

// HandleWebhook processes one raw inbound delivery. A nil return means
// the delivery was handled; not every handled delivery notifies.
func (e *Engine) HandleWebhook(ctx context.Context, wd tracker.WebhookDelivery) error {
	ev, ok := e.parser.FromWebhook(wd.Source, wd.EventType, wd.Payload)
	if !ok {
		return nil
	}

	it, found, err := e.src.Item(ctx, ev.ItemID)
	if err != nil {
		return fmt.Errorf("engine: lookup %s: %w", ev.ItemID, err)
	}
	if !found {
		e.reject(ev, reasonUnknownItem)
		return nil
	}

	now := e.now().In(e.loc)
	today := dateOnly(now)

	// The ClickUp comment payload names no assignee; ownership gets
	// confirmed against the item snapshot here instead.
	if ev.Trigger == event.TriggerCommentOnOwned && it.Assignee != e.self {
		e.reject(ev, reasonNotOwned)
		return nil
	}
	if it.Snoozed(now) {
		e.reject(ev, reasonSnoozed)
		return nil
	}

	rules := e.rules.Load()
	var dec filter.Decision
	err = e.store.Mutate(ctx, it.ID, func(rec *state.Record) error {
		dec = filter.ShouldNotify(ev, it, rules, rec)
		return nil
	})
	if err != nil {
		return err
	}
	if !dec.Accept {
		e.reject(ev, dec.Reason)
		return nil
	}

	e.enqueueSingle(ctx, accepted{item: it, ev: ev}, today)
	return nil
}

func (e *Engine) accept(ev event.Event) {
	if e.rec != nil {
		e.rec.Record(diag.Entry{
			Kind:    diag.KindAccepted,
			ItemID:  ev.ItemID,
			Trigger: string(ev.Trigger),
			Reason:  filter.ReasonOK,
		})
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeDecisionAccepted, Data: ev})
	}
}

func (e *Engine) reject(ev event.Event, reason string) {
	e.log.Debug("event rejected",
		logx.String("item", ev.ItemID),
		logx.String("trigger", string(ev.Trigger)),
		logx.String("reason", reason))
	if e.rec != nil {
		e.rec.Record(diag.Entry{
			Kind:    diag.KindRejected,
			ItemID:  ev.ItemID,
			Trigger: string(ev.Trigger),
			Reason:  reason,
		})
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeDecisionRejected, Data: ev})
	}
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
