package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"taskping/internal/config"
	"taskping/internal/dispatch"
	"taskping/internal/engine/event"
	"taskping/internal/engine/state"
	"taskping/internal/tracker"
	logx "taskping/pkg/logx"
)

type fakeSource struct {
	mu    sync.Mutex
	items []tracker.Item
}

func (f *fakeSource) set(items ...tracker.Item) {
	f.mu.Lock()
	f.items = items
	f.mu.Unlock()
}

func (f *fakeSource) OpenItems(context.Context) ([]tracker.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tracker.Item(nil), f.items...), nil
}

func (f *fakeSource) Item(_ context.Context, id string) (tracker.Item, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.ID == id {
			return it, true, nil
		}
	}
	return tracker.Item{}, false, nil
}

// fakeDispatcher records deliveries; acking is the test's choice, which
// stands in for confirmed vs failed sends.
type fakeDispatcher struct {
	mu         sync.Mutex
	deliveries []dispatch.Delivery
}

func (f *fakeDispatcher) Enqueue(_ context.Context, d dispatch.Delivery) error {
	f.mu.Lock()
	f.deliveries = append(f.deliveries, d)
	f.mu.Unlock()
	return nil
}

func (f *fakeDispatcher) take() []dispatch.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.deliveries
	f.deliveries = nil
	return out
}

func (f *fakeDispatcher) ackAll(t *testing.T) []dispatch.Delivery {
	t.Helper()
	out := f.take()
	for _, d := range out {
		if err := d.Ack(context.Background()); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	return out
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func dayPtr(s string) *time.Time {
	d := day(s)
	return &d
}

type fixture struct {
	eng  *Engine
	src  *fakeSource
	disp *fakeDispatcher
	now  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	src := &fakeSource{}
	disp := &fakeDispatcher{}
	store, err := state.NewStore(context.Background(), nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	loader := config.NewRulesLoader(filepath.Join(t.TempDir(), "absent.yaml"), logx.Nop())

	eng := New(Config{Self: "ivan", Aliases: []string{"@ivanivanka"}, Timezone: time.UTC},
		src, store, disp, loader, nil, nil, logx.Nop())

	fx := &fixture{eng: eng, src: src, disp: disp, now: day("2026-08-26").Add(10 * time.Hour)}
	eng.now = func() time.Time { return fx.now }
	return fx
}

func (fx *fixture) runPass(t *testing.T) {
	t.Helper()
	if err := fx.eng.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
}

func (fx *fixture) nextDay() {
	fx.now = fx.now.Add(24 * time.Hour)
}

func TestPassIdempotentAfterAck(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.src.set(tracker.Item{ID: "clickup:1", Assignee: "ivan", Score: 900, Status: "in_progress"})

	fx.runPass(t)
	got := fx.disp.ackAll(t)
	if len(got) != 1 || got[0].Event.Trigger != "assigned" {
		t.Fatalf("deliveries = %v", got)
	}

	// Same snapshot, same day: nothing new.
	fx.runPass(t)
	if again := fx.disp.take(); len(again) != 0 {
		t.Fatalf("second pass re-delivered: %v", again)
	}
}

func TestFailedDeliveryRetriesNextPass(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.src.set(tracker.Item{ID: "clickup:1", Assignee: "ivan", Score: 900, Status: "in_progress"})

	fx.runPass(t)
	// No ack: the send failed downstream.
	if got := fx.disp.take(); len(got) != 1 {
		t.Fatalf("deliveries = %v", got)
	}

	// The un-acked event is re-detected and re-enqueued.
	fx.runPass(t)
	got := fx.disp.ackAll(t)
	if len(got) != 1 || got[0].Event.Trigger != "assigned" {
		t.Fatalf("retry pass deliveries = %v", got)
	}

	fx.runPass(t)
	if again := fx.disp.take(); len(again) != 0 {
		t.Fatalf("delivered again after ack: %v", again)
	}
}

func TestOverdueBelowAlertLevelStaysQuiet(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	// 1 day overdue: ladder level 1, briefing surface only.
	fx.src.set(tracker.Item{ID: "clickup:1", Score: 10, Status: "in_progress", DueDate: dayPtr("2026-08-25")})

	fx.runPass(t)
	if got := fx.disp.take(); len(got) != 0 {
		t.Fatalf("level-1 overdue produced deliveries: %v", got)
	}
}

func TestOverdueAlertFromLevelThree(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	// 3 days overdue, low score: threshold-exempt individual alert.
	fx.src.set(tracker.Item{ID: "clickup:1", Score: 10, Status: "in_progress", DueDate: dayPtr("2026-08-23")})

	fx.runPass(t)
	got := fx.disp.ackAll(t)
	if len(got) != 1 || got[0].Event.Trigger != "overdue" {
		t.Fatalf("deliveries = %v", got)
	}
	if !got[0].Exempt {
		t.Fatal("overdue delivery must be quiet-hours exempt")
	}

	// Once per calendar day.
	fx.runPass(t)
	if again := fx.disp.take(); len(again) != 0 {
		t.Fatalf("same-day overdue re-delivered: %v", again)
	}

	// Next day fires again.
	fx.nextDay()
	fx.runPass(t)
	if next := fx.disp.ackAll(t); len(next) != 1 {
		t.Fatalf("next-day overdue deliveries = %v", next)
	}
}

func TestOverdueConsolidation(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.src.set(
		tracker.Item{ID: "clickup:1", Score: 900, Status: "in_progress", DueDate: dayPtr("2026-08-23")},
		tracker.Item{ID: "clickup:2", Score: 900, Status: "in_progress", DueDate: dayPtr("2026-08-23")},
		tracker.Item{ID: "clickup:3", Score: 900, Status: "in_progress", DueDate: dayPtr("2026-08-23")},
	)

	fx.runPass(t)
	got := fx.disp.ackAll(t)
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1 composite", len(got))
	}
	g := got[0].Group
	if g == nil || g.Level != 3 || len(g.Items) != 3 {
		t.Fatalf("group = %+v", g)
	}

	// Composite ack dedupes every member.
	fx.runPass(t)
	if again := fx.disp.take(); len(again) != 0 {
		t.Fatalf("members re-delivered after composite ack: %v", again)
	}
}

func TestEscalationResetOnDone(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	overdue := tracker.Item{ID: "clickup:1", Score: 900, Status: "in_progress", DueDate: dayPtr("2026-08-21")}
	fx.src.set(overdue)

	fx.runPass(t)
	fx.disp.ackAll(t)

	// Completion resets the ladder and clears overdue dedupe keys.
	done := overdue
	done.Status = "done"
	fx.src.set(done)
	fx.runPass(t)
	fx.disp.take()

	rec, ok := fx.eng.store.Get("clickup:1")
	if !ok {
		t.Fatal("state missing")
	}
	if rec.EscalationLevel != 0 || rec.LastOverdueNotified != "" {
		t.Fatalf("record = %+v", rec)
	}
	for _, k := range rec.DedupeKeys {
		if len(k) >= 8 && k[:8] == "overdue:" {
			t.Fatalf("overdue dedupe key survived reset: %s", k)
		}
	}
}

func TestSnoozedItemStaysQuiet(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.src.set(tracker.Item{
		ID: "clickup:1", Score: 900, Status: "in_progress",
		DueDate:     dayPtr("2026-08-20"),
		SnoozeUntil: dayPtr("2026-08-30"),
	})

	fx.runPass(t)
	if got := fx.disp.take(); len(got) != 0 {
		t.Fatalf("snoozed item delivered: %v", got)
	}
}

func TestWebhookMention(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.src.set(tracker.Item{ID: "github:17", Assignee: "bob", Score: 900, Status: "in_progress"})

	payload := []byte(`{
		"action": "created",
		"comment": {"id": 42, "body": "hey @ivanivanka", "user": {"login": "bob"}},
		"issue": {"number": 17}
	}`)
	err := fx.eng.HandleWebhook(context.Background(), tracker.WebhookDelivery{
		Source: "github", EventType: "issue_comment", Payload: payload,
	})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	got := fx.disp.ackAll(t)
	if len(got) != 1 || got[0].Event.Trigger != "mentioned" {
		t.Fatalf("deliveries = %v", got)
	}

	// Provider redelivery of the same comment is a duplicate.
	err = fx.eng.HandleWebhook(context.Background(), tracker.WebhookDelivery{
		Source: "github", EventType: "issue_comment", Payload: payload,
	})
	if err != nil {
		t.Fatalf("HandleWebhook(redelivery): %v", err)
	}
	if again := fx.disp.take(); len(again) != 0 {
		t.Fatalf("redelivered duplicate: %v", again)
	}
}

func TestWebhookUnknownItemDropped(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	payload := []byte(`{
		"action": "created",
		"comment": {"id": 42, "body": "hey @ivanivanka", "user": {"login": "bob"}},
		"issue": {"number": 99}
	}`)
	err := fx.eng.HandleWebhook(context.Background(), tracker.WebhookDelivery{
		Source: "github", EventType: "issue_comment", Payload: payload,
	})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if got := fx.disp.take(); len(got) != 0 {
		t.Fatalf("unknown item delivered: %v", got)
	}
}

func TestWebhookClickUpOwnershipCheck(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.src.set(
		tracker.Item{ID: "clickup:mine", Assignee: "ivan", Score: 900, Status: "in_progress"},
		tracker.Item{ID: "clickup:theirs", Assignee: "bob", Score: 900, Status: "in_progress"},
	)

	// comment_on_owned defaults off; publish a snapshot with it on.
	r := config.DefaultRules()
	r.Triggers[event.TriggerCommentOnOwned] = true
	fx.eng.rules.Store(r)

	comment := func(task string) []byte {
		return []byte(`{
			"task_id": "` + task + `",
			"history_items": [{"comment": {"id": "c-` + task + `", "text_content": "done", "user": {"username": "bob"}}}]
		}`)
	}

	err := fx.eng.HandleWebhook(context.Background(), tracker.WebhookDelivery{
		Source: "clickup", EventType: "taskCommentPosted", Payload: comment("mine"),
	})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if got := fx.disp.ackAll(t); len(got) != 1 || got[0].Event.Trigger != "comment_on_owned" {
		t.Fatalf("deliveries = %v", got)
	}

	err = fx.eng.HandleWebhook(context.Background(), tracker.WebhookDelivery{
		Source: "clickup", EventType: "taskCommentPosted", Payload: comment("theirs"),
	})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if got := fx.disp.take(); len(got) != 0 {
		t.Fatalf("someone else's task delivered: %v", got)
	}
}

func TestClosedItemsArePruned(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.src.set(tracker.Item{ID: "clickup:1", Assignee: "ivan", Score: 900, Status: "in_progress"})

	fx.runPass(t)
	fx.disp.ackAll(t)
	if _, ok := fx.eng.store.Get("clickup:1"); !ok {
		t.Fatal("state missing after pass")
	}

	// Item archived upstream: gone from the snapshot, state discarded.
	fx.src.set()
	fx.runPass(t)
	if _, ok := fx.eng.store.Get("clickup:1"); ok {
		t.Fatal("state for archived item survived")
	}
}

func TestReloadRulesIsExplicit(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	before := fx.eng.Rules()
	after := fx.eng.ReloadRules()
	if before == after {
		t.Fatal("reload must produce a new snapshot")
	}
	if fx.eng.Rules() != after {
		t.Fatal("new snapshot not published")
	}
}
