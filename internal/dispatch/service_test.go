package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskping/internal/engine/escalation"
	"taskping/internal/engine/event"
	"taskping/internal/tracker"
	logx "taskping/pkg/logx"
)

type fakeSender struct {
	mu       sync.Mutex
	failN    int
	sent     []string
	attempts int
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failN > 0 {
		f.failN--
		return errors.New("boom")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func testDelivery(acked *atomic.Int32) Delivery {
	return Delivery{
		ID:    "d-1",
		Event: event.Event{Trigger: event.TriggerAssigned, ItemID: "x", Fingerprint: "assignee=ivan"},
		Item:  tracker.Item{ID: "x", Title: "task"},
		Ack: func(context.Context) error {
			acked.Add(1)
			return nil
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestAckOnlyAfterConfirmedSend(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	s := New(Config{Workers: 1, RetryMax: 0}, sender, nil, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	var acked atomic.Int32
	if err := s.Enqueue(context.Background(), testDelivery(&acked)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool { return acked.Load() == 1 })
	if sender.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", sender.sentCount())
	}
}

func TestNoAckOnFailure(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{failN: 100}
	s := New(Config{Workers: 1, RetryMax: 1, RetryBase: time.Millisecond}, sender, nil, logx.Nop(), nil)
	s.Start(context.Background())

	var acked atomic.Int32
	if err := s.Enqueue(context.Background(), testDelivery(&acked)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	s.Stop(context.Background())

	if acked.Load() != 0 {
		t.Fatal("failed delivery must not ack")
	}
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{failN: 2}
	s := New(Config{Workers: 1, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		sender, nil, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	var acked atomic.Int32
	if err := s.Enqueue(context.Background(), testDelivery(&acked)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool { return acked.Load() == 1 })
	if got := sender.attemptCount(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, &fakeSender{}, nil, logx.Nop(), nil)
	s.Start(context.Background())
	s.Stop(context.Background())

	var acked atomic.Int32
	if err := s.Enqueue(context.Background(), testDelivery(&acked)); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestQuietHoursSuppressesWithoutAck(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	s := New(Config{
		Workers: 1,
		Quiet:   QuietHours{Enabled: true, StartHHMM: "00:00", EndHHMM: "23:59"},
	}, sender, nil, logx.Nop(), nil)
	s.now = func() time.Time { return time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC) }
	s.Start(context.Background())

	var acked atomic.Int32
	d := testDelivery(&acked)
	if err := s.Enqueue(context.Background(), d); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Exempt deliveries pass through the window.
	var ackedExempt atomic.Int32
	de := testDelivery(&ackedExempt)
	de.Exempt = true
	if err := s.Enqueue(context.Background(), de); err != nil {
		t.Fatalf("Enqueue exempt: %v", err)
	}
	s.Stop(context.Background())

	if acked.Load() != 0 {
		t.Fatal("suppressed delivery must not ack")
	}
	if ackedExempt.Load() != 1 {
		t.Fatal("exempt delivery must deliver during quiet hours")
	}
	if sender.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", sender.sentCount())
	}
}

func TestQuietHoursWindow(t *testing.T) {
	t.Parallel()
	at := func(h, m int) time.Time { return time.Date(2026, 8, 26, h, m, 0, 0, time.UTC) }

	overnight := QuietHours{Enabled: true, StartHHMM: "22:00", EndHHMM: "07:00"}
	cases := []struct {
		h, m int
		want bool
	}{
		{23, 0, true},
		{2, 30, true},
		{6, 59, true},
		{7, 0, false},
		{12, 0, false},
		{21, 59, false},
	}
	for _, tc := range cases {
		if got := overnight.within(at(tc.h, tc.m)); got != tc.want {
			t.Fatalf("within(%02d:%02d) = %v, want %v", tc.h, tc.m, got, tc.want)
		}
	}

	disabled := QuietHours{StartHHMM: "22:00", EndHHMM: "07:00"}
	if disabled.within(at(23, 0)) {
		t.Fatal("disabled window must never match")
	}
	malformed := QuietHours{Enabled: true, StartHHMM: "25:00", EndHHMM: "07:00"}
	if malformed.within(at(23, 0)) {
		t.Fatal("malformed window must never match")
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
}

func TestCompositeRendering(t *testing.T) {
	t.Parallel()
	r := PlainRenderer{}
	d := Delivery{
		Group: &escalation.Group{
			Level:  4,
			Day:    "2026-08-26",
			Prompt: escalation.Prompt(4),
			Items: []tracker.Item{
				{ID: "clickup:1", Title: "ship it", URL: "https://app.clickup.com/t/1"},
				{ID: "clickup:2", Title: "review"},
				{ID: "clickup:3", Title: "deploy"},
			},
		},
	}
	text := r.Render(d)
	if !strings.Contains(text, "3 items at escalation level 4") {
		t.Fatalf("render = %q", text)
	}
	if !strings.Contains(text, escalation.Prompt(4)) {
		t.Fatal("prompt missing from composite render")
	}
	if !strings.Contains(text, "ship it") || !strings.Contains(text, "deploy") {
		t.Fatal("member items missing from composite render")
	}
}
