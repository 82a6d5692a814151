package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskping/internal/eventbus"
	logx "taskping/pkg/logx"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatcher stopped")
)

type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	Quiet QuietHours
}

// QuietHours suppresses non-exempt deliveries inside the window.
// Suppressed deliveries are NOT acked, so they re-attempt on the next
// cycle outside the window.
type QuietHours struct {
	Enabled    bool
	StartHHMM  string
	EndHHMM    string
}

// within reports whether now falls inside the window. Overnight windows
// (start > end, e.g. 22:00-07:00) wrap midnight.
func (q QuietHours) within(now time.Time) bool {
	if !q.Enabled {
		return false
	}
	start, okS := parseHHMM(q.StartHHMM)
	end, okE := parseHHMM(q.EndHHMM)
	if !okS || !okE || start == end {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	if start > end {
		return cur >= start || cur < end
	}
	return cur >= start && cur < end
}

func parseHHMM(s string) (minutes int, ok bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// Service is the async delivery pipeline. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	sender   Sender
	renderer Renderer
	bus      eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Delivery
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	now func() time.Time // test hook
}

func New(cfg Config, sender Sender, renderer Renderer, log logx.Logger, bus eventbus.Bus) *Service {
	if renderer == nil {
		renderer = PlainRenderer{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender:   sender,
		renderer: renderer,
		log:      log,
		bus:      bus,
		now:      time.Now,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan Delivery, s.cfg.QueueSize)
	s.accepting = true
	s.stopDone = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		s.workerWG.Add(1)
		go func(idx int) {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in dispatch worker",
						logx.Int("worker", idx),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.workerLoop()
		}(i)
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	done := s.stopDone
	cancel := s.runCancel
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	// Wait for in-flight enqueues, then close the queue so workers drain.
	ch := make(chan struct{})
	go func() {
		s.sendWG.Wait()
		close(ch)
	}()
	select {
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		return
	case <-ch:
	}

	func() {
		defer func() { _ = recover() }()
		close(q)
	}()

	go func() {
		s.workerWG.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	s.queue = nil
	s.stopDone = nil
	s.runCancel = nil
	s.runCtx = nil
	s.mu.Unlock()
}

// Enqueue hands a delivery to the pipeline. It never blocks; a full
// queue rejects the delivery, which stays un-acked and re-attempts on
// the next cycle.
func (s *Service) Enqueue(ctx context.Context, d Delivery) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- d:
		s.publish(eventbus.TypeDispatchQueued, d, nil)
		return nil
	default:
		s.publish(eventbus.TypeDispatchDropped, d, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) workerLoop() {
	s.mu.Lock()
	q := s.queue
	runCtx := s.runCtx
	s.mu.Unlock()

	for d := range q {
		if runCtx != nil {
			select {
			case <-runCtx.Done():
				return
			default:
			}
		}
		s.deliver(runCtx, d)
	}
}

func (s *Service) deliver(runCtx context.Context, d Delivery) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	if s.sender == nil {
		return
	}

	// Quiet hours: drop without ack. Time-critical deliveries are exempt.
	if !d.Exempt && cfg.Quiet.within(s.now()) {
		s.log.Debug("delivery suppressed by quiet hours", logx.String("delivery", d.Label()))
		s.publish(eventbus.TypeDispatchQuiet, d, nil)
		return
	}

	text := s.renderer.Render(d)
	if text == "" {
		return
	}

	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			wctx := runCtx
			if wctx == nil {
				wctx = context.Background()
			}
			if err := lim.Wait(wctx); err != nil {
				return
			}
		}

		callCtx := runCtx
		if callCtx == nil {
			callCtx = context.Background()
		}
		callCtx, cancel := context.WithTimeout(callCtx, 10*time.Second)
		err := s.sender.Send(callCtx, text)
		cancel()
		if err == nil {
			s.commit(runCtx, d)
			return
		}
		lastErr = err
		s.log.Debug("dispatch send failed",
			logx.String("delivery", d.Label()),
			logx.Int("attempt", attempt),
			logx.Err(err))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		rc := runCtx
		if rc == nil {
			rc = context.Background()
		}
		select {
		case <-t.C:
		case <-rc.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	s.log.Warn("dispatch gave up",
		logx.String("delivery", d.Label()),
		logx.Int("attempts", maxAttempts),
		logx.Err(lastErr))
	s.publish(eventbus.TypeDispatchFailed, d, lastErr)
}

// commit acknowledges the delivery: the state mutation (dedupe key,
// memos) happens here and nowhere earlier.
func (s *Service) commit(runCtx context.Context, d Delivery) {
	ctx := runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if d.Ack != nil {
		if err := d.Ack(ctx); err != nil {
			// Delivery succeeded but the commit did not; the worst case
			// is one duplicate next cycle, which beats losing the alert.
			s.log.Error("post-delivery state commit failed",
				logx.String("delivery", d.Label()), logx.Err(err))
		}
	}
	s.publish(eventbus.TypeDispatchSent, d, nil)
}

func (s *Service) publish(typ string, d Delivery, err error) {
	if s.bus == nil {
		return
	}
	o := Outcome{
		DeliveryID: d.ID,
		Label:      d.Label(),
		At:         s.now(),
	}
	if !d.Composite() {
		o.ItemID = d.Item.ID
		o.Trigger = string(d.Event.Trigger)
	}
	if err != nil {
		o.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: o.At, Data: o})
}

func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	// Exponential backoff: base * 2^(attempt-1), jitter 0.7..1.3.
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
