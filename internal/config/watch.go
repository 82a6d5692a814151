package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"taskping/internal/eventbus"
	logx "taskping/pkg/logx"
)

// RulesWatcher watches the rules file and surfaces on-disk changes as a
// log line and a bus event. It deliberately never applies the change:
// rules reload stays an explicit operator action, so a half-written file
// or an accidental edit cannot silently change notification behavior.
type RulesWatcher struct {
	path string
	log  logx.Logger
	bus  eventbus.Bus

	w      *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRulesWatcher(path string, log logx.Logger, bus eventbus.Bus) *RulesWatcher {
	return &RulesWatcher{path: path, log: log, bus: bus}
}

// Start begins watching. Watching the parent directory instead of the
// file itself survives editors that replace the file on save.
func (rw *RulesWatcher) Start(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(rw.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return err
	}

	rw.w = w
	wctx, cancel := context.WithCancel(ctx)
	rw.cancel = cancel
	rw.done = make(chan struct{})

	go rw.loop(wctx)
	return nil
}

func (rw *RulesWatcher) Stop() {
	if rw.cancel == nil {
		return
	}
	rw.cancel()
	<-rw.done
	_ = rw.w.Close()
	rw.cancel = nil
}

func (rw *RulesWatcher) loop(ctx context.Context) {
	defer close(rw.done)

	// Debounce: editors emit bursts of events per save.
	var pending *time.Timer
	pendingC := make(chan time.Time, 1)

	want := filepath.Clean(rw.path)
	for {
		select {
		case <-ctx.Done():
			if pending != nil {
				pending.Stop()
			}
			return
		case ev, ok := <-rw.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != want {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case pendingC <- time.Now():
				default:
				}
			})
		case <-pendingC:
			rw.log.Info("rules file changed on disk; reload is explicit, POST /api/v0/rules/reload to apply",
				logx.String("path", rw.path))
			if rw.bus != nil {
				rw.bus.Publish(eventbus.Event{Type: eventbus.TypeRulesChangedDisk, Data: rw.path})
			}
		case err, ok := <-rw.w.Errors:
			if !ok {
				return
			}
			rw.log.Warn("rules watcher error", logx.Err(err))
		}
	}
}
