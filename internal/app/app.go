// Package app is the composition root: it wires config, logging,
// storage, the engine, the dispatcher and the intake surfaces, and owns
// their start/stop order.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"taskping/internal/config"
	"taskping/internal/diag"
	"taskping/internal/dispatch"
	"taskping/internal/engine"
	"taskping/internal/engine/state"
	"taskping/internal/eventbus"
	"taskping/internal/intake"
	"taskping/internal/storage"
	"taskping/internal/tracker"
	logx "taskping/pkg/logx"
)

type App struct {
	cfg config.Config
	log logx.Logger
	bus eventbus.Bus

	backend storage.Backend
	store   *state.Store
	rec     *diag.Recorder

	eng        *engine.Engine
	dispatcher *dispatch.Service
	httpSrv    *intake.Server
	kafka      *intake.KafkaConsumer
	watcher    *config.RulesWatcher

	cron   *cron.Cron
	cancel context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
		},
	})
	appLog := log.With(logx.String("comp", "app"))

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Engine.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("engine.timezone: invalid %q: %w", tz, err)
		}
	}

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	backend, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if backend != nil {
		appLog.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	store, err := state.NewStore(context.Background(), backend, log.With(logx.String("comp", "state")))
	if err != nil {
		return nil, err
	}

	rec := diag.NewRecorder(256, log.With(logx.String("comp", "diag")))

	sender, err := buildSender(cfg, log)
	if err != nil {
		return nil, err
	}

	retryBase, err := config.ParseDurationOrDefault("dispatch.retry_base", cfg.Dispatch.RetryBase, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("dispatch.retry_max_delay", cfg.Dispatch.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return nil, err
	}
	dispatcher := dispatch.New(dispatch.Config{
		Workers:       cfg.Dispatch.Workers,
		QueueSize:     cfg.Dispatch.QueueSize,
		RatePerSec:    cfg.Dispatch.RatePerSec,
		RetryMax:      cfg.Dispatch.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		Quiet: dispatch.QuietHours{
			Enabled:   cfg.Dispatch.QuietHours.Enabled,
			StartHHMM: cfg.Dispatch.QuietHours.Start,
			EndHHMM:   cfg.Dispatch.QuietHours.End,
		},
	}, sender, nil, log.With(logx.String("comp", "dispatch")), bus)

	src := tracker.NewFileSource(cfg.Tracker.SnapshotPath, loc)
	loader := config.NewRulesLoader(cfg.Engine.RulesPath, log.With(logx.String("comp", "rules")))

	eng := engine.New(engine.Config{
		Self:     cfg.User.Name,
		Aliases:  cfg.User.MentionAliases,
		Timezone: loc,
	}, src, store, dispatcher, loader, rec, bus, log.With(logx.String("comp", "engine")))

	a := &App{
		cfg:        cfg,
		log:        appLog,
		bus:        bus,
		backend:    backend,
		store:      store,
		rec:        rec,
		eng:        eng,
		dispatcher: dispatcher,
	}

	if cfg.HTTP.Enabled {
		a.httpSrv = intake.NewServer(intake.HTTPConfig{
			Addr:          cfg.HTTP.Addr,
			GitHubSecret:  cfg.HTTP.GitHubSecret,
			ClickUpSecret: cfg.HTTP.ClickUpSecret,
		}, eng, rec, log.With(logx.String("comp", "http")))
	}
	if cfg.Kafka.Enabled {
		a.kafka = intake.NewKafkaConsumer(intake.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, eng, log.With(logx.String("comp", "kafka")))
	}
	a.watcher = config.NewRulesWatcher(cfg.Engine.RulesPath, log.With(logx.String("comp", "rules")), bus)

	return a, nil
}

func buildSender(cfg config.Config, log logx.Logger) (dispatch.Sender, error) {
	switch cfg.Dispatch.Channel {
	case "log":
		return dispatch.LogSender{Log: log.With(logx.String("comp", "sender"))}, nil
	case "telegram", "":
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return dispatch.NewTelegramSender(dispatch.TelegramConfig{
			Token:       cfg.Telegram.Token,
			ChatID:      cfg.Telegram.ChatID,
			ThreadID:    cfg.Telegram.ThreadID,
			PollTimeout: pollTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown dispatch.channel %q", cfg.Dispatch.Channel)
	}
}

// Engine exposes the engine for operational surfaces (and tests).
func (a *App) Engine() *engine.Engine { return a.eng }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.dispatcher.Start(runCtx)
	a.rec.Follow(runCtx, a.bus)

	if a.watcher != nil {
		if err := a.watcher.Start(runCtx); err != nil {
			a.log.Warn("rules watcher unavailable", logx.Err(err))
			a.watcher = nil
		}
	}

	if a.httpSrv != nil {
		go func() {
			if err := a.httpSrv.Start(); err != nil {
				a.log.Error("http intake stopped", logx.Err(err))
			}
		}()
	}
	if a.kafka != nil {
		go a.kafka.Run(runCtx)
	}

	interval, err := config.ParseDurationOrDefault("engine.pass_interval", a.cfg.Engine.PassInterval, 15*time.Minute)
	if err != nil {
		cancel()
		return err
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	a.cron = cron.New(cron.WithParser(parser))
	_, err = a.cron.AddFunc("@every "+interval.String(), func() {
		if err := a.eng.RunPass(runCtx); err != nil {
			a.log.Error("pass failed", logx.Err(err))
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("schedule pass: %w", err)
	}
	a.cron.Start()

	// First pass right away; the schedule handles the rest.
	go func() {
		if err := a.eng.RunPass(runCtx); err != nil {
			a.log.Error("initial pass failed", logx.Err(err))
		}
	}()

	a.log.Info("started",
		logx.String("pass_interval", interval.String()),
		logx.String("channel", a.cfg.Dispatch.Channel))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.cron != nil {
		stopCtx := a.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	if a.httpSrv != nil {
		_ = a.httpSrv.Shutdown(ctx)
	}
	if a.kafka != nil {
		_ = a.kafka.Close()
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}

	a.dispatcher.Stop(ctx)

	if a.cancel != nil {
		a.cancel()
	}
	a.rec.Close()

	if a.backend != nil {
		_ = a.backend.Close()
	}
	a.log.Info("stopped")
	return nil
}
