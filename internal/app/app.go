package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"notibind/internal/binder"
	"notibind/internal/config"
	"notibind/internal/eventbus"
	"notibind/internal/notifier"
	"notibind/internal/permission"
	"notibind/internal/realtime"
	rtsup "notibind/internal/runtime/supervisor"
	"notibind/internal/session"
	"notibind/internal/storage"
	logx "notibind/pkg/logx"
)

// driver is a realtime channel the app owns and shuts down.
type driver interface {
	realtime.Channel
	Active() int
	Shutdown(ctx context.Context) error
}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	rt     driver
	hub    *realtime.Hub
	perm   *permission.Service
	notif  *notifier.Service
	binder *binder.Binder
	source session.Source

	sinkFile *os.File
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	a := &App{cfgm: cfgm, logs: logSvc, log: log, bus: eventbus.New()}

	fail := func(err error) (*App, error) {
		a.closeResources()
		return nil, err
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return fail(err)
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return fail(err)
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	prompter, err := permission.NewPrompter(cfg.Permission.Policy, os.Stdin, os.Stderr)
	if err != nil {
		return fail(err)
	}
	a.perm = permission.NewService(prompter, permission.Options{
		Remember: cfg.Permission.Remember,
		Store:    a.store,
		Bus:      a.bus,
		Log:      log.With(logx.String("comp", "permission")),
	})

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err)
	}
	sink, err := a.openSink(cfg)
	if err != nil {
		return fail(err)
	}
	a.notif = notifier.New(ncfg, notifier.Options{
		Sink:  sink,
		Log:   log.With(logx.String("comp", "notifier")),
		Bus:   a.bus,
		Store: a.store,
		Allow: func() bool { return a.perm.Status() == permission.Granted },
	})

	a.source = newSource(cfg, log.With(logx.String("comp", "session")))
	return a, nil
}

func (a *App) openSink(cfg *config.Config) (notifier.Sink, error) {
	n := config.EffectiveNotifier(cfg)
	if !strings.EqualFold(strings.TrimSpace(n.Sink), "jsonl") {
		return notifier.LogSink{Log: a.log.With(logx.String("comp", "sink"))}, nil
	}
	f, err := os.OpenFile(n.SinkPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("notifier sink: %w", err)
	}
	a.sinkFile = f
	return &notifier.JSONLSink{W: f}, nil
}

func newSource(cfg *config.Config, log logx.Logger) session.Source {
	if p := strings.TrimSpace(cfg.Session.File); p != "" {
		debounce, _ := config.ParseDurationField("session.debounce", cfg.Session.Debounce)
		return &session.FileWatcher{Path: p, Debounce: debounce, Log: log}
	}
	if strings.TrimSpace(cfg.Session.UserID) == "" {
		log.Warn("no session configured; no subscription will be opened")
	}
	return session.Static(cfg.Session.UserID)
}

// Hub returns the in-process realtime hub, or nil when another driver is in use.
func (a *App) Hub() *realtime.Hub { return a.hub }

// Binder is available after Start.
func (a *App) Binder() *binder.Binder { return a.binder }

func (a *App) Permission() *permission.Service { return a.perm }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	switch config.RealtimeDriver(cfg.Realtime) {
	case "websocket":
		wcfg, err := mapWebsocketConfig(cfg)
		if err != nil {
			return err
		}
		c, err := realtime.NewWebsocketClient(a.sup.Context(), wcfg, a.bus, a.log.With(logx.String("comp", "realtime")))
		if err != nil {
			return err
		}
		a.rt = c
	default:
		a.hub = realtime.NewHub(a.bus, cfg.Realtime.TopicPrefix)
		a.rt = a.hub
	}
	a.log.Info("realtime driver ready", logx.String("driver", config.RealtimeDriver(cfg.Realtime)))

	permTimeout, err := config.ParseDurationField("permission.timeout", cfg.Permission.Timeout)
	if err != nil {
		return err
	}
	closeTimeout, err := config.ParseDurationField("binder.close_timeout", cfg.Binder.CloseTimeout)
	if err != nil {
		return err
	}
	opts := []binder.Option{
		binder.WithLogger(a.log.With(logx.String("comp", "binder"))),
		binder.WithBus(a.bus),
		binder.WithDispatcher(a.sup.Go0),
		binder.WithPermissionTimeout(permTimeout),
		binder.WithCloseTimeout(closeTimeout),
	}
	if cfg.Binder.Audit && a.store != nil {
		opts = append(opts, binder.WithAudit(a.store))
	}
	a.binder = binder.New(a.perm, a.rt, opts...)

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}

	ids := make(chan string, 1)
	a.sup.Go("session", func(c context.Context) error { return a.source.Run(c, ids) })
	a.sup.Go("binder", func(c context.Context) error { return a.binder.Run(c, ids) })

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if a.log.Enabled(logx.LevelDebug) {
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })
	a.sup.Go0("systemd.watchdog", a.watchdog)

	a.notifySystemd(daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// applyConfig applies the sections that can change live and warns about the rest.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	var restart []string
	for _, s := range sections {
		if !config.LiveSections[s] {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	prevEnabled := a.notif.Enabled()
	ncfg, err := mapNotifierConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		switch {
		case prevEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prevEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifySystemd(daemon.SdNotifyStopping)

	// Release the subscription before the driver goes away.
	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		c, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(c); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}
	step("binder", 5*time.Second, func(c context.Context) error {
		if a.binder != nil {
			a.binder.Close(c)
		}
		return nil
	})
	a.sup.Cancel()
	step("notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("realtime", 2*time.Second, func(c context.Context) error {
		if a.rt != nil {
			return a.rt.Shutdown(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.closeResources()

	a.log.Info("stopped", logx.Any("goroutines", a.sup.Counters()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.sinkFile != nil {
		_ = a.sinkFile.Close()
		a.sinkFile = nil
	}
}
