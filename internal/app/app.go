package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"

	"reminderd/internal/config"
	"reminderd/internal/domain"
	"reminderd/internal/eventbus"
	"reminderd/internal/metrics"
	"reminderd/internal/notifier"
	"reminderd/internal/ops"
	"reminderd/internal/reminder"
	rtsup "reminderd/internal/runtime/supervisor"
	"reminderd/internal/scheduler"
	"reminderd/internal/store"
	logx "reminderd/pkg/logx"
)

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopOnce       StopReason = "once"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store store.Store
	mets  *metrics.Metrics

	notif *notifier.Service
	disp  *reminder.Dispatcher
	sched *scheduler.Loop
	ops   *ops.Server

	// mu guards schedOn across the reload loop and Stop.
	mu      sync.Mutex
	schedOn bool

	// notify is sd_notify; replaced in tests.
	notify func(state string)
}

// New loads the config and builds every service. The store is opened here,
// so a bad connection string fails fast.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	return build(ctx, cfgm, cfg, logSvc, log)
}

func build(ctx context.Context, cfgm *config.Manager, cfg *config.Config, logSvc *logx.Service, log logx.Logger) (*App, error) {
	sc, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, sc, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := eventbus.New()
	mets := metrics.New()

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, st, log,
		notifier.WithDirectory(st),
		notifier.WithRecorder(mets),
		notifier.WithBus(bus),
	)

	disp := reminder.NewDispatcher(mapReminderConfig(cfg), st, notif, log, reminder.WithBus(bus))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	sched := scheduler.New(schedCfg, st, disp, log,
		scheduler.WithRecorder(mets),
		scheduler.WithBus(bus),
	)

	a := &App{
		cfgm:   cfgm,
		log:    log.With(logx.String("comp", "app")),
		logs:   logSvc,
		bus:    bus,
		store:  st,
		mets:   mets,
		notif:  notif,
		disp:   disp,
		sched:  sched,
		notify: sdNotify,
	}
	a.applyTransports(ncfg)

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a.ops = ops.New(opsCfg, ops.Deps{
		Runner:     sched,
		StoreState: st.ConnectionState,
		Goroutines: a.goroutines,
		Metrics:    mets.Handler(),
	}, log.With(logx.String("comp", "ops")))

	a.log.Info("app configured", config.SafeFields(cfg)...)
	return a, nil
}

// applyTransports rebuilds the SMTP and Telegram senders. A sender that
// fails to build is left unset and its channel reports disabled.
func (a *App) applyTransports(cfg notifier.Config) {
	var mailer notifier.Mailer
	if cfg.Email.Enabled {
		m, err := notifier.NewSMTPMailer(cfg.Email)
		if err != nil {
			a.log.Warn("email disabled: invalid smtp config", logx.Err(err))
		} else {
			mailer = m
		}
	}
	a.notif.SetMailer(mailer)

	var pusher notifier.Pusher
	if cfg.Telegram.Enabled {
		p, err := notifier.NewTelegramPusher(cfg.Telegram)
		if err != nil {
			a.log.Warn("telegram disabled", logx.Err(err))
		} else {
			pusher = p
		}
	}
	a.notif.SetPusher(pusher)
}

func (a *App) goroutines() rtsup.Snapshot {
	return a.sup.Snapshot()
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// RunOnce performs one scheduler run without starting the tick.
func (a *App) RunOnce(ctx context.Context) domain.RunStats {
	return a.sched.Run(ctx)
}

// Import creates items from a JSON or YAML list. Each item gets an ID when
// missing, and its reminders and first occurrence are computed in the
// owner's zone before it is stored.
func (a *App) Import(ctx context.Context, path string) (int, error) {
	var items []domain.Item
	if err := config.DecodeFile(path, &items); err != nil {
		return 0, fmt.Errorf("import: %w", err)
	}
	def := mapReminderConfig(a.cfgm.Get()).DefaultTimezone
	n := 0
	for i, it := range items {
		if strings.TrimSpace(it.ID) == "" {
			it.ID = uuid.NewString()
		}
		if it.Collection == "" {
			it.Collection = domain.CollectionEvents
		}
		owner, err := a.store.LookupOwner(ctx, it.OwnerID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return n, fmt.Errorf("import item %d: owner %s: %w", i, it.OwnerID, err)
		}
		prepared := reminder.Prepare(it, reminder.ItemZone(it, owner, def), a.log)
		if err := prepared.Validate(); err != nil {
			return n, fmt.Errorf("import item %d (%s): %w", i, it.ID, err)
		}
		if err := a.store.PutItem(ctx, prepared); err != nil {
			return n, fmt.Errorf("import item %d (%s): %w", i, it.ID, err)
		}
		n++
	}
	a.log.Info("items imported", logx.String("path", path), logx.Int("count", n))
	return n, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	cfg := a.cfgm.Get()
	if cfg.SchedulerEnabled() {
		if err := a.sched.Start(runCtx); err != nil {
			return err
		}
		a.mu.Lock()
		a.schedOn = true
		a.mu.Unlock()
	}
	if opsCfg, err := mapOpsConfig(cfg); err == nil {
		a.ops.Apply(runCtx, opsCfg)
	}

	a.sup.Go("eventbus.log", func(c context.Context) error {
		err := eventbus.Consume(c, a.bus, 128, func(e eventbus.Event) {
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if iv, err := daemon.SdWatchdogEnabled(false); err == nil && iv > 0 {
		a.sup.GoRestart("systemd.watchdog", func(c context.Context) error {
			return a.watchdog(c, iv/2)
		})
	}

	a.notify(daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// watchdog pings systemd while the scheduler is below its fatal failure
// streak. A scheduler stuck failing stops the pings and lets WatchdogSec
// restart the process.
func (a *App) watchdog(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fatal := scheduler.DefaultFatalFailures
			if cfg := a.cfgm.Get(); cfg != nil && cfg.Scheduler.FatalFailures > 0 {
				fatal = cfg.Scheduler.FatalFailures
			}
			if a.sched.Status().ConsecutiveFailures >= fatal {
				a.log.Warn("withholding watchdog ping: scheduler failing", logx.Int("threshold", fatal))
				continue
			}
			a.notify(daemon.SdNotifyWatchdog)
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts to the newest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, last, cfg)
			last = cfg
		}
	}
}

// apply pushes a validated config onto the running services.
func (a *App) apply(ctx context.Context, prev, cfg *config.Config) {
	if config.RestartRequired(prev, cfg) {
		a.log.Warn("store config changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(cfg))
	a.disp.Apply(mapReminderConfig(cfg))

	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		a.applyTransports(ncfg)
	}

	if scfg, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(scfg); err != nil {
		a.log.Warn("scheduler config rejected", logx.Err(err))
	}
	a.toggleScheduler(ctx, cfg.SchedulerEnabled())

	if ocfg, err := mapOpsConfig(cfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Apply(ctx, ocfg)
	}
}

func (a *App) toggleScheduler(ctx context.Context, want bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case want && !a.schedOn:
		if err := a.sched.Start(ctx); err != nil {
			a.log.Warn("scheduler start failed", logx.Err(err))
			return
		}
		a.schedOn = true
		a.log.Info("scheduler enabled via config")
	case !want && a.schedOn:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := a.sched.Stop(stopCtx); err != nil {
			a.log.Warn("scheduler stop", logx.Err(err))
		}
		a.schedOn = false
		a.log.Info("scheduler disabled via config")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify(daemon.SdNotifyStopping)
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := runStep(ctx, name, max, fn, a.log); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
	}

	// The scheduler goes first so an in-flight run finishes against a live
	// store and notifier.
	step("scheduler", 30*time.Second, func(c context.Context) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.schedOn = false
		return a.sched.Stop(c)
	})
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("store", 2*time.Second, func(context.Context) error { return a.store.Close() })
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// runStep bounds fn by max without extending ctx's deadline. A step that
// ignores its context is logged when it eventually returns.
func runStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error, log logx.Logger) error {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return err
	case <-stepCtx.Done():
		log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
		return stepCtx.Err()
	}
}

func sdNotify(state string) {
	_, _ = daemon.SdNotify(false, state)
}
