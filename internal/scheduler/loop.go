// Package scheduler is the timer-driven poll loop: it finds due reminders
// in every collection, hands them to the dispatcher and keeps the failure
// accounting that decides when the store connection is reset.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"reminderd/internal/domain"
	"reminderd/internal/eventbus"
	"reminderd/internal/reminder"
	"reminderd/internal/store"
	"reminderd/internal/timemath"
	"reminderd/pkg/logx"
)

var (
	ErrRunning  = errors.New("scheduler: run already in flight")
	ErrCooldown = errors.New("scheduler: cooling down")
)

// RunError maps a skipped run to its sentinel. Executed runs return nil.
func RunError(s domain.RunStats) error {
	switch s.Skipped {
	case "":
		return nil
	case SkipInFlight:
		return ErrRunning
	case SkipCooldown:
		return ErrCooldown
	}
	return fmt.Errorf("scheduler: skipped (%s)", s.Skipped)
}

// Store is what the loop needs from the item store.
type Store interface {
	FindDueReminders(ctx context.Context, coll domain.Collection, now time.Time, skip, limit int) ([]domain.Item, error)
	ConnectionState() store.ConnState
	Reconnect(ctx context.Context) error
}

type Dispatcher interface {
	DispatchDue(ctx context.Context, due []reminder.Due) []reminder.Outcome
}

// Recorder receives run metrics. *metrics.Metrics implements it.
type Recorder interface {
	ObserveRun(s domain.RunStats, consecutiveFailures int)
	ForcedReconnect()
}

type Loop struct {
	st   Store
	disp Dispatcher
	log  logx.Logger
	bus  eventbus.Bus
	rec  Recorder

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	state State

	mu   sync.Mutex
	cfg  Config
	spec string
	c    *cron.Cron
	base context.Context
	wg   sync.WaitGroup
}

type Option func(*Loop)

func WithBus(b eventbus.Bus) Option         { return func(l *Loop) { l.bus = b } }
func WithRecorder(r Recorder) Option        { return func(l *Loop) { l.rec = r } }
func WithClock(now func() time.Time) Option { return func(l *Loop) { l.now = now } }

// WithSleep replaces the wait used between connect polls and after batch
// errors.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Loop) { l.sleep = fn }
}

func New(cfg Config, st Store, disp Dispatcher, log logx.Logger, opts ...Option) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Loop{
		st:    st,
		disp:  disp,
		log:   log,
		now:   time.Now,
		sleep: sleepCtx,
		cfg:   cfg.withDefaults(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Loop) config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

func (l *Loop) Status() Status { return l.state.Status() }

// Apply swaps the runtime config. A changed tick spec re-registers the cron
// entry when the loop is running.
func (l *Loop) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	spec, err := TickSpec(cfg.Schedule, cfg.PollInterval)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.cfg
	l.cfg = cfg
	if l.c == nil {
		return nil
	}
	if spec != l.spec || strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) {
		l.log.Info("tick schedule changed, restarting cron", logx.String("from", l.spec), logx.String("to", spec))
		// Stop waits on wg, so a run still going on the old cron is awaited.
		done := l.c.Stop().Done()
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			<-done
		}()
		return l.startCronLocked(spec)
	}
	return nil
}

// Start registers the tick. Runs started by the tick use a context that
// outlives ctx so shutdown never cuts a run short; Stop waits for them.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.c != nil {
		return nil
	}
	spec, err := TickSpec(l.cfg.Schedule, l.cfg.PollInterval)
	if err != nil {
		return err
	}
	l.base = context.WithoutCancel(ctx)
	if err := l.startCronLocked(spec); err != nil {
		return err
	}
	if l.cfg.RunOnStart {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.Run(l.base)
		}()
	}
	return nil
}

func (l *Loop) startCronLocked(spec string) error {
	loc := time.Local
	if tz := strings.TrimSpace(l.cfg.Timezone); tz != "" {
		if z, err := timemath.LoadZone(tz); err == nil {
			loc = z
		} else {
			l.log.Warn("invalid scheduler timezone, using local", logx.String("tz", tz), logx.Err(err))
		}
	}
	cl := logx.CronLogger(l.log)
	c := cron.New(
		cron.WithParser(specParser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	base := l.base
	if _, err := c.AddFunc(spec, func() { l.Run(base) }); err != nil {
		return fmt.Errorf("register tick %q: %w", spec, err)
	}
	c.Start()
	l.c = c
	l.spec = spec
	l.log.Info("scheduler started", logx.String("spec", spec), logx.String("tz", loc.String()))
	return nil
}

// Stop removes the tick and waits for an in-flight run, bounded by ctx.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	c := l.c
	l.c = nil
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		if c != nil {
			<-c.Stop().Done()
		}
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Run executes one poll cycle. A second call while one is in flight, or
// within the cool-down of the last start, returns a skipped RunStats
// without touching the store.
func (l *Loop) Run(ctx context.Context) domain.RunStats {
	cfg := l.config()
	start := l.now()
	stats := domain.RunStats{RunID: uuid.NewString(), StartTime: start}
	log := l.log.With(logx.String("run", stats.RunID))

	if reason := l.state.begin(start, cfg.MinCooldown); reason != "" {
		stats.Skipped = reason
		stats.EndTime = start
		log.Warn("tick skipped", logx.String("reason", reason))
		if l.rec != nil {
			l.rec.ObserveRun(stats, l.state.failures())
		}
		l.publish(eventbus.SchedulerSkipped, stats)
		return stats
	}

	failed := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("run panicked", logx.Any("panic", r))
				stats.Errors++
				failed = true
			}
		}()
		failed = l.execute(ctx, cfg, &stats, log)
	}()

	stats.EndTime = l.now()
	streak := l.state.end(stats, failed)
	if l.rec != nil {
		l.rec.ObserveRun(stats, streak)
	}
	l.publish(eventbus.SchedulerRun, stats)

	fields := []logx.Field{
		logx.Int("due", stats.TotalDue),
		logx.Int("processed", stats.Processed),
		logx.Int("errors", stats.Errors),
		logx.Duration("took", stats.Duration()),
	}
	switch {
	case streak >= cfg.FatalFailures:
		log.Error("scheduler failing persistently", append(fields, logx.Int("consecutive_failures", streak))...)
	case failed:
		log.Warn("run failed", append(fields, logx.Int("consecutive_failures", streak))...)
	case stats.TotalDue > 0 || stats.TimedOut:
		log.Info("run finished", append(fields, logx.Bool("timed_out", stats.TimedOut))...)
	default:
		log.Debug("run finished", fields...)
	}
	return stats
}

// execute runs Connecting, Querying and Dispatching. It reports whether
// the run counts as a failure.
func (l *Loop) execute(ctx context.Context, cfg Config, stats *domain.RunStats, log logx.Logger) bool {
	force := l.state.failures() >= cfg.MaxConsecutiveFailures
	if err := l.connect(ctx, cfg, force, log); err != nil {
		log.Warn("store connect failed", logx.Err(err))
		stats.Errors++
		return true
	}

	deadline := stats.StartTime.Add(cfg.RunTimeout)
	rctx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	defer cancel()

	// Every collection is queried and counted before the first dispatch.
	var batches []batch
	seen := map[string]bool{}
	for _, coll := range cfg.Collections {
		got, err := l.collect(rctx, cfg, coll, deadline, seen, stats, log)
		batches = append(batches, got...)
		if err != nil {
			if errors.Is(err, errTimeCap) {
				l.timedOut(stats, cfg, log)
				break
			}
			log.Warn("run aborted on store error", logx.String("coll", string(coll)), logx.Err(err))
			stats.Errors++
			return true
		}
	}
	if !stats.TimedOut {
		l.dispatchAll(rctx, cfg, batches, deadline, stats, log)
	}
	return stats.Errors > 0 && stats.Processed == 0
}

func (l *Loop) timedOut(stats *domain.RunStats, cfg Config, log logx.Logger) {
	stats.TimedOut = true
	log.Warn("run hit its time cap", logx.Duration("cap", cfg.RunTimeout))
}

var errTimeCap = errors.New("run time cap reached")

// batch is one page of due reminders, dispatched as a unit.
type batch struct {
	coll domain.Collection
	due  []reminder.Due
}

// collect pages through one collection. Only transient store errors and the
// time cap end it early. A failed page query is retried after the batch
// delay and the collection is given up after three failures in a row.
// Nothing is written while paging, so each page starts where the last ended.
func (l *Loop) collect(ctx context.Context, cfg Config, coll domain.Collection, deadline time.Time, seen map[string]bool, stats *domain.RunStats, log logx.Logger) ([]batch, error) {
	var out []batch
	skip := 0
	queryErrs := 0
	for {
		if !l.now().Before(deadline) || ctx.Err() != nil {
			return out, errTimeCap
		}
		now := l.now()
		items, err := l.st.FindDueReminders(ctx, coll, now, skip, cfg.BatchSize)
		if err != nil {
			// A query cut off by the run cap is a partial run, not a store fault.
			if ctx.Err() != nil {
				return out, errTimeCap
			}
			if store.IsTransient(err) {
				return out, err
			}
			stats.Errors++
			queryErrs++
			log.Warn("batch query failed", logx.String("coll", string(coll)), logx.Int("skip", skip), logx.Err(err))
			if queryErrs >= 3 {
				return out, nil
			}
			if err := l.sleep(ctx, cfg.BatchRetryDelay); err != nil {
				return out, errTimeCap
			}
			continue
		}
		queryErrs = 0
		if len(items) == 0 {
			return out, nil
		}

		b := batch{coll: coll}
		for _, it := range items {
			key := string(it.Collection) + "/" + it.ID
			if seen[key] {
				continue
			}
			seen[key] = true
			stats.TotalDue++
			for _, idx := range it.DueIndexes(now) {
				b.due = append(b.due, reminder.Due{Item: it, Index: idx})
			}
		}
		if len(b.due) > 0 {
			out = append(out, b)
		}

		if len(items) < cfg.BatchSize {
			return out, nil
		}
		skip += len(items)
	}
}

// dispatchAll hands each batch to the dispatcher in order. A failed batch
// is counted, followed by the batch delay, and the next batch still runs.
func (l *Loop) dispatchAll(ctx context.Context, cfg Config, batches []batch, deadline time.Time, stats *domain.RunStats, log logx.Logger) {
	for i, b := range batches {
		if !l.now().Before(deadline) || ctx.Err() != nil {
			l.timedOut(stats, cfg, log)
			return
		}
		outcomes, err := l.dispatch(ctx, b.due)
		if err != nil {
			stats.Errors++
			log.Warn("batch dispatch failed", logx.String("coll", string(b.coll)), logx.Int("batch", i), logx.Err(err))
			if i < len(batches)-1 {
				if err := l.sleep(ctx, cfg.BatchRetryDelay); err != nil {
					l.timedOut(stats, cfg, log)
					return
				}
			}
			continue
		}
		for _, o := range outcomes {
			stats.Processed += len(o.Delivered)
			stats.Errors += len(o.Failed)
			if o.Err != nil {
				stats.Errors++
			}
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, due []reminder.Due) (out []reminder.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panic: %v", r)
		}
	}()
	return l.disp.DispatchDue(ctx, due), nil
}

// connect makes sure the store is live. force drops the connection first.
func (l *Loop) connect(ctx context.Context, cfg Config, force bool, log logx.Logger) error {
	cctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	deadline := l.now().Add(cfg.ConnectTimeout)

	var lastErr error
	if force {
		log.Warn("forcing store reconnect", logx.Int("consecutive_failures", l.state.failures()))
		if l.rec != nil {
			l.rec.ForcedReconnect()
		}
		lastErr = l.st.Reconnect(cctx)
	}
	for {
		switch l.st.ConnectionState() {
		case store.Connected:
			return nil
		case store.Disconnected:
			if err := l.st.Reconnect(cctx); err != nil {
				lastErr = err
			} else if l.st.ConnectionState() == store.Connected {
				return nil
			}
		}
		if !l.now().Before(deadline) {
			break
		}
		if err := l.sleep(cctx, cfg.ConnectPoll); err != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = store.ErrNotConnected
	}
	return fmt.Errorf("store not connected within %s: %w", cfg.ConnectTimeout, lastErr)
}

func (l *Loop) publish(typ string, s domain.RunStats) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Type: typ, Time: l.now(), Data: s})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
