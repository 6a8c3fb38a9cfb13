package app

import (
	"errors"
	"strings"
	"time"

	"reminderd/internal/config"
	"reminderd/internal/domain"
	"reminderd/internal/notifier"
	"reminderd/internal/ops"
	"reminderd/internal/reminder"
	"reminderd/internal/scheduler"
	"reminderd/internal/store"
	logx "reminderd/pkg/logx"
)

// Each map* function turns one config section into its service config,
// applying defaults. They are also the hot-reload validator, so anything
// they reject never reaches a running service.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	s := cfg.Store
	var d durations
	out := store.Config{
		Driver:                  s.Driver,
		Path:                    s.Path,
		BusyTimeout:             d.parse("store.busy_timeout", s.BusyTimeout),
		URI:                     s.URI,
		Database:                s.Database,
		OwnersCollection:        s.OwnersCollection,
		NotificationsCollection: s.NotificationsCollection,
		ConnectTimeout:          d.parse("store.connect_timeout", s.ConnectTimeout),
	}
	return out, d.err()
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	var (
		out scheduler.Config
		d   durations
	)
	out.PollInterval = d.parse("scheduler.poll_interval", s.PollInterval)
	out.MinCooldown = d.parse("scheduler.min_cooldown", s.MinCooldown)
	out.RunTimeout = d.parse("scheduler.run_timeout", s.RunTimeout)
	out.ConnectTimeout = d.parse("scheduler.connect_timeout", s.ConnectTimeout)
	out.ConnectPoll = d.parse("scheduler.connect_poll", s.ConnectPoll)
	out.BatchRetryDelay = d.parse("scheduler.batch_retry_delay", s.BatchRetryDelay)
	if err := d.err(); err != nil {
		return scheduler.Config{}, err
	}

	out.Schedule = strings.TrimSpace(s.Schedule)
	out.Timezone = strings.TrimSpace(s.Timezone)
	out.BatchSize = s.BatchSize
	out.MaxConsecutiveFailures = s.MaxConsecutiveFailures
	out.FatalFailures = s.FatalFailures
	out.RunOnStart = s.RunOnStart
	for _, c := range s.Collections {
		out.Collections = append(out.Collections, domain.Collection(strings.TrimSpace(c)))
	}

	poll := out.PollInterval
	if poll <= 0 {
		poll = scheduler.DefaultPollInterval
	}
	if _, err := scheduler.TickSpec(out.Schedule, poll); err != nil {
		return scheduler.Config{}, err
	}
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	var d durations
	if n.RetryMax == 0 {
		n.RetryMax = defaultRetryMax
	}
	out := notifier.Config{
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       d.parse("notifier.retry_base", n.RetryBase),
		RetryMaxDelay:   d.parse("notifier.retry_max_delay", n.RetryMaxDelay),
		SendTimeout:     d.parse("notifier.send_timeout", n.SendTimeout),
		DedupWindow:     d.parse("notifier.dedup_window", n.DedupWindow),
		DedupMaxEntries: n.DedupMaxEntries,
		Email: notifier.EmailConfig{
			Enabled:  n.Email.Enabled,
			Host:     strings.TrimSpace(n.Email.Host),
			Port:     n.Email.Port,
			Username: n.Email.Username,
			Password: n.Email.Password,
			From:     strings.TrimSpace(n.Email.From),
			StartTLS: n.Email.StartTLS == nil || *n.Email.StartTLS,
		},
		Telegram: notifier.TelegramConfig{
			Enabled: n.Telegram.Enabled,
			Token:   strings.TrimSpace(n.Telegram.Token),
		},
	}
	if err := d.err(); err != nil {
		return notifier.Config{}, err
	}
	if out.Email.Enabled {
		if _, err := notifier.NewSMTPMailer(out.Email); err != nil {
			return notifier.Config{}, err
		}
	}
	return out, nil
}

func mapReminderConfig(cfg *config.Config) reminder.Config {
	return reminder.Config{DefaultTimezone: strings.TrimSpace(cfg.DefaultTimezone)}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	var d durations
	out := ops.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		PprofPrefix:   o.PprofPrefix,
		ReadTimeout:   d.parse("ops.read_timeout", o.ReadTimeout),
		WriteTimeout:  d.parse("ops.write_timeout", o.WriteTimeout),
		IdleTimeout:   d.parse("ops.idle_timeout", o.IdleTimeout),
	}
	return out, d.err()
}

const defaultRetryMax = 3

// durations collects parse errors so one pass reports every bad field.
type durations struct{ errs []error }

func (d *durations) parse(path, raw string) time.Duration {
	v, err := config.ParseDurationField(path, raw)
	if err != nil {
		d.errs = append(d.errs, err)
	}
	return v
}

func (d *durations) err() error { return errors.Join(d.errs...) }

// validate runs every mapping. It is the config manager's reload hook.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	_, e1 := mapStoreConfig(cfg)
	_, e2 := mapSchedulerConfig(cfg)
	_, e3 := mapNotifierConfig(cfg)
	_, e4 := mapOpsConfig(cfg)
	return errors.Join(e1, e2, e3, e4)
}
