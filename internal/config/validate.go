package config

import (
	"errors"
	"fmt"
	"strings"

	"reminderd/internal/domain"
	"reminderd/internal/timemath"
	logx "reminderd/pkg/logx"
)

// Validate performs the structural checks that need no running services:
// duration syntax, known drivers and collections, loadable zones.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}
	zone := func(path, name string) {
		if name = strings.TrimSpace(name); name != "" && !timemath.IsValidZone(name) {
			check(fmt.Errorf("%s: unknown timezone %q", path, name))
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		check(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		check(errors.New("logging.file.path: required when file logging is enabled"))
	}
	zone("default_timezone", cfg.DefaultTimezone)

	s := cfg.Scheduler
	dur("scheduler.poll_interval", s.PollInterval)
	dur("scheduler.min_cooldown", s.MinCooldown)
	dur("scheduler.run_timeout", s.RunTimeout)
	dur("scheduler.connect_timeout", s.ConnectTimeout)
	dur("scheduler.connect_poll", s.ConnectPoll)
	dur("scheduler.batch_retry_delay", s.BatchRetryDelay)
	zone("scheduler.timezone", s.Timezone)
	if s.BatchSize < 0 || s.MaxConsecutiveFailures < 0 || s.FatalFailures < 0 {
		check(errors.New("scheduler: counts must be >= 0"))
	}
	for _, c := range s.Collections {
		if !domain.Collection(c).Valid() {
			check(fmt.Errorf("scheduler.collections: unknown collection %q", c))
		}
	}

	st := cfg.Store
	switch strings.ToLower(strings.TrimSpace(st.Driver)) {
	case "mongo", "mongodb":
		if strings.TrimSpace(st.URI) == "" {
			check(errors.New("store.uri: required for mongo"))
		}
	case "sqlite", "sqlite3":
		if strings.TrimSpace(st.Path) == "" {
			check(errors.New("store.path: required for sqlite"))
		}
	case "memory", "mem":
	case "":
		check(errors.New("store.driver: required"))
	default:
		check(fmt.Errorf("store.driver: unknown driver %q", st.Driver))
	}
	dur("store.busy_timeout", st.BusyTimeout)
	dur("store.connect_timeout", st.ConnectTimeout)

	n := cfg.Notifier
	dur("notifier.retry_base", n.RetryBase)
	dur("notifier.retry_max_delay", n.RetryMaxDelay)
	dur("notifier.send_timeout", n.SendTimeout)
	dur("notifier.dedup_window", n.DedupWindow)
	if n.RatePerSec < 0 || n.DedupMaxEntries < 0 {
		check(errors.New("notifier: counts must be >= 0"))
	}
	if n.RetryMax < -1 {
		check(errors.New("notifier.retry_max: must be >= -1"))
	}
	if n.Email.Enabled {
		if strings.TrimSpace(n.Email.Host) == "" {
			check(errors.New("notifier.email.host: required when email is enabled"))
		}
		if strings.TrimSpace(n.Email.From) == "" {
			check(errors.New("notifier.email.from: required when email is enabled"))
		}
		if n.Email.Port < 0 || n.Email.Port > 65535 {
			check(fmt.Errorf("notifier.email.port: out of range: %d", n.Email.Port))
		}
	}
	if n.Telegram.Enabled && strings.TrimSpace(n.Telegram.Token) == "" {
		check(errors.New("notifier.telegram.token: required when telegram is enabled"))
	}

	dur("ops.read_timeout", cfg.Ops.ReadTimeout)
	dur("ops.write_timeout", cfg.Ops.WriteTimeout)
	dur("ops.idle_timeout", cfg.Ops.IdleTimeout)

	return errors.Join(errs...)
}
