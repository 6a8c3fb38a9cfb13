package config

import (
	"reflect"
	"strings"

	logx "reminderd/pkg/logx"
)

// SummarizeChange lists the top-level sections that differ between two
// configs, in file order. Values are never included so secrets stay out of
// the logs.
func SummarizeChange(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var changed []string
	add := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			changed = append(changed, name)
		}
	}
	add("logging", oldCfg.Logging, newCfg.Logging)
	add("scheduler", oldCfg.Scheduler, newCfg.Scheduler)
	add("store", oldCfg.Store, newCfg.Store)
	add("notifier", oldCfg.Notifier, newCfg.Notifier)
	add("ops", oldCfg.Ops, newCfg.Ops)
	if strings.TrimSpace(oldCfg.DefaultTimezone) != strings.TrimSpace(newCfg.DefaultTimezone) {
		changed = append(changed, "default_timezone")
	}
	return changed
}

// RestartRequired reports whether the store section changed. The store
// connection is opened once at startup and is not hot-swapped.
func RestartRequired(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return false
	}
	return !reflect.DeepEqual(oldCfg.Store, newCfg.Store)
}

// SafeFields are loggable attributes of cfg. Secrets appear only as
// "*_set" booleans.
func SafeFields(cfg *Config) []logx.Field {
	if cfg == nil {
		return nil
	}
	return []logx.Field{
		logx.String("log.level", cfg.Logging.Level),
		logx.Bool("scheduler.enabled", cfg.SchedulerEnabled()),
		logx.String("scheduler.poll_interval", cfg.Scheduler.PollInterval),
		logx.String("scheduler.schedule", cfg.Scheduler.Schedule),
		logx.String("store.driver", cfg.Store.Driver),
		logx.Bool("email.enabled", cfg.Notifier.Email.Enabled),
		logx.Bool("email.password_set", cfg.Notifier.Email.Password != ""),
		logx.Bool("telegram.enabled", cfg.Notifier.Telegram.Enabled),
		logx.Bool("telegram.token_set", cfg.Notifier.Telegram.Token != ""),
		logx.Bool("ops.enabled", cfg.Ops.Enabled),
		logx.String("ops.addr", cfg.Ops.Addr),
		logx.Bool("ops.token_set", cfg.Ops.Token != ""),
	}
}
