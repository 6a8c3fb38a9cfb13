package config

import (
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REMINDERD_"

type envBinding struct {
	key string
	set func(c *Config, v string)
}

// envBindings map REMINDERD_<KEY> onto config fields. Secrets usually
// arrive this way so they stay out of the file.
var envBindings = []envBinding{
	{"LOG_LEVEL", func(c *Config, v string) { c.Logging.Level = v }},
	{"DEFAULT_TIMEZONE", func(c *Config, v string) { c.DefaultTimezone = v }},
	{"SCHEDULER_POLL_INTERVAL", func(c *Config, v string) { c.Scheduler.PollInterval = v }},
	{"SCHEDULER_SCHEDULE", func(c *Config, v string) { c.Scheduler.Schedule = v }},
	{"SCHEDULER_ENABLED", func(c *Config, v string) {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Scheduler.Enabled = &b
		}
	}},
	{"STORE_DRIVER", func(c *Config, v string) { c.Store.Driver = v }},
	{"STORE_PATH", func(c *Config, v string) { c.Store.Path = v }},
	{"STORE_URI", func(c *Config, v string) { c.Store.URI = v }},
	{"STORE_DATABASE", func(c *Config, v string) { c.Store.Database = v }},
	{"SMTP_HOST", func(c *Config, v string) { c.Notifier.Email.Host = v }},
	{"SMTP_USERNAME", func(c *Config, v string) { c.Notifier.Email.Username = v }},
	{"SMTP_PASSWORD", func(c *Config, v string) { c.Notifier.Email.Password = v }},
	{"SMTP_FROM", func(c *Config, v string) { c.Notifier.Email.From = v }},
	{"TELEGRAM_TOKEN", func(c *Config, v string) { c.Notifier.Telegram.Token = v }},
	{"OPS_ADDR", func(c *Config, v string) { c.Ops.Addr = v }},
	{"OPS_TOKEN", func(c *Config, v string) { c.Ops.Token = v }},
}

// ApplyEnv overlays non-empty REMINDERD_* variables onto cfg.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			b.set(cfg, v)
		}
	}
}
