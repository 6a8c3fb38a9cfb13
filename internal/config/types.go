package config

// Config is the on-disk configuration, JSON or YAML. Durations are Go
// duration strings ("500ms", "30s", "1m"). Omitted fields take the defaults
// applied when the app maps each section onto its service.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Store     StoreConfig     `json:"store"`
	Notifier  NotifierConfig  `json:"notifier"`
	Ops       OpsConfig       `json:"ops,omitempty"`

	// DefaultTimezone applies to owners without a zone. Default "UTC".
	DefaultTimezone string `json:"default_timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the poll loop.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - poll_interval: "60s"
//   - min_cooldown: "30s"
//   - run_timeout: "45s"
//   - batch_size: 50
//   - max_consecutive_failures: 5
//   - fatal_failures: 100
//   - connect_timeout: "30s", connect_poll: "1s"
//   - batch_retry_delay: "5s"
//   - collections: ["events", "tasks"]
type SchedulerConfig struct {
	// Enabled is a pointer so an omitted value can default to true.
	Enabled *bool `json:"enabled,omitempty"`

	PollInterval string `json:"poll_interval,omitempty"`
	// Schedule replaces poll_interval with a cron expression.
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	MinCooldown            string   `json:"min_cooldown,omitempty"`
	RunTimeout             string   `json:"run_timeout,omitempty"`
	BatchSize              int      `json:"batch_size,omitempty"`
	MaxConsecutiveFailures int      `json:"max_consecutive_failures,omitempty"`
	FatalFailures          int      `json:"fatal_failures,omitempty"`
	ConnectTimeout         string   `json:"connect_timeout,omitempty"`
	ConnectPoll            string   `json:"connect_poll,omitempty"`
	BatchRetryDelay        string   `json:"batch_retry_delay,omitempty"`
	RunOnStart             bool     `json:"run_on_start,omitempty"`
	Collections            []string `json:"collections,omitempty"`
}

// StoreConfig selects the item store. Changes need a restart.
//
// Example:
//
//	"store": { "driver": "mongo", "uri": "mongodb://localhost:27017", "database": "planner" }
//	"store": { "driver": "sqlite", "path": "./reminderd.db" }
type StoreConfig struct {
	Driver string `json:"driver"`

	// sqlite
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// mongo
	URI                     string `json:"uri,omitempty"`
	Database                string `json:"database,omitempty"`
	OwnersCollection        string `json:"owners_collection,omitempty"`
	NotificationsCollection string `json:"notifications_collection,omitempty"`
	ConnectTimeout          string `json:"connect_timeout,omitempty"`
}

// NotifierConfig controls delivery retries, rate limiting and the channels.
//
// Defaults: rate_per_sec 10, retry_max 3 (-1 disables retries),
// retry_base "500ms", retry_max_delay "10s", send_timeout "10s",
// dedup_max_entries 5000. dedup_window is off unless set.
type NotifierConfig struct {
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`

	Email    EmailConfig    `json:"email"`
	Telegram TelegramConfig `json:"telegram"`
}

type EmailConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	From     string `json:"from,omitempty"`
	// StartTLS defaults to true.
	StartTLS *bool `json:"starttls,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"` // do not log
}

// OpsConfig controls the health/metrics/run HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - A non-loopback address needs a token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// SchedulerEnabled resolves the enabled flag default.
func (c *Config) SchedulerEnabled() bool {
	return c.Scheduler.Enabled == nil || *c.Scheduler.Enabled
}
