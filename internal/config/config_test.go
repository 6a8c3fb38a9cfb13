package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  poll_interval: 30s
  batch_size: 10
  collections: [events, tasks]
store:
  driver: sqlite
  path: ./reminderd.db
notifier:
  email:
    enabled: true
    host: smtp.example.com
    port: 587
    from: noreply@example.com
ops:
  enabled: true
  addr: 127.0.0.1:9464
default_timezone: Europe/Berlin
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func noEnv(string) (string, bool) { return "", false }

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.PollInterval != "30s" || cfg.Scheduler.BatchSize != 10 || cfg.Store.Driver != "sqlite" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !cfg.SchedulerEnabled() {
		t.Fatal("scheduler should default to enabled")
	}
	if m.Get() != cfg {
		t.Fatal("Load must commit")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	body := `{"store":{"driver":"memory"},"scheduler":{"enabled":false}}`
	m := NewManager(writeFile(t, "config.json", body))
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SchedulerEnabled() {
		t.Fatal("explicit enabled=false ignored")
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		file string
		body string
		want string
	}{
		{"unknown field", "c.json", `{"store":{"driver":"memory"},"plugins":{}}`, "unknown field"},
		{"trailing data", "c.json", `{"store":{"driver":"memory"}}{"x":1}`, "trailing"},
		{"unknown yaml field", "c.yaml", "store:\n  driver: memory\n  flavour: x\n", "unknown field"},
		{"bad duration", "c.json", `{"store":{"driver":"memory"},"scheduler":{"poll_interval":"soon"}}`, "scheduler.poll_interval"},
		{"negative duration", "c.json", `{"store":{"driver":"memory"},"notifier":{"retry_base":"-1s"}}`, ">= 0"},
		{"missing driver", "c.json", `{}`, "store.driver"},
		{"unknown driver", "c.json", `{"store":{"driver":"redis"}}`, "unknown driver"},
		{"sqlite without path", "c.json", `{"store":{"driver":"sqlite"}}`, "store.path"},
		{"bad zone", "c.json", `{"store":{"driver":"memory"},"default_timezone":"Mars/Olympus"}`, "unknown timezone"},
		{"bad collection", "c.json", `{"store":{"driver":"memory"},"scheduler":{"collections":["notes"]}}`, "notes"},
		{"bad level", "c.json", `{"store":{"driver":"memory"},"logging":{"level":"loud"}}`, "logging.level"},
		{"email without host", "c.json", `{"store":{"driver":"memory"},"notifier":{"email":{"enabled":true,"from":"a@b"}}}`, "email.host"},
		{"telegram without token", "c.json", `{"store":{"driver":"memory"},"notifier":{"telegram":{"enabled":true}}}`, "telegram.token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeFile(t, tc.file, tc.body))
			m.SetEnv(noEnv)
			_, err := m.Parse()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Parse err = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		"REMINDERD_STORE_DRIVER":      "mongo",
		"REMINDERD_STORE_URI":         "mongodb://db:27017",
		"REMINDERD_SMTP_PASSWORD":     "hunter2",
		"REMINDERD_OPS_TOKEN":         "tok",
		"REMINDERD_SCHEDULER_ENABLED": "false",
		"REMINDERD_LOG_LEVEL":         "   ",
	}
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	m.SetEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Store.Driver != "mongo" || cfg.Store.URI != "mongodb://db:27017" {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if cfg.Notifier.Email.Password != "hunter2" || cfg.Ops.Token != "tok" {
		t.Fatal("secret overrides not applied")
	}
	if cfg.SchedulerEnabled() {
		t.Fatal("enabled override not applied")
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("blank override replaced level: %q", cfg.Logging.Level)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a := &Config{Store: StoreConfig{Driver: "memory"}}
	b := &Config{Store: StoreConfig{Driver: "memory"}}
	if got := SummarizeChange(a, b); len(got) != 0 {
		t.Fatalf("identical = %v", got)
	}
	b.Notifier.Telegram.Token = "secret"
	b.DefaultTimezone = "UTC"
	got := SummarizeChange(a, b)
	if strings.Join(got, ",") != "notifier,default_timezone" {
		t.Fatalf("changed = %v", got)
	}
	if RestartRequired(a, b) {
		t.Fatal("store unchanged")
	}
	b.Store.Driver = "sqlite"
	if !RestartRequired(a, b) {
		t.Fatal("store change needs restart")
	}
}

func TestSubscribeKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-ch; got != second {
		t.Fatal("slow subscriber should receive the newest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
}

func TestWatchPublishesValidatedReload(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"store":{"driver":"memory"},"scheduler":{"batch_size":5}}`)
	m := NewManager(path)
	m.SetEnv(noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Scheduler.BatchSize == 13 {
			return context.Canceled
		}
		return nil
	})
	ch := m.Subscribe(4)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher time to register before writing.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"store":{"driver":"memory"},"scheduler":{"batch_size":13}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(600 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"store":{"driver":"memory"},"scheduler":{"batch_size":7}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cfg := <-ch:
		if cfg.Scheduler.BatchSize != 7 {
			t.Fatalf("published batch_size = %d, rejected config leaked", cfg.Scheduler.BatchSize)
		}
	case <-ctx.Done():
		t.Fatal("no reload published")
	}
	if m.Get().Scheduler.BatchSize != 7 {
		t.Fatal("reload not committed")
	}
	cancel()
	<-done
}

func TestExampleConfigLoads(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join("..", "..", "config.example.yaml"))
	m.SetEnv(noEnv)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || !cfg.Ops.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
}
