package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func noEnv(string) (string, bool) { return "", false }

func TestParseFormats(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		file string
		body string
	}{
		{"json", "c.json", `{"telegram":{"token":"abc","owner_user_ids":[1]},"queue":{"concurrency":3},"broker":{"url":"redis://x"}}`},
		{"yaml", "c.yaml", "telegram:\n  token: abc\n  owner_user_ids: [1]\nqueue:\n  concurrency: 3\nbroker:\n  url: redis://x\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewConfigManager(writeFile(t, dir, tc.file, tc.body))
			m.lookup = noEnv
			cfg, err := m.Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Telegram.Token != "abc" || len(cfg.Telegram.OwnerUserIDs) != 1 || cfg.Broker.URL != "redis://x" {
				t.Fatalf("unexpected config: %+v", cfg)
			}
			if cfg.Queue.Concurrency == nil || *cfg.Queue.Concurrency != 3 {
				t.Fatalf("queue.concurrency not decoded")
			}
			if m.Get() != cfg {
				t.Fatalf("Load did not commit")
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		body string
		want string
	}{
		{"unknown field", `{"telegram":{"tokne":"x"}}`, "unknown field"},
		{"trailing data", `{} {}`, "trailing"},
		{"bad duration", `{"coordinator":{"batch_delay":"soon"}}`, "coordinator.batch_delay"},
		{"negative duration", `{"jobs":{"remote_wait":"-1s"}}`, "jobs.remote_wait"},
		{"bad driver", `{"storage":{"driver":"mongo"}}`, "storage.driver"},
		{"bad level", `{"logging":{"level":"loud"}}`, "logging.level"},
		{"negative concurrency", `{"queue":{"concurrency":-1}}`, "queue.concurrency"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewConfigManager(writeFile(t, dir, "c.json", tc.body))
			m.lookup = noEnv
			_, err := m.Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	dir := t.TempDir()
	m := NewConfigManager(writeFile(t, dir, "c.json", `{"telegram":{"token":"file"},"storage":{"dsn":"file.db"}}`))
	env := map[string]string{
		EnvTelegramToken: "env-token",
		EnvRedisURL:      " redis://env ",
		EnvStorageDSN:    "",
	}
	m.lookup = func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "env-token" || cfg.Broker.URL != "redis://env" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Storage.DSN != "file.db" {
		t.Fatalf("empty env value must not override, got %q", cfg.Storage.DSN)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, ".env", EnvRedisURL+"=redis://dotenv\n")
	t.Setenv(EnvRedisURL, "")
	os.Unsetenv(EnvRedisURL)
	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), p); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv(EnvRedisURL); got != "redis://dotenv" {
		t.Fatalf("got %q", got)
	}
}

func TestChanges(t *testing.T) {
	two, three := 2, 3
	old := &Config{Queue: QueueConfig{Concurrency: &two}, Broker: BrokerConfig{URL: "a"}}
	cur := &Config{Queue: QueueConfig{Concurrency: &three}, Broker: BrokerConfig{URL: "b"}, Logging: LoggingConfig{Level: "debug"}}

	changed, restart := Changes(old, cur)
	want := map[string]bool{"logging": true, "queue.concurrency": true, "broker": true}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v", changed)
	}
	for _, c := range changed {
		if !want[c] {
			t.Fatalf("unexpected section %q", c)
		}
	}
	if len(restart) != 1 || restart[0] != "broker" {
		t.Fatalf("restart = %v", restart)
	}
}

func TestWatchPublishesReload(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "c.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(p)
	m.lookup = noEnv
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "c.json", `{"logging":{"level":"loud"}}`)
	time.Sleep(2 * reloadDebounce)
	writeFile(t, dir, "c.json", `{"logging":{"level":"debug"}}`)

	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published invalid or stale config: %q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no reload published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("reload not committed")
	}
}

func TestDurationHelpers(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("parsed: %v %v", d, err)
	}
}
