package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func noEnvFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	sc := cfg.SessionConfig()
	if sc.Canvas.W != 1280 || sc.Canvas.H != 720 {
		t.Fatalf("canvas = %+v", sc.Canvas)
	}
	if cfg.Connection.Retry.RetryDelay != 3*time.Second {
		t.Fatalf("retry delay = %s", cfg.Connection.Retry.RetryDelay)
	}
}

func TestLoadLayersFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sniper.yaml")
	yml := `
log_level: debug
connection:
  endpoint: ws://camera.local:8000/ws
  poll_interval: 2s
  retry:
    retry_delay: 5s
    fallback_after: 4
session:
  canvas_width: 640
  canvas_height: 480
monitor:
  addr: ":9090"
  stun_servers: ["stun:a", "stun:b"]
store:
  backend: dir
  dir: /var/lib/sniper
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SNIPER_CONN_ENDPOINT", "http://camera.local:8000/api/stream")
	t.Setenv("SNIPER_MONITOR_ADDR", ":7070")
	t.Setenv("SNIPER_CONN_RETRY_FALLBACK_AFTER", "6")
	t.Setenv("SNIPER_MQTT_QOS", "1")

	cfg, err := Load(path, noEnvFile(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.Connection.Endpoint != "http://camera.local:8000/api/stream" {
		t.Fatalf("endpoint = %q, env should win", cfg.Connection.Endpoint)
	}
	if cfg.Connection.PollInterval != 2*time.Second {
		t.Fatalf("poll interval = %s", cfg.Connection.PollInterval)
	}
	if cfg.Connection.Retry.RetryDelay != 5*time.Second || cfg.Connection.Retry.FallbackAfter != 6 {
		t.Fatalf("retry = %+v", cfg.Connection.Retry)
	}
	if cfg.Connection.Retry.DialTimeout != 10*time.Second {
		t.Fatalf("dial timeout default lost: %s", cfg.Connection.Retry.DialTimeout)
	}
	if cfg.Monitor.Addr != ":7070" {
		t.Fatalf("monitor addr = %q", cfg.Monitor.Addr)
	}
	if len(cfg.Monitor.STUNServers) != 2 {
		t.Fatalf("stun servers = %v", cfg.Monitor.STUNServers)
	}
	if cfg.Store.Backend != StoreDir || cfg.Store.Dir != "/var/lib/sniper" {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if cfg.MQTT.QoS != 1 {
		t.Fatalf("mqtt qos = %d", cfg.MQTT.QoS)
	}
	if got := cfg.SessionConfig().Canvas; got.W != 640 || got.H != 480 {
		t.Fatalf("canvas = %+v", got)
	}
	if opts := cfg.TransportOptions(); opts.PollInterval != 2*time.Second || len(opts.STUNServers) != 2 {
		t.Fatalf("transport options = %+v", opts)
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(envFile, []byte("SNIPER_ALERTS_TOPIC=site/alerts\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("SNIPER_ALERTS_TOPIC") })

	cfg, err := Load("", envFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Alerts.Topic != "site/alerts" {
		t.Fatalf("alerts topic = %q", cfg.Alerts.Topic)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), noEnvFile(t)); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"log level":      func(c *Config) { c.LogLevel = "loud" },
		"transport":      func(c *Config) { c.Connection.Transport = "carrier-pigeon" },
		"store backend":  func(c *Config) { c.Store.Backend = "redis" },
		"postgres dsn":   func(c *Config) { c.Store.Backend = StorePostgres },
		"snapshot minio": func(c *Config) { c.Snapshots.Backend = SnapshotsMinio },
		"snapshot kind":  func(c *Config) { c.Snapshots.Backend = "ftp" },
		"alert broker":   func(c *Config) { c.Alerts.Broker = "kafka" },
		"snapshot range": func(c *Config) { c.Session.SnapshotQuality = 0 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
