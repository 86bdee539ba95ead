// Package config loads the sniperwatch configuration. Values are layered:
// built-in defaults, then an optional YAML file, then a .env file, then
// SNIPER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/sniper-watch/internal/broker"
	"github.com/dj-oyu/sniper-watch/internal/conn"
	"github.com/dj-oyu/sniper-watch/internal/events"
	"github.com/dj-oyu/sniper-watch/internal/logger"
	"github.com/dj-oyu/sniper-watch/internal/monitor"
	"github.com/dj-oyu/sniper-watch/internal/overlay"
	"github.com/dj-oyu/sniper-watch/internal/session"
	"github.com/dj-oyu/sniper-watch/internal/snapshots"
	"github.com/dj-oyu/sniper-watch/internal/transport"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "SNIPER_"

// Store backends.
const (
	StoreMemory   = "memory"
	StoreDir      = "dir"
	StorePostgres = "postgres"
)

// Snapshot backends.
const (
	SnapshotsInline = "inline"
	SnapshotsDisk   = "disk"
	SnapshotsMinio  = "minio"
)

// Config is the full runtime configuration.
type Config struct {
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
	LogColor bool   `yaml:"log_color" env:"LOG_COLOR"`

	// BackendURL is the detection API used by the detect command.
	BackendURL string `yaml:"backend_url" env:"BACKEND_URL"`

	Connection Connection     `yaml:"connection" envPrefix:"CONN_"`
	Session    Session        `yaml:"session" envPrefix:"SESSION_"`
	Monitor    monitor.Config `yaml:"monitor" envPrefix:"MONITOR_"`
	Store      Store          `yaml:"store" envPrefix:"STORE_"`
	Snapshots  Snapshots      `yaml:"snapshots" envPrefix:"SNAPSHOTS_"`
	Alerts     Alerts         `yaml:"alerts" envPrefix:"ALERTS_"`

	MQTT broker.MQTTConfig `yaml:"mqtt" envPrefix:"MQTT_"`
	NATS broker.NATSConfig `yaml:"nats" envPrefix:"NATS_"`
}

// Connection selects the detection stream and its retry policy.
type Connection struct {
	// Endpoint overrides the endpoint saved in settings.
	Endpoint         string        `yaml:"endpoint" env:"ENDPOINT"`
	Transport        string        `yaml:"transport" env:"TRANSPORT"`
	FallbackEndpoint string        `yaml:"fallback_endpoint" env:"FALLBACK_ENDPOINT"`
	PollInterval     time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	PollMaxErrors    int           `yaml:"poll_max_errors" env:"POLL_MAX_ERRORS"`
	HTTPTimeout      time.Duration `yaml:"http_timeout" env:"HTTP_TIMEOUT"`
	Retry            conn.Config   `yaml:"retry" envPrefix:"RETRY_"`
}

// Session mirrors session.Config with flat canvas fields.
type Session struct {
	CanvasWidth     int           `yaml:"canvas_width" env:"CANVAS_WIDTH"`
	CanvasHeight    int           `yaml:"canvas_height" env:"CANVAS_HEIGHT"`
	ZoneFilter      bool          `yaml:"zone_filter" env:"ZONE_FILTER"`
	SnapshotQuality int           `yaml:"snapshot_quality" env:"SNAPSHOT_QUALITY"`
	SnapshotTimeout time.Duration `yaml:"snapshot_timeout" env:"SNAPSHOT_TIMEOUT"`
	EventCap        int           `yaml:"event_cap" env:"EVENT_CAP"`
}

// Store picks where zones, events and settings persist.
type Store struct {
	Backend string `yaml:"backend" env:"BACKEND"`
	Dir     string `yaml:"dir" env:"DIR"`
	DSN     string `yaml:"dsn" env:"DSN"`
	Table   string `yaml:"table" env:"TABLE"`
}

// Snapshots picks where event snapshots are written.
type Snapshots struct {
	Backend   string                `yaml:"backend" env:"BACKEND"`
	Dir       string                `yaml:"dir" env:"DIR"`
	URLPrefix string                `yaml:"url_prefix" env:"URL_PREFIX"`
	Minio     snapshots.MinioConfig `yaml:"minio" envPrefix:"MINIO_"`
}

// Alerts forwards raised alerts to a broker when Broker is "mqtt" or "nats".
type Alerts struct {
	Keep   int    `yaml:"keep" env:"KEEP"`
	Broker string `yaml:"broker" env:"BROKER"`
	Topic  string `yaml:"topic" env:"TOPIC"`
}

// DefaultConfig returns a configuration that runs entirely in memory.
func DefaultConfig() Config {
	sess := session.DefaultConfig()
	return Config{
		LogLevel:   "info",
		LogColor:   true,
		BackendURL: "http://localhost:8000",
		Connection: Connection{
			Transport:     transport.KindAuto,
			PollInterval:  transport.DefaultPollInterval,
			PollMaxErrors: transport.DefaultPollMaxErrors,
			HTTPTimeout:   5 * time.Second,
			Retry:         conn.DefaultConfig(),
		},
		Session: Session{
			CanvasWidth:     sess.Canvas.W,
			CanvasHeight:    sess.Canvas.H,
			ZoneFilter:      sess.ZoneFilter,
			SnapshotQuality: sess.SnapshotQuality,
			SnapshotTimeout: sess.SnapshotTimeout,
			EventCap:        events.DefaultCap,
		},
		Monitor: monitor.DefaultConfig(),
		Store: Store{
			Backend: StoreMemory,
			Dir:     "./data",
			Table:   "sniper_kv",
		},
		Snapshots: Snapshots{
			Backend:   SnapshotsInline,
			Dir:       "./data/snapshots",
			URLPrefix: "/snapshots",
			Minio:     snapshots.MinioConfig{Bucket: "sniper-snapshots"},
		},
		Alerts: Alerts{
			Keep:  20,
			Topic: "sniper/alerts",
		},
	}
}

// Load builds the configuration from defaults, path (optional), envFiles
// (".env" when none are given) and the environment.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, err
		}
	}

	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load env file: %w", err)
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate rejects unknown backends and values the components cannot use.
func (c Config) Validate() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Connection.Transport {
	case "", transport.KindAuto, transport.KindWebSocket, transport.KindSSE, transport.KindPoll,
		transport.KindMQTT, transport.KindNATS, transport.KindWebRTC:
	default:
		return fmt.Errorf("unknown transport %q", c.Connection.Transport)
	}
	switch c.Store.Backend {
	case StoreMemory, StoreDir:
	case StorePostgres:
		if c.Store.DSN == "" {
			return errors.New("store backend postgres needs a dsn")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Snapshots.Backend {
	case SnapshotsInline, SnapshotsDisk:
	case SnapshotsMinio:
		if c.Snapshots.Minio.Endpoint == "" {
			return errors.New("snapshot backend minio needs an endpoint")
		}
	default:
		return fmt.Errorf("unknown snapshot backend %q", c.Snapshots.Backend)
	}
	switch c.Alerts.Broker {
	case "", transport.KindMQTT, transport.KindNATS:
	default:
		return fmt.Errorf("unknown alert broker %q", c.Alerts.Broker)
	}
	if c.Session.EventCap < 1 {
		return fmt.Errorf("event cap must be positive, got %d", c.Session.EventCap)
	}
	if c.Session.SnapshotQuality < 1 || c.Session.SnapshotQuality > 100 {
		return fmt.Errorf("snapshot quality %d out of range 1-100", c.Session.SnapshotQuality)
	}
	return nil
}

// SessionConfig converts the flat fields to session.Config.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		Canvas:          overlay.Size{W: c.Session.CanvasWidth, H: c.Session.CanvasHeight},
		ZoneFilter:      c.Session.ZoneFilter,
		SnapshotQuality: c.Session.SnapshotQuality,
		SnapshotTimeout: c.Session.SnapshotTimeout,
	}
}

// TransportOptions collects what transport.New needs.
func (c Config) TransportOptions() transport.Options {
	return transport.Options{
		PollInterval:  c.Connection.PollInterval,
		PollMaxErrors: c.Connection.PollMaxErrors,
		HTTPTimeout:   c.Connection.HTTPTimeout,
		STUNServers:   c.Monitor.STUNServers,
		MQTT:          c.MQTT,
		NATS:          c.NATS,
	}
}
