package monitor

import (
	"path/filepath"
	"time"
)

// Config defines the runtime configuration for the monitor server.
type Config struct {
	Addr              string        `yaml:"addr" env:"ADDR"`
	AssetsDir         string        `yaml:"assets_dir" env:"ASSETS_DIR"`
	BuildAssetsDir    string        `yaml:"build_assets_dir" env:"BUILD_ASSETS_DIR"`
	SnapshotDir       string        `yaml:"snapshot_dir" env:"SNAPSHOT_DIR"`
	StatusInterval    time.Duration `yaml:"status_interval" env:"STATUS_INTERVAL"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval" env:"KEEPALIVE_INTERVAL"`
	MaxWebRTCClients  int           `yaml:"max_webrtc_clients" env:"MAX_WEBRTC_CLIENTS"`
	STUNServers       []string      `yaml:"stun_servers" env:"STUN_SERVERS" envSeparator:","`
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		AssetsDir:         filepath.Clean("./web/assets"),
		BuildAssetsDir:    filepath.Clean("./build/web"),
		StatusInterval:    2 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		MaxWebRTCClients:  8,
	}
}
