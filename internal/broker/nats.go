package broker

import (
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures a NATS connection.
type NATSConfig struct {
	URL            string        `yaml:"url" env:"URL"`
	Name           string        `yaml:"name" env:"NAME"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait" env:"RECONNECT_WAIT"`
	MaxReconnects  int           `yaml:"max_reconnects" env:"MAX_RECONNECTS"`
}

// NATS is a connected nats.go client.
type NATS struct {
	conn *nats.Conn
}

// DialNATS connects to the server.
func DialNATS(cfg NATSConfig) (*NATS, error) {
	name := cfg.Name
	if name == "" {
		name = "sniperwatch"
	}
	opts := []nats.Option{nats.Name(name)}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	return &NATS{conn: conn}, nil
}

func (s *NATS) Publish(subject string, payload []byte) error {
	return s.conn.Publish(subject, payload)
}

func (s *NATS) Subscribe(subject string, h Handler) (func() error, error) {
	sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
		h(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

// Connected reports whether the connection is up.
func (s *NATS) Connected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

// Close drains the connection, falling back to an immediate close.
func (s *NATS) Close() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
	}
}
