package conn

import (
	"context"
	"time"
)

// Status is the connection state shown by UI indicators.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Reconnecting
)

var statusNames = [...]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Connected:    "connected",
	Reconnecting: "reconnecting",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusChange describes one transition.
type StatusChange struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Endpoint  string    `json:"endpoint"`
	Transport string    `json:"transport,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Err       error     `json:"-"`
	At        time.Time `json:"at"`
}

// Transport dials a backend channel.
type Transport interface {
	Name() string
	Dial(ctx context.Context, endpoint string) (Stream, error)
}

// Stream is an open channel yielding raw inbound frames. Recv blocks until a
// frame arrives, the stream fails or ctx is done. Close unblocks Recv.
type Stream interface {
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}
