// Package transport implements the channels a live session can receive
// detection messages over. Every transport satisfies conn.Transport.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dj-oyu/sniper-watch/internal/broker"
	"github.com/dj-oyu/sniper-watch/internal/conn"
	"github.com/dj-oyu/sniper-watch/internal/webrtc"
)

// Transport kinds accepted by New.
const (
	KindAuto      = "auto"
	KindWebSocket = "websocket"
	KindSSE       = "sse"
	KindPoll      = "poll"
	KindMQTT      = "mqtt"
	KindNATS      = "nats"
	KindWebRTC    = "webrtc"
)

// ErrStreamClosed is returned by Recv after Close.
var ErrStreamClosed = errors.New("transport: stream closed")

// Options tune the transports built by New.
type Options struct {
	PollInterval  time.Duration
	PollMaxErrors int
	HTTPTimeout   time.Duration
	STUNServers   []string
	MQTT          broker.MQTTConfig
	NATS          broker.NATSConfig
}

// New builds the transport for kind. KindAuto picks one from the endpoint
// scheme.
func New(kind, endpoint string, opts Options) (conn.Transport, error) {
	if kind == "" || kind == KindAuto {
		kind = KindFor(endpoint)
	}
	switch kind {
	case KindWebSocket:
		return NewWebSocket(), nil
	case KindSSE:
		return NewSSE(), nil
	case KindPoll:
		return NewPoll(opts.PollInterval, opts.PollMaxErrors, opts.HTTPTimeout), nil
	case KindMQTT:
		return NewMQTT(opts.MQTT), nil
	case KindNATS:
		return NewNATS(opts.NATS), nil
	case KindWebRTC:
		return webrtc.NewTransport(opts.STUNServers), nil
	}
	return nil, fmt.Errorf("transport: unknown kind %q", kind)
}

// KindFor guesses the transport kind from an endpoint URL.
func KindFor(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return KindWebSocket
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		return KindWebSocket
	case "tcp", "mqtt", "ssl", "mqtts":
		return KindMQTT
	case "nats", "tls":
		return KindNATS
	case "http", "https":
		if strings.HasSuffix(u.Path, "/offer") {
			return KindWebRTC
		}
		if strings.Contains(u.Path, "stream") {
			return KindSSE
		}
		return KindPoll
	}
	return KindWebSocket
}

// chanStream adapts callback-style subscriptions to conn.Stream.
type chanStream struct {
	frames  chan []byte
	done    chan struct{}
	once    sync.Once
	err     error
	release func()
	relOnce sync.Once
}

func newChanStream(buffer int) *chanStream {
	return &chanStream{
		frames: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// push queues a copy of payload; full buffers drop it.
func (s *chanStream) push(payload []byte) {
	b := make([]byte, len(payload))
	copy(b, payload)
	select {
	case s.frames <- b:
	default:
	}
}

func (s *chanStream) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *chanStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-s.frames:
		return b, nil
	case <-s.done:
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *chanStream) Close() error {
	s.fail(ErrStreamClosed)
	if s.release != nil {
		s.relOnce.Do(s.release)
	}
	return nil
}
