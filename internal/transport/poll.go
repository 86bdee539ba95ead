package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dj-oyu/sniper-watch/internal/backend"
	"github.com/dj-oyu/sniper-watch/internal/conn"
	"github.com/dj-oyu/sniper-watch/internal/detection"
)

const (
	// DefaultPollInterval matches the dashboard's stats refresh.
	DefaultPollInterval = 1500 * time.Millisecond
	// DefaultPollMaxErrors consecutive failed GETs end the stream.
	DefaultPollMaxErrors = 5
)

// Poll fetches an HTTP endpoint on an interval. It is the fallback when the
// push transports are unavailable.
type Poll struct {
	Interval  time.Duration
	MaxErrors int
	Timeout   time.Duration
}

func NewPoll(interval time.Duration, maxErrors int, timeout time.Duration) *Poll {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxErrors <= 0 {
		maxErrors = DefaultPollMaxErrors
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Poll{Interval: interval, MaxErrors: maxErrors, Timeout: timeout}
}

func (p *Poll) Name() string { return KindPoll }

func (p *Poll) Dial(ctx context.Context, endpoint string) (conn.Stream, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("poll endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("poll endpoint %q must be http(s)", endpoint)
	}
	client, err := backend.New(u.Scheme+"://"+u.Host, p.Timeout)
	if err != nil {
		return nil, err
	}

	body, err := client.Fetch(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	first := normalizePoll(body)
	return &pollStream{
		client:    client,
		url:       endpoint,
		interval:  p.Interval,
		maxErrors: p.MaxErrors,
		pending:   first,
		last:      first,
		closed:    make(chan struct{}),
	}, nil
}

type pollStream struct {
	client    *backend.Client
	url       string
	interval  time.Duration
	maxErrors int

	pending   []byte
	last      []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *pollStream) Recv(ctx context.Context) ([]byte, error) {
	if s.pending != nil {
		p := s.pending
		s.pending = nil
		return p, nil
	}

	consecutiveErrors := 0
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, ErrStreamClosed
		case <-timer.C:
		}

		body, err := s.client.Fetch(ctx, s.url)
		if err != nil {
			consecutiveErrors++
			if consecutiveErrors >= s.maxErrors {
				return nil, fmt.Errorf("poll %s: %d consecutive errors: %w", s.url, consecutiveErrors, err)
			}
			timer.Reset(s.interval)
			continue
		}
		consecutiveErrors = 0

		p := normalizePoll(body)
		if bytes.Equal(p, s.last) {
			timer.Reset(s.interval)
			continue
		}
		s.last = p
		return p, nil
	}
}

// Close may be called concurrently and more than once.
func (s *pollStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// normalizePoll gives polled objects a message type. Objects without
// detections are treated as a stats snapshot. Anything that is not a JSON
// object is passed through for the decoder to reject.
func normalizePoll(body []byte) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return body
	}
	if _, ok := obj["type"]; ok {
		return body
	}
	typ, _ := json.Marshal(detection.TypeDetectionUpdate)
	if _, ok := obj["detections"]; ok {
		obj["type"] = typ
		out, err := json.Marshal(obj)
		if err != nil {
			return body
		}
		return out
	}
	out, err := json.Marshal(map[string]json.RawMessage{
		"type":       typ,
		"detections": json.RawMessage("[]"),
		"stats":      body,
	})
	if err != nil {
		return body
	}
	return out
}
