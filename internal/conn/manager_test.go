package conn

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dj-oyu/sniper-watch/internal/detection"
	"github.com/dj-oyu/sniper-watch/internal/logger"
	"github.com/dj-oyu/sniper-watch/internal/metrics"
)

type fakeStream struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-s.frames:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-s.closed:
		return nil, errors.New("stream closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeTransport struct {
	name     string
	failures atomic.Int32 // remaining failures; negative fails forever
	dials    atomic.Int32
	streams  chan *fakeStream

	mu    sync.Mutex
	times []time.Time
}

func newFakeTransport(name string, failures int32) *fakeTransport {
	t := &fakeTransport{name: name, streams: make(chan *fakeStream, 32)}
	t.failures.Store(failures)
	return t
}

func (t *fakeTransport) Name() string { return t.name }

func (t *fakeTransport) Dial(ctx context.Context, endpoint string) (Stream, error) {
	t.dials.Add(1)
	t.mu.Lock()
	t.times = append(t.times, time.Now())
	t.mu.Unlock()

	if n := t.failures.Load(); n != 0 {
		if n > 0 {
			t.failures.Add(-1)
		}
		return nil, errors.New("connection refused")
	}
	s := newFakeStream()
	t.streams <- s
	return s, nil
}

func (t *fakeTransport) dialTimes() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Time(nil), t.times...)
}

func quietLog() *logger.Module { return logger.Discard().Module("Conn") }

func recordStatus(m *Manager) <-chan StatusChange {
	ch := make(chan StatusChange, 128)
	m.OnStatus(func(c StatusChange) { ch <- c })
	return ch
}

func waitStatus(t *testing.T, ch <-chan StatusChange, want Status, timeout time.Duration) StatusChange {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case c := <-ch:
			if c.To == want {
				return c
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func waitStream(t *testing.T, tr *fakeTransport) *fakeStream {
	t.Helper()
	select {
	case s := <-tr.streams:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("%s never produced a stream", tr.name)
	}
	return nil
}

func TestConnectEmptyEndpoint(t *testing.T) {
	m := New(DefaultConfig(), newFakeTransport("ws", 0), WithLogger(quietLog()))
	defer m.Close()
	if err := m.Connect(""); !errors.Is(err, ErrEmptyEndpoint) {
		t.Fatalf("Connect(\"\") = %v", err)
	}
	if m.Status() != Disconnected {
		t.Fatalf("status = %s", m.Status())
	}
}

func TestRetryWithinDelayWindow(t *testing.T) {
	const delay = 300 * time.Millisecond
	tr := newFakeTransport("ws", 1)
	m := New(Config{RetryDelay: delay}, tr, WithLogger(quietLog()))
	defer m.Close()
	statuses := recordStatus(m)

	if err := m.Connect("ws://backend/ws"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitStatus(t, statuses, Connecting, time.Second)
	c := waitStatus(t, statuses, Reconnecting, time.Second)
	if c.Err == nil {
		t.Fatalf("Reconnecting change should carry the dial error")
	}
	waitStatus(t, statuses, Connected, 2*time.Second)

	times := tr.dialTimes()
	if len(times) != 2 {
		t.Fatalf("dials = %d, want 2", len(times))
	}
	gap := times[1].Sub(times[0])
	if gap < delay || gap > delay+500*time.Millisecond {
		t.Fatalf("retry after %s, want within [%s, %s]", gap, delay, delay+500*time.Millisecond)
	}
	if m.Transport() != "ws" {
		t.Fatalf("transport = %q", m.Transport())
	}
}

func TestNoTransitionsAfterDisconnect(t *testing.T) {
	tr := newFakeTransport("ws", -1)
	m := New(Config{RetryDelay: 40 * time.Millisecond}, tr, WithLogger(quietLog()))
	defer m.Close()
	statuses := recordStatus(m)

	m.Connect("ws://backend/ws")
	waitStatus(t, statuses, Reconnecting, time.Second)
	m.Disconnect()
	waitStatus(t, statuses, Disconnected, time.Second)
	dials := tr.dials.Load()

	time.Sleep(200 * time.Millisecond)
	select {
	case c := <-statuses:
		t.Fatalf("transition after Disconnect: %s -> %s", c.From, c.To)
	default:
	}
	if got := tr.dials.Load(); got != dials {
		t.Fatalf("dials went from %d to %d after Disconnect", dials, got)
	}
	if m.Status() != Disconnected {
		t.Fatalf("status = %s", m.Status())
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	tr := newFakeTransport("ws", 0)
	m := New(DefaultConfig(), tr, WithLogger(quietLog()))
	defer m.Close()
	statuses := recordStatus(m)

	m.Connect("ws://backend/ws")
	m.Connect("ws://backend/ws")
	waitStatus(t, statuses, Connected, time.Second)
	m.Connect("ws://other/ws")

	time.Sleep(50 * time.Millisecond)
	if n := tr.dials.Load(); n != 1 {
		t.Fatalf("dials = %d, want 1", n)
	}
	if m.Endpoint() != "ws://backend/ws" {
		t.Fatalf("endpoint = %q", m.Endpoint())
	}
	select {
	case c := <-statuses:
		t.Fatalf("unexpected transition %s -> %s", c.From, c.To)
	default:
	}
}

func TestMalformedPayloadsAreDropped(t *testing.T) {
	tr := newFakeTransport("ws", 0)
	mt := metrics.New()
	m := New(DefaultConfig(), tr, WithLogger(quietLog()), WithMetrics(mt))
	defer m.Close()

	got := make(chan detection.Message, 8)
	m.OnMessage(func(detection.Message) { panic("listener bug") })
	m.OnMessage(func(msg detection.Message) { got <- msg })

	m.Connect("ws://backend/ws")
	s := waitStream(t, tr)
	s.frames <- []byte(`{not json`)
	s.frames <- []byte(`{"type":"camera_status","message":"started"}`)
	s.frames <- []byte(`{"type":"detection_update","detections":[{"class":"sniper","confidence":0.85,"bbox":[10,10,50,50]}]}`)

	select {
	case msg := <-got:
		if len(msg.Detections) != 1 || msg.Detections[0].Score != 0.85 {
			t.Fatalf("message = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("valid message not delivered")
	}
	if mt.MessagesDropped.Load() != 1 || mt.MessagesIgnored.Load() != 1 || mt.MessagesReceived.Load() != 1 {
		t.Fatalf("dropped=%d ignored=%d received=%d",
			mt.MessagesDropped.Load(), mt.MessagesIgnored.Load(), mt.MessagesReceived.Load())
	}
	if m.Status() != Connected {
		t.Fatalf("status = %s after bad payloads", m.Status())
	}
}

func TestStreamLossReconnects(t *testing.T) {
	tr := newFakeTransport("ws", 0)
	m := New(Config{RetryDelay: 20 * time.Millisecond}, tr, WithLogger(quietLog()))
	defer m.Close()
	statuses := recordStatus(m)

	m.Connect("ws://backend/ws")
	s := waitStream(t, tr)
	waitStatus(t, statuses, Connected, time.Second)

	close(s.frames)
	c := waitStatus(t, statuses, Reconnecting, time.Second)
	if c.From != Connected {
		t.Fatalf("from = %s", c.From)
	}
	waitStatus(t, statuses, Connected, time.Second)
	if tr.dials.Load() != 2 {
		t.Fatalf("dials = %d", tr.dials.Load())
	}
}

func TestFallbackAndPrimaryProbe(t *testing.T) {
	primary := newFakeTransport("ws", -1)
	poll := newFakeTransport("poll", 0)
	m := New(Config{
		RetryDelay:     10 * time.Millisecond,
		FallbackAfter:  2,
		FallbackWindow: 150 * time.Millisecond,
	}, primary, WithFallback(poll, "http://backend/api/stats"), WithLogger(quietLog()))
	defer m.Close()
	statuses := recordStatus(m)

	m.Connect("ws://backend/ws")
	c := waitStatus(t, statuses, Connected, time.Second)
	if c.Transport != "poll" || !m.Info().UsingFallback {
		t.Fatalf("connected via %q, want poll", c.Transport)
	}
	if n := primary.dials.Load(); n != 2 {
		t.Fatalf("primary dials before fallback = %d, want 2", n)
	}

	// The window expires, the primary is probed once and fails, and the
	// fallback takes over again.
	waitStatus(t, statuses, Reconnecting, time.Second)
	waitStatus(t, statuses, Connected, time.Second)
	if n := primary.dials.Load(); n != 3 {
		t.Fatalf("primary dials after window = %d, want 3", n)
	}
	if n := poll.dials.Load(); n != 2 {
		t.Fatalf("fallback dials = %d, want 2", n)
	}
}

func TestPrimaryRecoveryLeavesFallback(t *testing.T) {
	primary := newFakeTransport("ws", 2)
	poll := newFakeTransport("poll", 0)
	m := New(Config{
		RetryDelay:     10 * time.Millisecond,
		FallbackAfter:  2,
		FallbackWindow: 100 * time.Millisecond,
	}, primary, WithFallback(poll, ""), WithLogger(quietLog()))
	defer m.Close()
	statuses := recordStatus(m)

	m.Connect("ws://backend/ws")
	waitStatus(t, statuses, Connected, time.Second)
	waitStatus(t, statuses, Reconnecting, time.Second)
	c := waitStatus(t, statuses, Connected, time.Second)
	if c.Transport != "ws" || m.Info().UsingFallback {
		t.Fatalf("expected primary after probe, got %q", c.Transport)
	}
}

func TestFailingFallbackReturnsToPrimary(t *testing.T) {
	primary := newFakeTransport("ws", 2)
	poll := newFakeTransport("poll", -1)
	m := New(Config{
		RetryDelay:     10 * time.Millisecond,
		FallbackAfter:  2,
		FallbackWindow: time.Minute,
	}, primary, WithFallback(poll, "http://backend/api/stats"), WithLogger(quietLog()))
	defer m.Close()
	statuses := recordStatus(m)

	m.Connect("ws://backend/ws")
	c := waitStatus(t, statuses, Connected, time.Second)
	if c.Transport != "ws" || m.Info().UsingFallback {
		t.Fatalf("connected via %q, want ws", c.Transport)
	}
	if n := poll.dials.Load(); n != 2 {
		t.Fatalf("fallback dials = %d, want 2", n)
	}
	if n := primary.dials.Load(); n != 3 {
		t.Fatalf("primary dials = %d, want 3", n)
	}
	if f := m.Info().Failures; f != 0 {
		t.Fatalf("failures after recovery = %d", f)
	}
}

func TestDelay(t *testing.T) {
	fixed := Config{RetryDelay: 3 * time.Second}
	for attempt := 1; attempt < 6; attempt++ {
		if d := fixed.Delay(attempt, nil); d != 3*time.Second {
			t.Fatalf("fixed Delay(%d) = %s", attempt, d)
		}
	}

	backoff := Config{RetryDelay: time.Second, BackoffMax: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if d := backoff.Delay(i+1, nil); d != w {
			t.Fatalf("backoff Delay(%d) = %s, want %s", i+1, d, w)
		}
	}

	jitter := Config{RetryDelay: time.Second, JitterPct: 10}
	if d := jitter.Delay(1, func() float64 { return 1 }); d != 1100*time.Millisecond {
		t.Fatalf("max jitter = %s", d)
	}
	if d := jitter.Delay(1, func() float64 { return 0 }); d != 900*time.Millisecond {
		t.Fatalf("min jitter = %s", d)
	}
}

func TestCloseStopsEverything(t *testing.T) {
	tr := newFakeTransport("ws", 0)
	m := New(DefaultConfig(), tr, WithLogger(quietLog()))
	m.Connect("ws://backend/ws")
	s := waitStream(t, tr)
	m.Close()

	select {
	case <-s.closed:
	default:
		t.Fatalf("stream not closed by Close")
	}
	if err := m.Connect("ws://backend/ws"); err == nil {
		t.Fatalf("Connect after Close should fail")
	}
}
