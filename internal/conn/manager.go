// Package conn owns the single logical connection to a detection backend:
// dialing, retrying, falling back to polling and fanning decoded messages
// out to listeners.
package conn

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/dj-oyu/sniper-watch/internal/detection"
	"github.com/dj-oyu/sniper-watch/internal/logger"
	"github.com/dj-oyu/sniper-watch/internal/metrics"
)

// ErrEmptyEndpoint is returned by Connect when no endpoint is given.
var ErrEmptyEndpoint = errors.New("conn: empty endpoint")

// Config controls retry and fallback timing.
type Config struct {
	RetryDelay     time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`         // fixed delay between attempts
	BackoffMax     time.Duration `yaml:"backoff_max" env:"BACKOFF_MAX"`         // exponential backoff cap; disabled unless > RetryDelay
	JitterPct      int           `yaml:"jitter_pct" env:"JITTER_PCT"`           // +/- percentage applied to each delay
	FallbackAfter  int           `yaml:"fallback_after" env:"FALLBACK_AFTER"`   // consecutive primary failures before using the fallback
	FallbackWindow time.Duration `yaml:"fallback_window" env:"FALLBACK_WINDOW"` // how long a fallback session lasts before the primary is probed
	DialTimeout    time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
}

// DefaultConfig returns the live-view timings.
func DefaultConfig() Config {
	return Config{
		RetryDelay:     3 * time.Second,
		FallbackAfter:  3,
		FallbackWindow: 30 * time.Second,
		DialTimeout:    10 * time.Second,
	}
}

// Delay returns the wait before retry number attempt (1-based). rnd yields
// values in [0,1) and is only used when jitter is on.
func (c Config) Delay(attempt int, rnd func() float64) time.Duration {
	d := c.RetryDelay
	if c.BackoffMax > c.RetryDelay && d > 0 {
		for i := 1; i < attempt && d < c.BackoffMax; i++ {
			d *= 2
		}
		d = min(d, c.BackoffMax)
	}
	if c.JitterPct > 0 && rnd != nil {
		span := float64(d) * float64(c.JitterPct) / 100
		d += time.Duration((rnd()*2 - 1) * span)
	}
	return max(d, 0)
}

// Info is a point-in-time view of the manager.
type Info struct {
	Status        Status `json:"status"`
	Endpoint      string `json:"endpoint"`
	Transport     string `json:"transport,omitempty"`
	Failures      int    `json:"consecutive_failures"`
	UsingFallback bool   `json:"using_fallback"`
	RetryPending  bool   `json:"retry_pending"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithFallback sets the polling transport used after repeated primary
// failures. An empty endpoint reuses the primary endpoint.
func WithFallback(t Transport, endpoint string) Option {
	return func(m *Manager) {
		m.fallback = t
		m.fallbackEndpoint = endpoint
	}
}

// WithLogger sets the module logger.
func WithLogger(log *logger.Module) Option {
	return func(m *Manager) { m.log = log }
}

// WithMetrics wires connection counters.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithRand overrides the jitter source.
func WithRand(rnd func() float64) Option {
	return func(m *Manager) { m.rand = rnd }
}

type statusListener struct {
	id int
	fn func(StatusChange)
}

type messageListener struct {
	id int
	fn func(detection.Message)
}

// Manager runs one connection session at a time. Each Connect starts a new
// generation; Disconnect bumps it again so late dial results, reads and
// timer callbacks from the old session are discarded.
type Manager struct {
	cfg              Config
	primary          Transport
	fallback         Transport
	fallbackEndpoint string
	log              *logger.Module
	metrics          *metrics.Metrics
	rand             func() float64

	base       context.Context
	baseCancel context.CancelFunc
	closeOnce  sync.Once
	wg         sync.WaitGroup

	mu            sync.Mutex
	status        Status
	endpoint      string
	gen           uint64
	cancel        context.CancelFunc
	ctx           context.Context
	stream        Stream
	active        string
	failures      int // consecutive primary failures
	fbFailures    int // consecutive fallback failures
	attempt       int // consecutive failures on any transport
	usingFallback bool
	probeNow      bool
	retry         Timer
	window        Timer

	// notifyMu serialises transitions with listener dispatch so listeners
	// observe changes in order and never after the Disconnect that ended
	// their session.
	notifyMu  sync.Mutex
	lmu       sync.RWMutex
	nextID    int
	statusLs  []statusListener
	messageLs []messageListener
}

// New creates an idle manager.
func New(cfg Config, primary Transport, opts ...Option) *Manager {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}
	m := &Manager{
		cfg:     cfg,
		primary: primary,
		rand:    rand.Float64,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.For("Conn")
	}
	m.base, m.baseCancel = context.WithCancel(context.Background())
	return m
}

// OnStatus registers fn for status changes.
func (m *Manager) OnStatus(fn func(StatusChange)) (unsubscribe func()) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	id := m.nextID
	m.nextID++
	m.statusLs = append(m.statusLs, statusListener{id: id, fn: fn})
	return func() {
		m.lmu.Lock()
		defer m.lmu.Unlock()
		m.statusLs = slices.DeleteFunc(m.statusLs, func(l statusListener) bool { return l.id == id })
	}
}

// OnMessage registers fn for decoded detection messages.
func (m *Manager) OnMessage(fn func(detection.Message)) (unsubscribe func()) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	id := m.nextID
	m.nextID++
	m.messageLs = append(m.messageLs, messageListener{id: id, fn: fn})
	return func() {
		m.lmu.Lock()
		defer m.lmu.Unlock()
		m.messageLs = slices.DeleteFunc(m.messageLs, func(l messageListener) bool { return l.id == id })
	}
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Endpoint returns the endpoint of the current or last session.
func (m *Manager) Endpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoint
}

// Transport returns the name of the live transport, empty when not
// connected.
func (m *Manager) Transport() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Primary returns the name of the primary transport.
func (m *Manager) Primary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary.Name()
}

// SetPrimary replaces the primary transport. A live stream is left alone;
// the new transport is used from the next dial.
func (m *Manager) SetPrimary(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.primary = t
}

// Info returns a snapshot of the connection state.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{
		Status:        m.status,
		Endpoint:      m.endpoint,
		Transport:     m.active,
		Failures:      m.failures,
		UsingFallback: m.usingFallback,
		RetryPending:  m.retry.Pending(),
	}
}

// Connect starts a session against endpoint. It is a no-op unless the
// manager is Disconnected; the dial itself runs in the background.
func (m *Manager) Connect(endpoint string) error {
	if endpoint == "" {
		return ErrEmptyEndpoint
	}

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.status != Disconnected {
		m.mu.Unlock()
		return nil
	}
	if m.base.Err() != nil {
		m.mu.Unlock()
		return errors.New("conn: manager closed")
	}
	m.gen++
	gen := m.gen
	m.endpoint = endpoint
	m.ctx, m.cancel = context.WithCancel(m.base)
	ctx := m.ctx
	m.failures, m.fbFailures, m.attempt = 0, 0, 0
	m.usingFallback, m.probeNow = false, false
	change := m.setLocked(Connecting, nil)
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Info("connecting to %s", endpoint)
	m.dispatchStatus(change)
	go m.dial(gen, ctx)
	return nil
}

// Disconnect tears down the session, cancels pending retries and moves to
// Disconnected. No listener sees anything from the old session afterwards.
func (m *Manager) Disconnect() {
	m.notifyMu.Lock()

	m.mu.Lock()
	m.gen++
	m.retry.Cancel()
	m.window.Cancel()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	stream := m.stream
	m.stream = nil
	m.active = ""
	m.usingFallback = false
	var change *StatusChange
	if m.status != Disconnected {
		change = m.setLocked(Disconnected, nil)
	}
	m.mu.Unlock()

	if change != nil {
		m.log.Info("disconnected from %s", change.Endpoint)
		m.dispatchStatus(change)
	}
	m.notifyMu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			m.log.Debug("close stream: %v", err)
		}
	}
}

// Close disconnects and waits for background goroutines. The manager cannot
// be reused.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.Disconnect()
		m.baseCancel()
		m.wg.Wait()
	})
}

// setLocked changes status and returns the change to dispatch, or nil when
// the status is unchanged. Caller holds mu.
func (m *Manager) setLocked(to Status, err error) *StatusChange {
	if m.status == to {
		return nil
	}
	change := &StatusChange{
		From:      m.status,
		To:        to,
		Endpoint:  m.endpoint,
		Transport: m.active,
		Attempt:   m.attempt,
		Err:       err,
		At:        time.Now(),
	}
	m.status = to
	if m.metrics != nil {
		m.metrics.ConnectionState.Store(uint64(to))
	}
	return change
}

// pickLocked chooses the transport for the next dial.
func (m *Manager) pickLocked() (Transport, string, bool) {
	if m.fallback != nil && m.cfg.FallbackAfter > 0 && m.failures >= m.cfg.FallbackAfter {
		ep := m.fallbackEndpoint
		if ep == "" {
			ep = m.endpoint
		}
		return m.fallback, ep, true
	}
	return m.primary, m.endpoint, false
}

func (m *Manager) dial(gen uint64, ctx context.Context) {
	defer m.wg.Done()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	t, endpoint, isFallback := m.pickLocked()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ConnectAttempts.Add(1)
	}
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	stream, err := t.Dial(dctx, endpoint)
	cancel()
	if err != nil {
		m.dialFailed(gen, t.Name(), isFallback, err)
		return
	}

	m.notifyMu.Lock()
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.notifyMu.Unlock()
		stream.Close()
		return
	}
	m.stream = stream
	m.active = t.Name()
	m.usingFallback = isFallback
	m.attempt = 0
	m.fbFailures = 0
	if !isFallback {
		m.failures = 0
	}
	change := m.setLocked(Connected, nil)
	if isFallback && m.cfg.FallbackWindow > 0 {
		m.window.Schedule(m.cfg.FallbackWindow, func() { m.endFallback(gen, stream) })
	}
	m.mu.Unlock()

	if isFallback {
		m.log.Warn("using fallback %s for %s", t.Name(), m.cfg.FallbackWindow)
		if m.metrics != nil {
			m.metrics.Fallbacks.Add(1)
		}
	} else {
		m.log.Info("connected via %s", t.Name())
	}
	m.dispatchStatus(change)
	m.notifyMu.Unlock()

	m.read(gen, ctx, stream)
}

func (m *Manager) dialFailed(gen uint64, name string, isFallback bool, err error) {
	if m.metrics != nil {
		m.metrics.ConnectFailures.Add(1)
	}

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	// A fallback that keeps failing hands the session back to the primary
	// for another full round.
	backToPrimary := false
	if isFallback {
		m.fbFailures++
		if m.fbFailures >= max(m.cfg.FallbackAfter, 1) {
			m.failures, m.fbFailures = 0, 0
			backToPrimary = true
		}
	} else {
		m.failures++
	}
	m.attempt++
	delay := m.scheduleRetryLocked(gen)
	change := m.setLocked(Reconnecting, err)
	attempt := m.attempt
	m.mu.Unlock()

	if backToPrimary {
		m.log.Warn("fallback %s unavailable, retrying primary transport", name)
	}

	// Log the first failure loudly, then quietly until recovery.
	if attempt == 1 {
		m.log.Warn("%s dial failed: %v (retry in %s)", name, err, delay)
	} else {
		m.log.Debug("%s dial failed (attempt %d): %v (retry in %s)", name, attempt, err, delay)
	}
	m.dispatchStatus(change)
}

// scheduleRetryLocked arms the retry timer for the current session.
func (m *Manager) scheduleRetryLocked(gen uint64) time.Duration {
	delay := m.cfg.Delay(max(m.attempt, 1), m.rand)
	if m.probeNow {
		delay = 0
		m.probeNow = false
	}
	ctx := m.ctx
	m.retry.Schedule(delay, func() {
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.wg.Add(1)
		m.mu.Unlock()
		m.dial(gen, ctx)
	})
	return delay
}

func (m *Manager) read(gen uint64, ctx context.Context, stream Stream) {
	for {
		payload, err := stream.Recv(ctx)
		if err != nil {
			m.streamLost(gen, stream, err)
			return
		}
		received := time.Now()

		msg, err := detection.Decode(payload, received)
		if err != nil {
			m.log.Warn("dropping malformed message: %v", err)
			if m.metrics != nil {
				m.metrics.MessagesDropped.Add(1)
			}
			continue
		}
		if !msg.Type.Known() {
			m.log.Debug("ignoring message type %q", msg.Type)
			if m.metrics != nil {
				m.metrics.MessagesIgnored.Add(1)
			}
			continue
		}
		if m.metrics != nil {
			m.metrics.MessagesReceived.Add(1)
		}
		m.deliver(gen, msg)
	}
}

func (m *Manager) streamLost(gen uint64, stream Stream, err error) {
	stream.Close()

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if gen != m.gen || m.stream != stream {
		m.mu.Unlock()
		return
	}
	m.stream = nil
	m.window.Cancel()
	name := m.active
	planned := m.probeNow
	m.attempt++
	delay := m.scheduleRetryLocked(gen)
	change := m.setLocked(Reconnecting, err)
	m.active = ""
	m.mu.Unlock()

	if planned {
		m.log.Info("fallback window over, probing primary transport")
	} else {
		m.log.Warn("%s connection lost: %v (retry in %s)", name, err, delay)
		if m.metrics != nil {
			m.metrics.Reconnects.Add(1)
		}
	}
	m.dispatchStatus(change)
}

// endFallback closes a fallback stream whose window expired. The read loop
// then sees the closed stream and retries, this time on the primary.
func (m *Manager) endFallback(gen uint64, stream Stream) {
	m.mu.Lock()
	if gen != m.gen || m.stream != stream || !m.usingFallback {
		m.mu.Unlock()
		return
	}
	// One failed probe sends us straight back to the fallback.
	m.failures = max(m.cfg.FallbackAfter-1, 0)
	m.fbFailures = 0
	m.attempt = 0
	m.probeNow = true
	m.mu.Unlock()

	stream.Close()
}

func (m *Manager) deliver(gen uint64, msg detection.Message) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	current := gen == m.gen
	m.mu.Unlock()
	if !current {
		return
	}

	m.lmu.RLock()
	ls := slices.Clone(m.messageLs)
	m.lmu.RUnlock()
	for _, l := range ls {
		m.safeCall("message", func() { l.fn(msg) })
	}
}

// dispatchStatus runs status listeners. Caller holds notifyMu.
func (m *Manager) dispatchStatus(change *StatusChange) {
	if change == nil {
		return
	}
	m.lmu.RLock()
	ls := slices.Clone(m.statusLs)
	m.lmu.RUnlock()
	for _, l := range ls {
		m.safeCall("status", func() { l.fn(*change) })
	}
}

func (m *Manager) safeCall(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("%s listener panicked: %v", kind, r)
		}
	}()
	fn()
}
