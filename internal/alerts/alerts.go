// Package alerts carries operator-facing notifications: detection alarms
// and connection notices.
package alerts

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dj-oyu/sniper-watch/internal/broker"
	"github.com/dj-oyu/sniper-watch/internal/detection"
	"github.com/dj-oyu/sniper-watch/internal/fanout"
	"github.com/dj-oyu/sniper-watch/internal/logger"
)

// Level is the alert severity.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Alert is one notification. Sound and Browser tell the UI which channels
// to use.
type Alert struct {
	Level   Level     `json:"level"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Time    time.Time `json:"time"`
	Sound   bool      `json:"sound"`
	Browser bool      `json:"browser"`
	EventID string    `json:"event_id,omitempty"`
}

// Detection builds the alarm for a recorded event.
func Detection(ev detection.Event, sound, browser bool) Alert {
	return Alert{
		Level:   LevelError,
		Title:   "Sniper detected",
		Body:    fmt.Sprintf("%d%% confidence", int(math.Round(ev.Detection.Score*100))),
		Time:    ev.Time,
		Sound:   sound,
		Browser: browser,
		EventID: ev.ID,
	}
}

// Notice builds a plain notice.
func Notice(level Level, title, body string) Alert {
	return Alert{Level: level, Title: title, Body: body, Time: time.Now()}
}

// Sink receives every raised alert.
type Sink interface {
	Send(a Alert) error
}

// Hub fans alerts out to subscribers and sinks.
type Hub struct {
	subs *fanout.Hub[Alert]

	mu     sync.RWMutex
	sinks  []Sink
	recent []Alert
	keep   int
	log    *logger.Module
}

// NewHub creates a hub that remembers the last keep alerts.
func NewHub(keep int, sinks ...Sink) *Hub {
	if keep <= 0 {
		keep = 20
	}
	return &Hub{
		subs:  fanout.New[Alert]("Alerts", 8),
		sinks: sinks,
		keep:  keep,
		log:   logger.For("Alerts"),
	}
}

// AddSink registers another sink.
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	h.sinks = append(h.sinks, s)
	h.mu.Unlock()
}

// Raise publishes a. Sink failures are logged and do not stop delivery.
func (h *Hub) Raise(a Alert) {
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	h.mu.Lock()
	h.recent = append([]Alert{a}, h.recent...)
	if len(h.recent) > h.keep {
		h.recent = h.recent[:h.keep]
	}
	sinks := h.sinks
	h.mu.Unlock()

	h.subs.Publish(a)
	for _, s := range sinks {
		if err := s.Send(a); err != nil {
			h.log.Warn("Alert sink failed: %v", err)
		}
	}
}

// Recent returns the remembered alerts, newest first.
func (h *Hub) Recent() []Alert {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Alert, len(h.recent))
	copy(out, h.recent)
	return out
}

// Subscribe returns a channel of alerts raised from now on.
func (h *Hub) Subscribe() (int, <-chan Alert) { return h.subs.Subscribe() }

// Unsubscribe removes a subscriber.
func (h *Hub) Unsubscribe(id int) { h.subs.Unsubscribe(id) }

// Close closes all subscriber channels.
func (h *Hub) Close() { h.subs.Close() }

// BrokerSink publishes alerts as JSON on an MQTT topic or NATS subject.
type BrokerSink struct {
	Broker broker.Broker
	Topic  string
}

func (s BrokerSink) Send(a Alert) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := s.Broker.Publish(s.Topic, b); err != nil {
		return fmt.Errorf("publish %s: %w", s.Topic, err)
	}
	return nil
}
