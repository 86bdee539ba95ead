// Package events keeps the bounded, most-recent-first log of recorded
// detections.
package events

import (
	"context"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/sniper-watch/internal/detection"
	"github.com/dj-oyu/sniper-watch/internal/kv"
	"github.com/dj-oyu/sniper-watch/internal/logger"
)

const (
	// DefaultKey is the storage key events persist under.
	DefaultKey = "sniper.events"
	// DefaultCap bounds the log when no cap is configured.
	DefaultCap = 200
)

// Log is a capped event list, index 0 being the newest.
type Log struct {
	mu     sync.RWMutex
	events []detection.Event
	cap    int

	// persistMu is held from mutation through SaveJSON so stored writes
	// land in mutation order.
	persistMu sync.Mutex

	kv  kv.Store
	key string
	log *logger.Module
	now func() time.Time
}

// Option customises a Log.
type Option func(*Log)

// WithClock overrides time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New restores the log from s. A restored list longer than capacity is
// trimmed from the tail.
func New(ctx context.Context, s kv.Store, key string, capacity int, log *logger.Module, opts ...Option) *Log {
	if key == "" {
		key = DefaultKey
	}
	if capacity <= 0 {
		capacity = DefaultCap
	}
	if log == nil {
		log = logger.Discard().Module("Events")
	}
	l := &Log{cap: capacity, kv: s, key: key, log: log, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}

	var saved []detection.Event
	if kv.LoadJSON(ctx, s, key, &saved, log) {
		l.events = saved
		if dropped := l.evictLocked(capacity); dropped > 0 {
			log.Info("trimmed %d restored events to cap %d", dropped, capacity)
		}
	}
	return l
}

// Record prepends an event for det and enforces the cap. snapshot may be
// empty.
func (l *Log) Record(det detection.Detection, snapshot string) detection.Event {
	ev := detection.Event{
		ID:        uuid.NewString(),
		Time:      l.now(),
		Detection: det,
		Snapshot:  snapshot,
	}

	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	l.mu.Lock()
	l.events = slices.Insert(l.events, 0, ev)
	l.evictLocked(l.cap)
	snapshotList := slices.Clone(l.events)
	l.mu.Unlock()

	l.persist(snapshotList)
	return ev
}

// EvictExcess drops events from the tail until at most capacity remain and
// returns how many were dropped.
func (l *Log) EvictExcess(capacity int) int {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	l.mu.Lock()
	dropped := l.evictLocked(capacity)
	snapshotList := slices.Clone(l.events)
	l.mu.Unlock()

	if dropped > 0 {
		l.persist(snapshotList)
	}
	return dropped
}

func (l *Log) evictLocked(capacity int) int {
	if capacity < 0 {
		capacity = 0
	}
	if len(l.events) <= capacity {
		return 0
	}
	dropped := len(l.events) - capacity
	clear(l.events[capacity:])
	l.events = l.events[:capacity]
	return dropped
}

// Clear empties the log and persists the empty list.
func (l *Log) Clear() {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
	l.persist([]detection.Event{})
}

// All returns a copy of the log, newest first.
func (l *Log) All() []detection.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.events)
}

// Len returns the number of stored events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Cap returns the configured capacity.
func (l *Log) Cap() int { return l.cap }

// Filter lazily yields events matching pred, newest first. It iterates a
// snapshot taken on the first pull, so stored state is never touched.
func (l *Log) Filter(pred func(detection.Event) bool) iter.Seq[detection.Event] {
	return func(yield func(detection.Event) bool) {
		for _, ev := range l.All() {
			if pred != nil && !pred(ev) {
				continue
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// MatchLabel matches events whose label contains q, ignoring case. An empty
// query matches everything.
func MatchLabel(q string) func(detection.Event) bool {
	q = strings.ToLower(strings.TrimSpace(q))
	return func(ev detection.Event) bool {
		return q == "" || strings.Contains(strings.ToLower(ev.Detection.Label), q)
	}
}

// MinScore matches events at or above score.
func MinScore(score float64) func(detection.Event) bool {
	return func(ev detection.Event) bool { return ev.Detection.Score >= score }
}

func (l *Log) persist(list []detection.Event) {
	kv.SaveJSON(context.Background(), l.kv, l.key, list, l.log)
}
