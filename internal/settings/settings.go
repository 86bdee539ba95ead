// Package settings holds the user-tunable detection and alert preferences.
package settings

import (
	"context"
	"sync"

	"github.com/dj-oyu/sniper-watch/internal/kv"
	"github.com/dj-oyu/sniper-watch/internal/logger"
)

// DefaultKey is the storage key settings persist under.
const DefaultKey = "sniper.settings"

// Settings mirrors the persisted settings object.
type Settings struct {
	Threshold     float64 `json:"threshold"`
	IoU           float64 `json:"iou"`
	SoundAlerts   bool    `json:"soundAlerts"`
	BrowserAlerts bool    `json:"browserAlerts"`
	RecordEvents  bool    `json:"recordEvents"`
	APIEndpoint   string  `json:"apiEndpoint"`
}

// Defaults returns the factory settings.
func Defaults() Settings {
	return Settings{
		Threshold:     0.5,
		IoU:           0.45,
		SoundAlerts:   true,
		BrowserAlerts: false,
		RecordEvents:  true,
		APIEndpoint:   "",
	}
}

// ShouldRecord is the recording policy: recording on and score at or above
// the threshold.
func (s Settings) ShouldRecord(score float64) bool {
	return s.RecordEvents && score >= s.Threshold
}

func (s *Settings) normalize() {
	s.Threshold = clamp01(s.Threshold)
	s.IoU = clamp01(s.IoU)
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}

// Store guards the current settings and persists every update.
type Store struct {
	mu  sync.RWMutex
	cur Settings

	// persistMu keeps stored writes in update order.
	persistMu sync.Mutex

	kv  kv.Store
	key string
	log *logger.Module
}

// NewStore restores settings from s. Missing fields keep their defaults and
// corrupt data falls back to Defaults.
func NewStore(ctx context.Context, s kv.Store, key string, log *logger.Module) *Store {
	if key == "" {
		key = DefaultKey
	}
	if log == nil {
		log = logger.Discard().Module("Settings")
	}
	cur := Defaults()
	loaded := Defaults()
	if kv.LoadJSON(ctx, s, key, &loaded, log) {
		cur = loaded
	}
	cur.normalize()
	return &Store{cur: cur, kv: s, key: key, log: log}
}

// Get returns the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Update applies fn to a copy, clamps thresholds to [0,1], stores and
// persists the result.
func (s *Store) Update(fn func(*Settings)) Settings {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.Lock()
	next := s.cur
	fn(&next)
	next.normalize()
	s.cur = next
	s.mu.Unlock()

	kv.SaveJSON(context.Background(), s.kv, s.key, next, s.log)
	return next
}
