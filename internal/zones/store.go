// Package zones holds the user-drawn polygons used to filter detections.
// Points are canvas pixels, matching what the zone editor records.
package zones

import (
	"context"
	"slices"
	"sync"

	"github.com/dj-oyu/sniper-watch/internal/detection"
	"github.com/dj-oyu/sniper-watch/internal/kv"
	"github.com/dj-oyu/sniper-watch/internal/logger"
)

// DefaultKey is the storage key zones persist under.
const DefaultKey = "sniper.zones"

// MinPoints is the smallest polygon the store accepts.
const MinPoints = 3

// Zone is an ordered, implicitly closed polygon.
type Zone []detection.Point

// Store is the in-memory zone set mirrored to a kv.Store.
type Store struct {
	mu    sync.RWMutex
	zones []Zone

	// persistMu orders stored writes with the mutations behind them.
	persistMu sync.Mutex

	kv  kv.Store
	key string
	log *logger.Module
}

// NewStore restores zones from s under key. Unreadable or invalid data
// yields an empty store. A nil s keeps zones in memory only.
func NewStore(ctx context.Context, s kv.Store, key string, log *logger.Module) *Store {
	if key == "" {
		key = DefaultKey
	}
	if log == nil {
		log = logger.Discard().Module("Zones")
	}
	st := &Store{kv: s, key: key, log: log}

	var saved []Zone
	if kv.LoadJSON(ctx, s, key, &saved, log) {
		for _, z := range saved {
			if len(z) >= MinPoints {
				st.zones = append(st.zones, z)
			}
		}
		log.Debug("restored %d zones", len(st.zones))
	}
	return st
}

// AddPolygon stores a copy of points. Drafts with fewer than MinPoints
// points are rejected and leave the store unchanged.
func (s *Store) AddPolygon(points []detection.Point) bool {
	if len(points) < MinPoints {
		return false
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.Lock()
	s.zones = append(s.zones, Zone(slices.Clone(points)))
	snapshot := s.copyLocked()
	s.mu.Unlock()

	s.persist(snapshot)
	return true
}

// Clear removes every zone.
func (s *Store) Clear() {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.Lock()
	s.zones = nil
	s.mu.Unlock()
	s.persist([]Zone{})
}

// Zones returns a deep copy of the stored polygons.
func (s *Store) Zones() []Zone {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// Len returns the number of zones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.zones)
}

// ContainsPoint returns the first zone containing p.
func (s *Store) ContainsPoint(p detection.Point) (Zone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, z := range s.zones {
		if z.Contains(p) {
			return slices.Clone(z), true
		}
	}
	return nil, false
}

// ContainsBox returns the first zone containing the box center or any of
// its corners.
func (s *Store) ContainsBox(b detection.BBox) (Zone, bool) {
	if z, ok := s.ContainsPoint(b.Center()); ok {
		return z, true
	}
	for _, c := range b.Corners() {
		if z, ok := s.ContainsPoint(c); ok {
			return z, true
		}
	}
	return nil, false
}

func (s *Store) copyLocked() []Zone {
	out := make([]Zone, len(s.zones))
	for i, z := range s.zones {
		out[i] = slices.Clone(z)
	}
	return out
}

func (s *Store) persist(zones []Zone) {
	kv.SaveJSON(context.Background(), s.kv, s.key, zones, s.log)
}

// Contains is an even-odd ray cast. Points exactly on an edge may land on
// either side.
func (z Zone) Contains(p detection.Point) bool {
	if len(z) < MinPoints {
		return false
	}
	inside := false
	for i, j := 0, len(z)-1; i < len(z); j, i = i, i+1 {
		a, b := z[i], z[j]
		if (a.Y > p.Y) != (b.Y > p.Y) &&
			p.X < (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y)+a.X {
			inside = !inside
		}
	}
	return inside
}

// Centroid is the vertex average, good enough for labelling convex zones.
func (z Zone) Centroid() detection.Point {
	var c detection.Point
	if len(z) == 0 {
		return c
	}
	for _, p := range z {
		c.X += p.X
		c.Y += p.Y
	}
	n := float64(len(z))
	return detection.Point{X: c.X / n, Y: c.Y / n}
}
