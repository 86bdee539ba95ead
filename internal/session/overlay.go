package session

import (
	"github.com/samber/lo"

	"github.com/dj-oyu/sniper-watch/internal/detection"
	"github.com/dj-oyu/sniper-watch/internal/overlay"
	"github.com/dj-oyu/sniper-watch/internal/zones"
)

// Overlay returns the draw commands for the latest detections, the saved
// zones and an optional draft polygon, scaled to size. A zero size means the
// session canvas. The draft is in size pixels.
func (s *Session) Overlay(size overlay.Size, draft []detection.Point) []overlay.Command {
	return s.Renderer.Render(s.scene(size, draft))
}

// OverlayPNG rasterises Overlay on a transparent canvas.
func (s *Session) OverlayPNG(size overlay.Size, draft []detection.Point) ([]byte, error) {
	sc := s.scene(size, draft)
	return overlay.PNG(sc.Canvas, s.Renderer.Render(sc))
}

// SnapshotJPEG draws the overlay over the latest frame, or a black canvas
// when no frame has arrived.
func (s *Session) SnapshotJPEG(size overlay.Size) ([]byte, error) {
	sc := s.scene(size, nil)
	s.mu.RLock()
	frame := s.frame
	s.mu.RUnlock()
	return overlay.Snapshot(frame, sc.Canvas, s.Renderer.Render(sc), s.cfg.SnapshotQuality)
}

func (s *Session) scene(size overlay.Size, draft []detection.Point) overlay.Scene {
	if size.W <= 0 || size.H <= 0 {
		size = s.cfg.Canvas
	}
	sx, sy := overlay.ScaleFactors(s.cfg.Canvas, size)
	scaled := lo.Map(s.Zones.Zones(), func(z zones.Zone, _ int) zones.Zone {
		return lo.Map(z, func(p detection.Point, _ int) detection.Point {
			return detection.Point{X: p.X * sx, Y: p.Y * sy}
		})
	})
	return overlay.Scene{
		Canvas:     size,
		Source:     s.cfg.Canvas,
		Zones:      scaled,
		Detections: s.Latest().Detections,
		Draft:      draft,
	}
}
