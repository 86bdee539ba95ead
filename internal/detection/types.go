package detection

import (
	"time"
)

// Point is a 2D coordinate in canvas or source-frame pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BBox is an axis-aligned box in source-frame pixels.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Center returns the box center.
func (b BBox) Center() Point {
	return Point{X: b.X + b.W/2, Y: b.Y + b.H/2}
}

// Corners returns the four corners clockwise from top-left.
func (b BBox) Corners() [4]Point {
	return [4]Point{
		{X: b.X, Y: b.Y},
		{X: b.X + b.W, Y: b.Y},
		{X: b.X + b.W, Y: b.Y + b.H},
		{X: b.X, Y: b.Y + b.H},
	}
}

// Scale maps the box by independent x/y factors.
func (b BBox) Scale(sx, sy float64) BBox {
	return BBox{X: b.X * sx, Y: b.Y * sy, W: b.W * sx, H: b.H * sy}
}

// Detection is a single model output. It is a value type and is never
// mutated once built.
type Detection struct {
	Label     string    `json:"label"`
	Score     float64   `json:"score"`
	BBox      BBox      `json:"bbox"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is a recorded detection that crossed the recording threshold.
type Event struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	Detection Detection `json:"detection"`
	Snapshot  string    `json:"snapshot,omitempty"`
}

// MessageType tags inbound backend messages.
type MessageType string

const (
	TypeDetectionUpdate MessageType = "detection_update"
	TypeLiveDetection   MessageType = "live_detection"
)

// Known reports whether the manager should act on messages of this type.
func (t MessageType) Known() bool {
	return t == TypeDetectionUpdate || t == TypeLiveDetection
}

// Message is a decoded inbound backend message.
type Message struct {
	Type         MessageType    `json:"type"`
	Detections   []Detection    `json:"detections"`
	Stats        map[string]any `json:"stats,omitempty"`
	SourceWidth  int            `json:"image_width,omitempty"`
	SourceHeight int            `json:"image_height,omitempty"`
	FrameNumber  uint64         `json:"frame_number,omitempty"`
	Frame        []byte         `json:"-"` // optional JPEG the detections refer to
	Received     time.Time      `json:"received"`
}

func clampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
