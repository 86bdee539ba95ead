package overlay

import (
	"fmt"
	"image/color"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Color is an sRGB colour with a canvas-style float alpha.
type Color struct {
	R, G, B uint8
	A       float64
}

// Hex parses "#rrggbb" into an opaque colour. Invalid input yields opaque
// black.
func Hex(s string) Color {
	s = strings.TrimPrefix(s, "#")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil || len(s) != 6 {
		return Color{A: 1}
	}
	return Color{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 1}
}

// RGBA builds a colour from components.
func RGBA(r, g, b uint8, a float64) Color {
	return Color{R: r, G: g, B: b, A: a}
}

// WithAlpha returns c with alpha a.
func (c Color) WithAlpha(a float64) Color {
	c.A = a
	return c
}

// NRGBA converts to the image/color form used for rasterising.
func (c Color) NRGBA() color.NRGBA {
	a := math.Round(min(max(c.A, 0), 1) * 255)
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: uint8(a)}
}

// String renders a CSS colour, e.g. "rgba(255,107,107,0.15)".
func (c Color) String() string {
	return fmt.Sprintf("rgba(%d,%d,%d,%s)", c.R, c.G, c.B, strconv.FormatFloat(c.A, 'f', -1, 64))
}

// MarshalText lets commands serialise colours as CSS strings for canvas
// clients.
func (c Color) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Band is one confidence range and its colour.
type Band struct {
	Name  string  `json:"name"`
	Min   float64 `json:"min"`
	Color Color   `json:"color"`
}

// DefaultBands are the high/medium/low thresholds used by the live view.
func DefaultBands() []Band {
	return []Band{
		{Name: "high", Min: 0.6, Color: Hex("#ff6b6b")},
		{Name: "medium", Min: 0.4, Color: Hex("#ffb020")},
		{Name: "low", Min: 0, Color: Hex("#19c37d")},
	}
}

// Style holds every presentation constant the renderer uses.
type Style struct {
	Bands []Band

	BoxLineWidth float64
	BoxFillAlpha float64

	LabelHeight  float64
	LabelPadding float64 // added to the measured text width
	LabelText    Color

	ShowBars     bool
	BarHeight    float64
	BarBackAlpha float64

	ZoneStroke    Color
	ZoneFill      Color
	ZoneLineWidth float64
	DashedZones   bool
	ZoneDash      []float64

	DraftStroke    Color
	DraftLineWidth float64
	DraftDash      []float64
}

// DefaultStyle matches the live monitor look.
func DefaultStyle() Style {
	return Style{
		Bands:          DefaultBands(),
		BoxLineWidth:   3,
		BoxFillAlpha:   0.15,
		LabelHeight:    18,
		LabelPadding:   8,
		LabelText:      Hex("#0b0f19"),
		ShowBars:       true,
		BarHeight:      4,
		BarBackAlpha:   0.3,
		ZoneStroke:     RGBA(59, 130, 246, 0.9),
		ZoneFill:       RGBA(59, 130, 246, 0.12),
		ZoneLineWidth:  2,
		ZoneDash:       []float64{6, 4},
		DraftStroke:    RGBA(255, 255, 255, 0.6),
		DraftLineWidth: 1,
		DraftDash:      []float64{4, 4},
	}
}

// Band returns the band score falls into. Bands are checked from the
// highest minimum down; scores below every minimum get the lowest band.
func (s Style) Band(score float64) Band {
	bands := s.Bands
	if len(bands) == 0 {
		bands = DefaultBands()
	}
	sorted := slices.SortedFunc(slices.Values(bands), func(a, b Band) int {
		switch {
		case a.Min > b.Min:
			return -1
		case a.Min < b.Min:
			return 1
		}
		return 0
	})
	for _, b := range sorted {
		if score >= b.Min {
			return b
		}
	}
	return sorted[len(sorted)-1]
}

// BandFor classifies score with the default bands.
func BandFor(score float64) Band {
	return Style{}.Band(score)
}
