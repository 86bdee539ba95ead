// Package overlay turns detections and zones into canvas draw commands and
// rasterises them for snapshots.
package overlay

import (
	"fmt"
	"slices"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"

	"github.com/dj-oyu/sniper-watch/internal/detection"
	"github.com/dj-oyu/sniper-watch/internal/zones"
)

// Kind identifies a draw command.
type Kind string

const (
	FillPolygon    Kind = "fill_polygon"
	StrokePolygon  Kind = "stroke_polygon"
	StrokePolyline Kind = "stroke_polyline"
	FillRect       Kind = "fill_rect"
	StrokeRect     Kind = "stroke_rect"
	Text           Kind = "text"
)

// Command is one canvas operation. Which fields matter depends on Kind.
type Command struct {
	Kind      Kind              `json:"kind"`
	Points    []detection.Point `json:"points,omitempty"`
	Rect      detection.BBox    `json:"rect,omitzero"`
	At        detection.Point   `json:"at,omitzero"`
	Text      string            `json:"text,omitempty"`
	Stroke    Color             `json:"stroke,omitzero"`
	Fill      Color             `json:"fill,omitzero"`
	LineWidth float64           `json:"lineWidth,omitempty"`
	Dash      []float64         `json:"dash,omitempty"`
}

// Size is a width/height pair in pixels.
type Size struct {
	W int `json:"w"`
	H int `json:"h"`
}

func (s Size) valid() bool { return s.W > 0 && s.H > 0 }

// Scene is everything one frame of overlay depends on.
type Scene struct {
	Canvas     Size
	Source     Size // frame size detections are expressed in; zero means canvas pixels
	Zones      []zones.Zone
	Detections []detection.Detection
	Draft      []detection.Point // in-progress zone, drawn open
}

// Renderer produces draw commands. It holds only its style, so Render is a
// pure function of the scene.
type Renderer struct {
	style Style
	face  font.Face
}

// NewRenderer copies style.
func NewRenderer(style Style) *Renderer {
	style.Bands = slices.Clone(style.Bands)
	style.ZoneDash = slices.Clone(style.ZoneDash)
	style.DraftDash = slices.Clone(style.DraftDash)
	return &Renderer{style: style, face: basicfont.Face7x13}
}

// Style returns the renderer's style.
func (r *Renderer) Style() Style { return r.style }

// Band classifies score with the renderer's bands.
func (r *Renderer) Band(score float64) Band { return r.style.Band(score) }

// Label formats the text drawn above a detection box.
func Label(d detection.Detection) string {
	return fmt.Sprintf("%s %.1f%%", d.Label, d.Score*100)
}

// MeasureText returns the advance width of s in the overlay font.
func (r *Renderer) MeasureText(s string) float64 {
	return float64(font.MeasureString(r.face, s).Ceil())
}

// Render draws zones first, then the draft polygon, then detections so boxes
// stay on top.
func (r *Renderer) Render(sc Scene) []Command {
	var cmds []Command
	for _, z := range sc.Zones {
		cmds = append(cmds, r.zone(z)...)
	}
	if len(sc.Draft) > 0 {
		cmds = append(cmds, r.draft(sc.Draft))
	}
	sx, sy := ScaleFactors(sc.Source, sc.Canvas)
	for _, d := range sc.Detections {
		cmds = append(cmds, r.detection(d, d.BBox.Scale(sx, sy))...)
	}
	return cmds
}

// ScaleFactors maps source pixels to canvas pixels. Missing sizes give 1.
func ScaleFactors(source, canvas Size) (float64, float64) {
	if !source.valid() || !canvas.valid() {
		return 1, 1
	}
	return float64(canvas.W) / float64(source.W), float64(canvas.H) / float64(source.H)
}

func (r *Renderer) zone(z zones.Zone) []Command {
	if len(z) < 2 {
		return nil
	}
	pts := slices.Clone([]detection.Point(z))
	stroke := Command{
		Kind:      StrokePolygon,
		Points:    pts,
		Stroke:    r.style.ZoneStroke,
		LineWidth: r.style.ZoneLineWidth,
	}
	if r.style.DashedZones {
		stroke.Dash = slices.Clone(r.style.ZoneDash)
	}
	return []Command{
		{Kind: FillPolygon, Points: pts, Fill: r.style.ZoneFill},
		stroke,
	}
}

func (r *Renderer) draft(points []detection.Point) Command {
	return Command{
		Kind:      StrokePolyline,
		Points:    slices.Clone(points),
		Stroke:    r.style.DraftStroke,
		LineWidth: r.style.DraftLineWidth,
		Dash:      slices.Clone(r.style.DraftDash),
	}
}

func (r *Renderer) detection(d detection.Detection, box detection.BBox) []Command {
	band := r.style.Band(d.Score)
	clr := band.Color.WithAlpha(1)

	label := Label(d)
	labelW := r.MeasureText(label) + r.style.LabelPadding
	h := r.style.LabelHeight

	cmds := []Command{
		{Kind: FillRect, Rect: box, Fill: clr.WithAlpha(r.style.BoxFillAlpha)},
		{Kind: StrokeRect, Rect: box, Stroke: clr, LineWidth: r.style.BoxLineWidth},
		{Kind: FillRect, Rect: detection.BBox{X: box.X, Y: max(0, box.Y-h), W: labelW, H: h}, Fill: clr},
		{Kind: Text, Text: label, At: detection.Point{X: box.X + 4, Y: max(12, box.Y-4)}, Fill: r.style.LabelText},
	}
	if r.style.ShowBars && r.style.BarHeight > 0 {
		barY := box.Y + box.H
		cmds = append(cmds,
			Command{Kind: FillRect, Rect: detection.BBox{X: box.X, Y: barY, W: box.W, H: r.style.BarHeight}, Fill: clr.WithAlpha(r.style.BarBackAlpha)},
			Command{Kind: FillRect, Rect: detection.BBox{X: box.X, Y: barY, W: box.W * d.Score, H: r.style.BarHeight}, Fill: clr},
		)
	}
	return cmds
}
