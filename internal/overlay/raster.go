package overlay

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"

	"github.com/dj-oyu/sniper-watch/internal/detection"
)

// Rasterize draws cmds onto dst in order, alpha-compositing each one.
func Rasterize(dst draw.Image, cmds []Command) {
	b := dst.Bounds()
	for _, c := range cmds {
		switch c.Kind {
		case FillRect:
			fillRect(dst, c.Rect, c.Fill)
		case StrokeRect:
			strokeRect(dst, c.Rect, c.Stroke, c.LineWidth)
		case FillPolygon:
			if len(c.Points) < 3 {
				continue
			}
			z := vector.NewRasterizer(b.Dx(), b.Dy())
			z.MoveTo(float32(c.Points[0].X), float32(c.Points[0].Y))
			for _, p := range c.Points[1:] {
				z.LineTo(float32(p.X), float32(p.Y))
			}
			z.ClosePath()
			z.Draw(dst, b, image.NewUniform(c.Fill.NRGBA()), image.Point{})
		case StrokePolygon:
			strokePath(dst, closePath(c.Points), c.Stroke, c.LineWidth, c.Dash)
		case StrokePolyline:
			strokePath(dst, c.Points, c.Stroke, c.LineWidth, c.Dash)
		case Text:
			d := font.Drawer{
				Dst:  dst,
				Src:  image.NewUniform(c.Fill.NRGBA()),
				Face: basicfont.Face7x13,
				Dot:  fixed.P(int(math.Round(c.At.X)), int(math.Round(c.At.Y))),
			}
			d.DrawString(c.Text)
		}
	}
}

func fillRect(dst draw.Image, r detection.BBox, c Color) {
	rect := image.Rect(
		int(math.Round(r.X)), int(math.Round(r.Y)),
		int(math.Round(r.X+r.W)), int(math.Round(r.Y+r.H)),
	)
	draw.Draw(dst, rect.Intersect(dst.Bounds()), image.NewUniform(c.NRGBA()), image.Point{}, draw.Over)
}

func strokeRect(dst draw.Image, r detection.BBox, c Color, width float64) {
	w := max(width, 1)
	half := w / 2
	fillRect(dst, detection.BBox{X: r.X - half, Y: r.Y - half, W: r.W + w, H: w}, c)
	fillRect(dst, detection.BBox{X: r.X - half, Y: r.Y + r.H - half, W: r.W + w, H: w}, c)
	fillRect(dst, detection.BBox{X: r.X - half, Y: r.Y + half, W: w, H: r.H - w}, c)
	fillRect(dst, detection.BBox{X: r.X + r.W - half, Y: r.Y + half, W: w, H: r.H - w}, c)
}

func closePath(pts []detection.Point) []detection.Point {
	if len(pts) < 2 {
		return pts
	}
	return append(append([]detection.Point(nil), pts...), pts[0])
}

// strokePath draws every (dashed) segment as a quad into one rasterizer so
// overlapping joints do not double-blend.
func strokePath(dst draw.Image, pts []detection.Point, c Color, width float64, dash []float64) {
	if len(pts) < 2 {
		return
	}
	b := dst.Bounds()
	z := vector.NewRasterizer(b.Dx(), b.Dy())
	half := max(width, 1) / 2

	for _, seg := range dashSegments(pts, dash) {
		a, e := seg[0], seg[1]
		dx, dy := e.X-a.X, e.Y-a.Y
		l := math.Hypot(dx, dy)
		if l == 0 {
			continue
		}
		nx, ny := -dy/l*half, dx/l*half
		z.MoveTo(float32(a.X+nx), float32(a.Y+ny))
		z.LineTo(float32(e.X+nx), float32(e.Y+ny))
		z.LineTo(float32(e.X-nx), float32(e.Y-ny))
		z.LineTo(float32(a.X-nx), float32(a.Y-ny))
		z.ClosePath()
	}
	z.Draw(dst, b, image.NewUniform(c.NRGBA()), image.Point{})
}

// dashSegments splits a polyline into the "on" runs of a canvas-style dash
// pattern. An empty pattern yields the polyline's own segments.
func dashSegments(pts []detection.Point, dash []float64) [][2]detection.Point {
	var out [][2]detection.Point
	total := 0.0
	for _, d := range dash {
		total += d
	}
	if len(dash) == 0 || total <= 0 {
		for i := 1; i < len(pts); i++ {
			out = append(out, [2]detection.Point{pts[i-1], pts[i]})
		}
		return out
	}

	idx, left, on := 0, dash[0], true
	for i := 1; i < len(pts); i++ {
		a, e := pts[i-1], pts[i]
		segLen := math.Hypot(e.X-a.X, e.Y-a.Y)
		pos := 0.0
		for pos < segLen {
			step := min(left, segLen-pos)
			if on && step > 0 {
				t0, t1 := pos/segLen, (pos+step)/segLen
				out = append(out, [2]detection.Point{lerp(a, e, t0), lerp(a, e, t1)})
			}
			pos += step
			left -= step
			if left <= 0 {
				idx = (idx + 1) % len(dash)
				left = dash[idx]
				on = !on
			}
		}
	}
	return out
}

func lerp(a, b detection.Point, t float64) detection.Point {
	return detection.Point{X: a.X + (b.X-a.X)*t, Y: a.Y + (b.Y-a.Y)*t}
}

// Compose scales frame onto a canvas of the given size (black when frame is
// nil) and draws cmds over it.
func Compose(frame image.Image, size Size, cmds []Command) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, max(size.W, 1), max(size.H, 1)))
	if frame != nil {
		draw.ApproxBiLinear.Scale(canvas, canvas.Bounds(), frame, frame.Bounds(), draw.Src, nil)
	} else {
		draw.Draw(canvas, canvas.Bounds(), image.Black, image.Point{}, draw.Src)
	}
	Rasterize(canvas, cmds)
	return canvas
}

// Snapshot composes cmds over frame and encodes a JPEG, the still kept with
// each recorded event.
func Snapshot(frame image.Image, size Size, cmds []Command, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = 85
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Compose(frame, size, cmds), &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PNG rasterises cmds on a transparent canvas.
func PNG(size Size, cmds []Command) ([]byte, error) {
	canvas := image.NewRGBA(image.Rect(0, 0, max(size.W, 1), max(size.H, 1)))
	Rasterize(canvas, cmds)
	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
