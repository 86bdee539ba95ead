package detection

import (
	"errors"
	"math"
	"testing"
	"time"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-4 }

func TestDecodeDashboardShape(t *testing.T) {
	payload := []byte(`{"type":"detection_update","detections":[{"class":"sniper","confidence":0.85,"bbox":[10,10,50,50]}],"stats":{"total_detections":3}}`)
	msg, err := Decode(payload, time.Unix(100, 0))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Type != TypeDetectionUpdate || !msg.Type.Known() {
		t.Fatalf("type = %q", msg.Type)
	}
	if len(msg.Detections) != 1 {
		t.Fatalf("detections = %d", len(msg.Detections))
	}
	d := msg.Detections[0]
	if d.Label != "sniper" || d.Score != 0.85 {
		t.Fatalf("detection = %+v", d)
	}
	if d.BBox != (BBox{X: 10, Y: 10, W: 50, H: 50}) {
		t.Fatalf("bbox = %+v", d.BBox)
	}
	if msg.Stats["total_detections"].(float64) != 3 {
		t.Fatalf("stats = %v", msg.Stats)
	}
}

func TestDecodeCornerAndObjectShapes(t *testing.T) {
	payload := []byte(`{"type":"live_detection","image_width":640,"image_height":480,"detections":[
		{"cls":"sniper","confidence":0.7,"x1":100,"y1":50,"x2":60,"y2":90},
		{"class_name":"person","score":1.4,"bbox":{"x":1,"y":2,"w":3,"h":4}}]}`)
	msg, err := Decode(payload, time.Now())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.SourceWidth != 640 || msg.SourceHeight != 480 {
		t.Fatalf("source size = %dx%d", msg.SourceWidth, msg.SourceHeight)
	}
	if got := msg.Detections[0].BBox; got != (BBox{X: 60, Y: 50, W: 40, H: 40}) {
		t.Fatalf("corner bbox = %+v", got)
	}
	second := msg.Detections[1]
	if second.Label != "person" || second.Score != 1 {
		t.Fatalf("score should clamp to 1, got %+v", second)
	}
}

func TestDecodeUnknownTypeIsNotAnError(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"camera_status","message":"started"}`), time.Now())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Type.Known() {
		t.Fatalf("camera_status should not be a known type")
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := [][]byte{
		[]byte(`{not json`),
		[]byte(``),
		[]byte(`{"type":"detection_update","detections":[{"class":"sniper","bbox":[1,2,3,4]}]}`),
		[]byte(`{"type":"detection_update","detections":[{"class":"sniper","confidence":0.5}]}`),
		[]byte(`{"type":"detection_update","detections":[{"class":"sniper","confidence":0.5,"bbox":[1,2]}]}`),
	}
	for _, c := range cases {
		if _, err := Decode(c, time.Now()); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Decode(%q) err = %v, want ErrMalformed", c, err)
		}
	}
}

func TestWireRoundTrip(t *testing.T) {
	in := Message{
		Type:         TypeLiveDetection,
		FrameNumber:  42,
		SourceWidth:  1280,
		SourceHeight: 720,
		Received:     time.Unix(1700000000, 500_000_000),
		Detections: []Detection{
			{Label: "sniper", Score: 0.85, BBox: BBox{X: 10, Y: 20, W: 30, H: 40}},
		},
	}
	out, err := Decode(EncodeWire(in), time.Now())
	if err != nil {
		t.Fatalf("Decode wire: %v", err)
	}
	if out.Type != TypeLiveDetection || out.FrameNumber != 42 {
		t.Fatalf("header = %+v", out)
	}
	if out.SourceWidth != 1280 || out.SourceHeight != 720 {
		t.Fatalf("source size = %dx%d", out.SourceWidth, out.SourceHeight)
	}
	if len(out.Detections) != 1 {
		t.Fatalf("detections = %d", len(out.Detections))
	}
	d := out.Detections[0]
	if d.Label != "sniper" || !approx(d.Score, 0.85) || d.BBox != in.Detections[0].BBox {
		t.Fatalf("detection = %+v", d)
	}
	if d.Timestamp.Unix() != 1700000000 {
		t.Fatalf("timestamp = %v", d.Timestamp)
	}
}

func TestDecodeWireDefaultsType(t *testing.T) {
	wire := EncodeWire(Message{FrameNumber: 7})
	msg, err := DecodeWire(wire, time.Now())
	if err != nil {
		t.Fatalf("DecodeWire: %v", err)
	}
	if msg.Type != TypeDetectionUpdate {
		t.Fatalf("type = %q", msg.Type)
	}
}

func TestBBoxGeometry(t *testing.T) {
	b := BBox{X: 10, Y: 20, W: 40, H: 60}
	if c := b.Center(); c != (Point{X: 30, Y: 50}) {
		t.Fatalf("center = %+v", c)
	}
	if s := b.Scale(0.5, 2); s != (BBox{X: 5, Y: 40, W: 20, H: 120}) {
		t.Fatalf("scale = %+v", s)
	}
	if corners := b.Corners(); corners[2] != (Point{X: 50, Y: 80}) {
		t.Fatalf("corners = %+v", corners)
	}
}
