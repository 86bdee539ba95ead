package detection

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Protobuf wire layout shared with the camera-side detector:
//
//	message DetectionEvent {
//	  uint64 frame_number = 1;
//	  double timestamp = 2;
//	  repeated Detection detections = 3;
//	  string type = 4;
//	  int32 image_width = 5;
//	  int32 image_height = 6;
//	}
//	message Detection { BBox bbox = 1; float confidence = 2; int32 class_id = 3; string label = 4; }
//	message BBox { int32 x = 1; int32 y = 2; int32 w = 3; int32 h = 4; }
const (
	evFrameNumber protowire.Number = 1
	evTimestamp   protowire.Number = 2
	evDetections  protowire.Number = 3
	evType        protowire.Number = 4
	evImageWidth  protowire.Number = 5
	evImageHeight protowire.Number = 6

	detBBox       protowire.Number = 1
	detConfidence protowire.Number = 2
	detClassID    protowire.Number = 3
	detLabel      protowire.Number = 4

	boxX protowire.Number = 1
	boxY protowire.Number = 2
	boxW protowire.Number = 3
	boxH protowire.Number = 4
)

// EncodeWire serializes a message in the protobuf wire form.
func EncodeWire(msg Message) []byte {
	var b []byte
	if msg.FrameNumber != 0 {
		b = protowire.AppendTag(b, evFrameNumber, protowire.VarintType)
		b = protowire.AppendVarint(b, msg.FrameNumber)
	}
	if !msg.Received.IsZero() {
		b = protowire.AppendTag(b, evTimestamp, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(float64(msg.Received.UnixNano())/1e9))
	}
	for _, d := range msg.Detections {
		b = protowire.AppendTag(b, evDetections, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeDetection(d))
	}
	if msg.Type != "" {
		b = protowire.AppendTag(b, evType, protowire.BytesType)
		b = protowire.AppendString(b, string(msg.Type))
	}
	if msg.SourceWidth > 0 {
		b = protowire.AppendTag(b, evImageWidth, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(msg.SourceWidth))
	}
	if msg.SourceHeight > 0 {
		b = protowire.AppendTag(b, evImageHeight, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(msg.SourceHeight))
	}
	return b
}

func encodeDetection(d Detection) []byte {
	var box []byte
	for _, f := range []struct {
		num protowire.Number
		v   float64
	}{{boxX, d.BBox.X}, {boxY, d.BBox.Y}, {boxW, d.BBox.W}, {boxH, d.BBox.H}} {
		box = protowire.AppendTag(box, f.num, protowire.VarintType)
		box = protowire.AppendVarint(box, uint64(int64(math.Round(f.v))))
	}

	var b []byte
	b = protowire.AppendTag(b, detBBox, protowire.BytesType)
	b = protowire.AppendBytes(b, box)
	b = protowire.AppendTag(b, detConfidence, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(float32(d.Score)))
	b = protowire.AppendTag(b, detLabel, protowire.BytesType)
	b = protowire.AppendString(b, d.Label)
	return b
}

// DecodeWire parses the protobuf wire form. A frame without a type field is a
// detection_update, matching what the camera-side detector streams.
func DecodeWire(payload []byte, received time.Time) (Message, error) {
	msg := Message{Received: received}
	ts := received
	var dets [][]byte
	known := false

	err := walk(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num >= evFrameNumber && num <= evImageHeight {
			known = true
		}
		switch {
		case num == evFrameNumber && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			msg.FrameNumber = v
			return n, nil
		case num == evTimestamp && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n >= 0 {
				if sec := math.Float64frombits(v); sec > 0 {
					whole, frac := math.Modf(sec)
					ts = time.Unix(int64(whole), int64(frac*1e9))
				}
			}
			return n, nil
		case num == evDetections && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			dets = append(dets, v)
			return n, nil
		case num == evType && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			msg.Type = MessageType(v)
			return n, nil
		case num == evImageWidth && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			msg.SourceWidth = int(int32(v))
			return n, nil
		case num == evImageHeight && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			msg.SourceHeight = int(int32(v))
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return Message{}, err
	}
	if !known {
		return Message{}, fmt.Errorf("%w: no detection event fields", ErrMalformed)
	}

	if msg.Type == "" {
		msg.Type = TypeDetectionUpdate
	}
	msg.Detections = make([]Detection, 0, len(dets))
	for i, raw := range dets {
		d, err := decodeDetection(raw, ts)
		if err != nil {
			return Message{}, fmt.Errorf("detections[%d]: %w", i, err)
		}
		msg.Detections = append(msg.Detections, d)
	}
	return msg, nil
}

func decodeDetection(payload []byte, ts time.Time) (Detection, error) {
	d := Detection{Timestamp: ts, Label: "unknown"}
	err := walk(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == detBBox && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			box, err := decodeBox(v)
			if err != nil {
				return 0, err
			}
			d.BBox = box
			return n, nil
		case num == detConfidence && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			d.Score = clampScore(float64(math.Float32frombits(v)))
			return n, nil
		case num == detLabel && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if v != "" {
				d.Label = v
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return d, err
}

func decodeBox(payload []byte) (BBox, error) {
	var box BBox
	err := walk(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeVarint(b)
		f := float64(int32(v))
		switch num {
		case boxX:
			box.X = f
		case boxY:
			box.Y = f
		case boxW:
			box.W = f
		case boxH:
			box.H = f
		}
		return n, nil
	})
	return box, err
}

// walk iterates the fields of one message. fn consumes the field value and
// returns how many bytes it used (negative for a protowire error).
func walk(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
