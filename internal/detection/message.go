package detection

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("malformed detection message")

// Decode parses a backend frame. Frames starting with '{' are JSON, anything
// else is treated as the protobuf wire form. Unknown message types decode
// without error; callers check Message.Type.Known.
func Decode(payload []byte, received time.Time) (Message, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return Message{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if trimmed[0] == '{' {
		return decodeJSON(trimmed, received)
	}
	return DecodeWire(payload, received)
}

type rawMessage struct {
	Type        string         `json:"type"`
	Detections  []rawDetection `json:"detections"`
	Stats       map[string]any `json:"stats"`
	ImageWidth  int            `json:"image_width"`
	ImageHeight int            `json:"image_height"`
	FrameNumber uint64         `json:"frame_number"`
	Timestamp   *float64       `json:"timestamp"`
	Frame       string         `json:"frame"`
}

// rawDetection accepts the shapes the different backends emit: dashboard
// style {class, confidence, bbox:[x,y,w,h]}, monitor style {class_name,
// bbox:{x,y,w,h}} and detector style {cls, x1, y1, x2, y2}.
type rawDetection struct {
	Class      string          `json:"class"`
	Cls        string          `json:"cls"`
	ClassName  string          `json:"class_name"`
	Label      string          `json:"label"`
	Confidence *float64        `json:"confidence"`
	Score      *float64        `json:"score"`
	BBox       json.RawMessage `json:"bbox"`
	X1         *float64        `json:"x1"`
	Y1         *float64        `json:"y1"`
	X2         *float64        `json:"x2"`
	Y2         *float64        `json:"y2"`
}

func decodeJSON(payload []byte, received time.Time) (Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msg := Message{
		Type:         MessageType(raw.Type),
		Stats:        raw.Stats,
		SourceWidth:  raw.ImageWidth,
		SourceHeight: raw.ImageHeight,
		FrameNumber:  raw.FrameNumber,
		Received:     received,
	}

	ts := received
	if raw.Timestamp != nil && *raw.Timestamp > 0 {
		sec, frac := math.Modf(*raw.Timestamp)
		ts = time.Unix(int64(sec), int64(frac*1e9))
	}

	if raw.Frame != "" {
		frame, err := base64.StdEncoding.DecodeString(raw.Frame)
		if err != nil {
			return Message{}, fmt.Errorf("%w: frame: %v", ErrMalformed, err)
		}
		msg.Frame = frame
	}

	msg.Detections = make([]Detection, 0, len(raw.Detections))
	for i, rd := range raw.Detections {
		det, err := rd.toDetection(ts)
		if err != nil {
			return Message{}, fmt.Errorf("%w: detections[%d]: %v", ErrMalformed, i, err)
		}
		msg.Detections = append(msg.Detections, det)
	}
	return msg, nil
}

func (rd rawDetection) toDetection(ts time.Time) (Detection, error) {
	label := firstNonEmpty(rd.Class, rd.Cls, rd.ClassName, rd.Label)
	if label == "" {
		label = "unknown"
	}

	var score float64
	switch {
	case rd.Confidence != nil:
		score = *rd.Confidence
	case rd.Score != nil:
		score = *rd.Score
	default:
		return Detection{}, errors.New("missing confidence")
	}

	box, err := rd.box()
	if err != nil {
		return Detection{}, err
	}

	return Detection{
		Label:     label,
		Score:     clampScore(score),
		BBox:      box,
		Timestamp: ts,
	}, nil
}

func (rd rawDetection) box() (BBox, error) {
	if len(rd.BBox) > 0 && !bytes.Equal(rd.BBox, []byte("null")) {
		var arr []float64
		if err := json.Unmarshal(rd.BBox, &arr); err == nil {
			if len(arr) != 4 {
				return BBox{}, fmt.Errorf("bbox has %d values, want 4", len(arr))
			}
			return BBox{X: arr[0], Y: arr[1], W: arr[2], H: arr[3]}, nil
		}
		var obj BBox
		if err := json.Unmarshal(rd.BBox, &obj); err != nil {
			return BBox{}, fmt.Errorf("bbox: %v", err)
		}
		return obj, nil
	}

	if rd.X1 == nil || rd.Y1 == nil || rd.X2 == nil || rd.Y2 == nil {
		return BBox{}, errors.New("missing bbox")
	}
	x1, y1 := math.Min(*rd.X1, *rd.X2), math.Min(*rd.Y1, *rd.Y2)
	x2, y2 := math.Max(*rd.X1, *rd.X2), math.Max(*rd.Y1, *rd.Y2)
	return BBox{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
