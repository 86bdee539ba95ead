package monitor

import (
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/sniper-watch/internal/detection"
	"github.com/dj-oyu/sniper-watch/internal/webrtc"
)

const sniperFrame = `{"type":"detection_update","frame_number":7,"detections":[{"class":"sniper","confidence":0.85,"bbox":[100,100,50,80]}]}`

func TestStatus(t *testing.T) {
	c := newAPIClient(t, nil)
	resp, body := c.get(t, "/api/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/status status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	connection := requireMap(t, payload["connection"], "connection")
	if connection["status"] != "disconnected" {
		t.Fatalf("status = %v", connection["status"])
	}
	if payload["event_cap"] != float64(200) {
		t.Fatalf("event_cap = %v", payload["event_cap"])
	}
	settings := requireMap(t, payload["settings"], "settings")
	if settings["threshold"] != 0.5 {
		t.Fatalf("threshold = %v", settings["threshold"])
	}
}

func TestZonesAPI(t *testing.T) {
	c := newAPIClient(t, nil)

	resp, body := c.do(t, http.MethodPost, "/api/zones", map[string]any{
		"points": []map[string]float64{{"x": 0, "y": 0}, {"x": 10, "y": 0}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("2-point zone status = %d body=%s", resp.StatusCode, body)
	}
	resp, _ = c.do(t, http.MethodPost, "/api/zones", "not an object")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("garbage zone status = %d", resp.StatusCode)
	}

	resp, body = c.do(t, http.MethodPost, "/api/zones", map[string]any{
		"points": []map[string]float64{{"x": 0, "y": 0}, {"x": 10, "y": 0}, {"x": 10, "y": 10}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /api/zones status = %d body=%s", resp.StatusCode, body)
	}
	zones := requireSlice(t, decodeJSONMap(t, body)["zones"], "zones")
	if len(zones) != 1 || len(requireSlice(t, zones[0], "zones[0]")) != 3 {
		t.Fatalf("zones = %v", zones)
	}

	resp, _ = c.do(t, http.MethodDelete, "/api/zones", nil)
	if resp.StatusCode != http.StatusOK || c.session.Zones.Len() != 0 {
		t.Fatalf("DELETE /api/zones status = %d, zones = %d", resp.StatusCode, c.session.Zones.Len())
	}

	resp, _ = c.do(t, http.MethodPatch, "/api/zones", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("PATCH /api/zones status = %d", resp.StatusCode)
	}
}

func TestSettingsAPI(t *testing.T) {
	c := newAPIClient(t, nil)
	resp, body := c.do(t, http.MethodPut, "/api/settings", map[string]any{"threshold": 1.7, "soundAlerts": false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT /api/settings status = %d body=%s", resp.StatusCode, body)
	}
	got := decodeJSONMap(t, body)
	if got["threshold"] != float64(1) || got["soundAlerts"] != false || got["iou"] != 0.45 {
		t.Fatalf("settings = %v", got)
	}
	if st := c.session.Settings.Get(); st.Threshold != 1 || st.SoundAlerts {
		t.Fatalf("stored settings = %+v", st)
	}

	resp, _ = c.do(t, http.MethodPut, "/api/settings", "nope")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad settings status = %d", resp.StatusCode)
	}
}

func TestConcurrentPartialSettingsUpdates(t *testing.T) {
	c := newAPIClient(t, nil)
	patches := []string{
		`{"threshold":0.8}`,
		`{"iou":0.3}`,
		`{"soundAlerts":false}`,
		`{"browserAlerts":true}`,
		`{"recordEvents":false}`,
		`{"apiEndpoint":"ws://backend:5000/ws"}`,
	}

	var wg sync.WaitGroup
	for _, patch := range patches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodPut, c.baseURL+"/api/settings", strings.NewReader(patch))
			if err != nil {
				t.Errorf("build request: %v", err)
				return
			}
			resp, err := c.client.Do(req)
			if err != nil {
				t.Errorf("PUT %s: %v", patch, err)
				return
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("PUT %s status = %d", patch, resp.StatusCode)
			}
		}()
	}
	wg.Wait()

	st := c.session.Settings.Get()
	if st.Threshold != 0.8 || st.IoU != 0.3 || st.SoundAlerts || !st.BrowserAlerts || st.RecordEvents ||
		st.APIEndpoint != "ws://backend:5000/ws" {
		t.Fatalf("lost a field: %+v", st)
	}

	resp, body := c.do(t, http.MethodPut, "/api/settings", map[string]any{"threshold": "high"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("mistyped settings status = %d body=%s", resp.StatusCode, body)
	}
	if got := c.session.Settings.Get(); got != st {
		t.Fatalf("rejected patch changed settings to %+v", got)
	}
}

func TestConnectionAndEvents(t *testing.T) {
	c := newAPIClient(t, nil)

	resp, _ := c.do(t, http.MethodPost, "/api/connection/connect", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("connect without endpoint status = %d", resp.StatusCode)
	}
	c.connect(t)

	id, updates := c.session.Subscribe()
	c.pipe.frames <- []byte(sniperFrame)
	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatalf("no update")
	}
	c.session.Unsubscribe(id)

	resp, body := c.get(t, "/api/events?q=SNIP&limit=10")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/events status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	list := requireSlice(t, payload["events"], "events")
	if len(list) != 1 || payload["total"] != float64(1) {
		t.Fatalf("events = %v", payload)
	}
	ev := requireMap(t, list[0], "events[0]")
	if requireMap(t, ev["detection"], "detection")["label"] != "sniper" {
		t.Fatalf("event = %v", ev)
	}

	_, body = c.get(t, "/api/events?q=rifle")
	if len(requireSlice(t, decodeJSONMap(t, body)["events"], "events")) != 0 {
		t.Fatalf("label filter returned events")
	}
	_, body = c.get(t, "/api/events?min_score=0.9")
	if len(requireSlice(t, decodeJSONMap(t, body)["events"], "events")) != 0 {
		t.Fatalf("score filter returned events")
	}
	resp, _ = c.get(t, "/api/events?limit=-1")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative limit status = %d", resp.StatusCode)
	}

	_, body = c.get(t, "/api/notices")
	var titles []string
	for _, raw := range decodeJSONSlice(t, body) {
		titles = append(titles, requireMap(t, raw, "notice")["title"].(string))
	}
	if len(titles) < 2 || titles[0] != "Sniper detected" {
		t.Fatalf("notices = %v", titles)
	}

	resp, _ = c.do(t, http.MethodDelete, "/api/events", nil)
	if resp.StatusCode != http.StatusOK || c.session.Events.Len() != 0 {
		t.Fatalf("DELETE /api/events status = %d len = %d", resp.StatusCode, c.session.Events.Len())
	}

	resp, body = c.do(t, http.MethodPost, "/api/connection/disconnect", nil)
	if resp.StatusCode != http.StatusOK || decodeJSONMap(t, body)["status"] != "disconnected" {
		t.Fatalf("disconnect = %d %s", resp.StatusCode, body)
	}
}

func TestDetectionsStreamJSON(t *testing.T) {
	c := newAPIClient(t, nil)
	c.connect(t)

	event, headers, err := readSSEEvent(c.baseURL+"/api/detections/stream", "", 3*time.Second, func() {
		c.pipe.frames <- []byte(sniperFrame)
	})
	if err != nil {
		t.Fatalf("detections stream error: %v", err)
	}
	if !strings.Contains(headers.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("content-type = %q", headers.Get("Content-Type"))
	}
	if headers.Get("X-Content-Format") != "application/json" {
		t.Fatalf("X-Content-Format = %q", headers.Get("X-Content-Format"))
	}
	payload := decodeJSONMap(t, []byte(sseData(event)))
	if payload["type"] != "detection_update" || payload["frame_number"] != float64(7) {
		t.Fatalf("payload = %v", payload)
	}
	dets := requireSlice(t, payload["detections"], "detections")
	if len(dets) != 1 || requireMap(t, dets[0], "detections[0]")["label"] != "sniper" {
		t.Fatalf("detections = %v", dets)
	}
}

func TestDetectionsStreamProtobuf(t *testing.T) {
	c := newAPIClient(t, nil)
	c.connect(t)

	event, headers, err := readSSEEvent(c.baseURL+"/api/detections/stream", "application/x-protobuf", 3*time.Second, func() {
		c.pipe.frames <- []byte(sniperFrame)
	})
	if err != nil {
		t.Fatalf("detections stream error: %v", err)
	}
	if headers.Get("X-Content-Format") != "application/protobuf" {
		t.Fatalf("X-Content-Format = %q", headers.Get("X-Content-Format"))
	}
	wire, err := base64.StdEncoding.DecodeString(sseData(event))
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	msg, err := detection.DecodeWire(wire, time.Now())
	if err != nil {
		t.Fatalf("DecodeWire: %v", err)
	}
	if msg.FrameNumber != 7 || len(msg.Detections) != 1 || msg.Detections[0].Label != "sniper" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestStatusStream(t *testing.T) {
	c := newAPIClient(t, nil)
	event, headers, err := readSSEEvent(c.baseURL+"/api/status/stream", "", 3*time.Second, nil)
	if err != nil {
		t.Fatalf("status stream error: %v", err)
	}
	if !strings.Contains(headers.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("content-type = %q", headers.Get("Content-Type"))
	}
	payload := decodeJSONMap(t, []byte(sseData(event)))
	requireMap(t, payload["connection"], "connection")
}

func TestNoticesStream(t *testing.T) {
	c := newAPIClient(t, nil)
	event, _, err := readSSEEvent(c.baseURL+"/api/notices/stream", "", 3*time.Second, func() {
		c.session.Stop()
		c.session.Start("pipe://backend")
	})
	if err != nil {
		t.Fatalf("notices stream error: %v", err)
	}
	payload := decodeJSONMap(t, []byte(sseData(event)))
	if payload["level"] == nil || payload["title"] == "" {
		t.Fatalf("notice = %v", payload)
	}
}

func TestOverlayEndpoints(t *testing.T) {
	c := newAPIClient(t, nil)

	resp, body := c.get(t, "/api/overlay?w=640&h=360")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/overlay status = %d", resp.StatusCode)
	}
	requireSlice(t, decodeJSONMap(t, body)["commands"], "commands")

	resp, body = c.get(t, "/api/overlay.png?w=64&h=36")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" || !strings.HasPrefix(string(body), "\x89PNG") {
		t.Fatalf("overlay.png = %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	resp, body = c.get(t, "/api/snapshot.jpg")
	if resp.StatusCode != http.StatusOK || len(body) < 2 || body[0] != 0xFF || body[1] != 0xD8 {
		t.Fatalf("snapshot.jpg = %d, %d bytes", resp.StatusCode, len(body))
	}
}

func TestWebRTCOffer(t *testing.T) {
	c := newAPIClient(t, nil)
	resp, _ := c.do(t, http.MethodPost, "/api/webrtc/offer", map[string]string{"type": "offer", "sdp": "v=0"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("offer without WebRTC status = %d", resp.StatusCode)
	}

	c = newAPIClient(t, webrtc.NewServer(nil, 1))
	resp, _ = c.do(t, http.MethodPost, "/api/webrtc/offer", map[string]string{"type": "answer", "sdp": "v=0"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-offer status = %d", resp.StatusCode)
	}
	resp, _ = c.get(t, "/api/webrtc/offer")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET offer status = %d", resp.StatusCode)
	}
}

func TestIndexAndMetrics(t *testing.T) {
	c := newAPIClient(t, nil)
	resp, body := c.get(t, "/")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "Sniper Watch") {
		t.Fatalf("GET / = %d", resp.StatusCode)
	}
	resp, _ = c.get(t, "/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET /nope = %d", resp.StatusCode)
	}
	resp, body = c.get(t, "/metrics")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "sniper_connection_state") {
		t.Fatalf("GET /metrics = %d", resp.StatusCode)
	}
	resp, _ = c.get(t, "/assets/missing.css")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing asset = %d", resp.StatusCode)
	}
}
