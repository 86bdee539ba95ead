// Package monitor serves the HTTP surface of a live session: status and
// detection streams, the event log, zones, settings and the overlay.
package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dj-oyu/sniper-watch/internal/conn"
	"github.com/dj-oyu/sniper-watch/internal/detection"
	"github.com/dj-oyu/sniper-watch/internal/events"
	"github.com/dj-oyu/sniper-watch/internal/overlay"
	"github.com/dj-oyu/sniper-watch/internal/session"
	"github.com/dj-oyu/sniper-watch/internal/settings"
	"github.com/dj-oyu/sniper-watch/internal/webrtc"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Server serves the monitor endpoints for one session.
type Server struct {
	cfg     Config
	session *session.Session
	webrtc  *webrtc.Server
	updates *UpdateBroadcaster
}

// NewServer returns a configured monitor server. rtc may be nil, in which
// case /api/webrtc/offer answers 503.
func NewServer(cfg Config, s *session.Session, rtc *webrtc.Server) *Server {
	def := DefaultConfig()
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = def.KeepaliveInterval
	}

	var push pushTarget
	if rtc != nil {
		push = rtc
	}
	updates := NewUpdateBroadcaster(s, push)
	updates.Start()

	return &Server{
		cfg:     cfg,
		session: s,
		webrtc:  rtc,
		updates: updates,
	}
}

// Close stops the broadcaster and drops WebRTC clients.
func (s *Server) Close() {
	s.updates.Stop()
	if s.webrtc != nil {
		s.webrtc.Close()
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	assetHandler := newAssetHandler(s.cfg.BuildAssetsDir, s.cfg.AssetsDir)

	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/assets/", http.StripPrefix("/assets/", assetHandler))
	if s.cfg.SnapshotDir != "" {
		mux.Handle("/snapshots/", http.StripPrefix("/snapshots/", http.FileServer(http.Dir(s.cfg.SnapshotDir))))
	}
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/detections/stream", s.handleDetectionsStream)
	mux.HandleFunc("/api/notices", s.handleNotices)
	mux.HandleFunc("/api/notices/stream", s.handleNoticesStream)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/zones", s.handleZones)
	mux.HandleFunc("/api/settings", s.handleSettings)
	mux.HandleFunc("/api/connection/connect", s.handleConnect)
	mux.HandleFunc("/api/connection/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/overlay", s.handleOverlay)
	mux.HandleFunc("/api/overlay.png", s.handleOverlayPNG)
	mux.HandleFunc("/api/snapshot.jpg", s.handleSnapshot)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)
	if m := s.session.Metrics; m != nil {
		mux.Handle("/metrics", m.Handler())
	}

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.session.Status())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	s.clientConnected()
	defer s.clientDisconnected()

	sseHeaders(w, "application/json")

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.session.Status()); err != nil {
			return
		}
		flusher.Flush()
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleDetectionsStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.updates.Subscribe()
	defer s.updates.Unsubscribe(id)
	s.clientConnected()
	defer s.clientDisconnected()

	// Content negotiation based on Accept header
	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamSerializedEvents(w, r, eventCh, useProtobuf, s.cfg.KeepaliveInterval)
}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	if s.session.Alerts == nil {
		writeJSON(w, []any{})
		return
	}
	writeJSON(w, s.session.Alerts.Recent())
}

func (s *Server) handleNoticesStream(w http.ResponseWriter, r *http.Request) {
	hub := s.session.Alerts
	if hub == nil {
		writeJSONWithStatus(w, map[string]any{"error": "alerts are disabled"}, http.StatusServiceUnavailable)
		return
	}
	id, ch := hub.Subscribe()
	defer hub.Unsubscribe(id)
	s.clientConnected()
	defer s.clientDisconnected()

	streamJSON(w, r, ch, s.cfg.KeepaliveInterval)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	log := s.session.Events
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		limit := log.Cap()
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeJSONWithStatus(w, map[string]any{"error": "invalid limit"}, http.StatusBadRequest)
				return
			}
			limit = n
		}
		minScore := 0.0
		if v := q.Get("min_score"); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				writeJSONWithStatus(w, map[string]any{"error": "invalid min_score"}, http.StatusBadRequest)
				return
			}
			minScore = f
		}
		match := events.MatchLabel(q.Get("q"))
		atLeast := events.MinScore(minScore)

		list := make([]detection.Event, 0)
		for ev := range log.Filter(func(ev detection.Event) bool { return match(ev) && atLeast(ev) }) {
			if len(list) >= limit {
				break
			}
			list = append(list, ev)
		}
		writeJSON(w, map[string]any{
			"events": list,
			"total":  log.Len(),
			"cap":    log.Cap(),
		})
	case http.MethodDelete:
		log.Clear()
		writeJSON(w, map[string]any{"status": "cleared"})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type zoneRequest struct {
	Points []detection.Point `json:"points"`
}

func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	store := s.session.Zones
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, map[string]any{"zones": store.Zones()})
	case http.MethodPost:
		var req zoneRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSONWithStatus(w, map[string]any{"error": "Invalid zone data"}, http.StatusBadRequest)
			return
		}
		if !store.AddPolygon(req.Points) {
			writeJSONWithStatus(w, map[string]any{
				"error": fmt.Sprintf("a zone needs at least 3 points, got %d", len(req.Points)),
			}, http.StatusBadRequest)
			return
		}
		writeJSONWithStatus(w, map[string]any{"zones": store.Zones()}, http.StatusCreated)
	case http.MethodDelete:
		store.Clear()
		writeJSON(w, map[string]any{"zones": store.Zones()})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	store := s.session.Settings
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, store.Get())
	case http.MethodPut, http.MethodPost:
		// The body is a partial patch; it is applied inside Update so
		// concurrent writers of different fields do not undo each other.
		var patch json.RawMessage
		var scratch settings.Settings
		if err := decodeJSON(r, &patch); err != nil || json.Unmarshal(patch, &scratch) != nil {
			writeJSONWithStatus(w, map[string]any{"error": "Invalid settings data"}, http.StatusBadRequest)
			return
		}
		writeJSON(w, store.Update(func(st *settings.Settings) {
			_ = json.Unmarshal(patch, st)
		}))
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type connectRequest struct {
	Endpoint string `json:"endpoint"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req connectRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeJSONWithStatus(w, map[string]any{"error": "Invalid connect data"}, http.StatusBadRequest)
			return
		}
	}

	var err error
	if req.Endpoint != "" {
		err = s.session.SetEndpoint(req.Endpoint)
	} else {
		err = s.session.Start("")
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, conn.ErrEmptyEndpoint) {
			status = http.StatusBadRequest
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}
	writeJSON(w, s.session.Manager.Info())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.session.Stop()
	writeJSON(w, s.session.Manager.Info())
}

// sizeParam reads ?w=&h=; missing or invalid values give the session canvas.
func sizeParam(r *http.Request) overlay.Size {
	w, _ := strconv.Atoi(r.URL.Query().Get("w"))
	h, _ := strconv.Atoi(r.URL.Query().Get("h"))
	if w <= 0 || h <= 0 || w > 8192 || h > 8192 {
		return overlay.Size{}
	}
	return overlay.Size{W: w, H: h}
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"commands": s.session.Overlay(sizeParam(r), nil),
	})
}

func (s *Server) handleOverlayPNG(w http.ResponseWriter, r *http.Request) {
	data, err := s.session.OverlayPNG(sizeParam(r), nil)
	if err != nil {
		http.Error(w, "Failed to render overlay", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	data, err := s.session.SnapshotJPEG(sizeParam(r))
	if err != nil {
		http.Error(w, "Failed to render frame", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.webrtc == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC is disabled"}, http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}
	answer, err := s.webrtc.HandleOffer(body)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, webrtc.ErrMaxClients) {
			status = http.StatusServiceUnavailable
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func (s *Server) clientConnected() {
	if m := s.session.Metrics; m != nil {
		m.ClientConnected()
	}
}

func (s *Server) clientDisconnected() {
	if m := s.session.Metrics; m != nil {
		m.ClientDisconnected()
	}
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
