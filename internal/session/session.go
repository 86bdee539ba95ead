// Package session wires a live connection to the zone filter, the event log
// and the alert hub. A Session is what one open monitor page drives.
package session

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/dj-oyu/sniper-watch/internal/alerts"
	"github.com/dj-oyu/sniper-watch/internal/conn"
	"github.com/dj-oyu/sniper-watch/internal/detection"
	"github.com/dj-oyu/sniper-watch/internal/events"
	"github.com/dj-oyu/sniper-watch/internal/fanout"
	"github.com/dj-oyu/sniper-watch/internal/logger"
	"github.com/dj-oyu/sniper-watch/internal/metrics"
	"github.com/dj-oyu/sniper-watch/internal/overlay"
	"github.com/dj-oyu/sniper-watch/internal/settings"
	"github.com/dj-oyu/sniper-watch/internal/snapshots"
	"github.com/dj-oyu/sniper-watch/internal/zones"
)

// Config tunes the pipeline.
type Config struct {
	Canvas          overlay.Size  // overlay and zone coordinate space
	ZoneFilter      bool          // drop detections outside every zone, when zones exist
	SnapshotQuality int           // JPEG quality of event snapshots
	SnapshotTimeout time.Duration // bound on one snapshot store write
}

// DefaultConfig returns a 1280x720 canvas with zone filtering on.
func DefaultConfig() Config {
	return Config{
		Canvas:          overlay.Size{W: 1280, H: 720},
		ZoneFilter:      true,
		SnapshotQuality: 85,
		SnapshotTimeout: 5 * time.Second,
	}
}

// Deps are the components a session composes. Snapshots, Alerts and Metrics
// are optional.
type Deps struct {
	Manager   *conn.Manager
	Zones     *zones.Store
	Events    *events.Log
	Settings  *settings.Store
	Renderer  *overlay.Renderer
	Snapshots snapshots.Store
	Alerts    *alerts.Hub
	Metrics   *metrics.Metrics
	Logger    *logger.Module

	// Transports, when set, builds the primary transport for an endpoint so
	// a new endpoint with a different scheme is dialed with the right kind.
	Transports func(endpoint string) (conn.Transport, error)
}

// Update is what subscribers receive for every accepted message.
type Update struct {
	Type        detection.MessageType `json:"type"`
	FrameNumber uint64                `json:"frame_number,omitempty"`
	Detections  []detection.Detection `json:"detections"` // canvas pixels, zone-filtered
	Filtered    int                   `json:"filtered"`
	Recorded    []detection.Event     `json:"recorded,omitempty"`
	Stats       map[string]any        `json:"stats,omitempty"`
	Received    time.Time             `json:"received"`
}

// Session composes the live pipeline.
type Session struct {
	cfg Config
	Deps
	updates *fanout.Hub[Update]
	log     *logger.Module

	mu     sync.RWMutex
	latest Update
	frame  image.Image
	unsub  []func()
}

// New wires the session to the manager's listeners.
func New(cfg Config, d Deps) *Session {
	def := DefaultConfig()
	if cfg.Canvas.W <= 0 || cfg.Canvas.H <= 0 {
		cfg.Canvas = def.Canvas
	}
	if cfg.SnapshotQuality <= 0 {
		cfg.SnapshotQuality = def.SnapshotQuality
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = def.SnapshotTimeout
	}
	if d.Renderer == nil {
		d.Renderer = overlay.NewRenderer(overlay.DefaultStyle())
	}
	if d.Snapshots == nil {
		d.Snapshots = snapshots.Inline{}
	}
	log := d.Logger
	if log == nil {
		log = logger.For("Session")
	}

	s := &Session{
		cfg:     cfg,
		Deps:    d,
		updates: fanout.New[Update]("Session", 4),
		log:     log,
	}
	s.unsub = append(s.unsub,
		d.Manager.OnMessage(s.handle),
		d.Manager.OnStatus(s.notice),
	)
	return s
}

// Config returns the effective configuration.
func (s *Session) Config() Config { return s.cfg }

// Start connects to endpoint, or to the saved endpoint when it is empty.
func (s *Session) Start(endpoint string) error {
	if endpoint == "" {
		endpoint = s.Settings.Get().APIEndpoint
	}
	if endpoint == "" {
		return conn.ErrEmptyEndpoint
	}
	if s.Manager.Status() == conn.Disconnected {
		t, err := s.primaryFor(endpoint)
		if err != nil {
			return err
		}
		s.swapPrimary(t, endpoint)
	}
	return s.Manager.Connect(endpoint)
}

// Stop disconnects. The session can be started again.
func (s *Session) Stop() { s.Manager.Disconnect() }

// SetEndpoint saves endpoint and reconnects to it.
func (s *Session) SetEndpoint(endpoint string) error {
	if endpoint == "" {
		return conn.ErrEmptyEndpoint
	}
	t, err := s.primaryFor(endpoint)
	if err != nil {
		return err
	}
	s.Settings.Update(func(st *settings.Settings) { st.APIEndpoint = endpoint })
	s.Manager.Disconnect()
	s.swapPrimary(t, endpoint)
	return s.Manager.Connect(endpoint)
}

// primaryFor builds the transport endpoint needs, or nil without a
// Transports factory.
func (s *Session) primaryFor(endpoint string) (conn.Transport, error) {
	if s.Transports == nil {
		return nil, nil
	}
	return s.Transports(endpoint)
}

// swapPrimary installs t when its kind differs from the current primary.
// Call while disconnected.
func (s *Session) swapPrimary(t conn.Transport, endpoint string) {
	if t == nil {
		return
	}
	if cur := s.Manager.Primary(); t.Name() != cur {
		s.log.Info("switching transport %s -> %s for %s", cur, t.Name(), endpoint)
		s.Manager.SetPrimary(t)
	}
}

// Close detaches from the manager, shuts it down and closes subscriber
// channels.
func (s *Session) Close() {
	for _, u := range s.unsub {
		u()
	}
	s.Manager.Close()
	s.updates.Close()
}

// Subscribe returns a channel of updates. Slow subscribers skip updates.
func (s *Session) Subscribe() (int, <-chan Update) { return s.updates.Subscribe() }

// Unsubscribe removes a subscriber.
func (s *Session) Unsubscribe(id int) { s.updates.Unsubscribe(id) }

// Subscribers returns the number of update subscribers.
func (s *Session) Subscribers() int { return s.updates.Len() }

// Latest returns the last published update.
func (s *Session) Latest() Update {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Status is the snapshot served by the monitor status endpoints.
type Status struct {
	Connection conn.Info         `json:"connection"`
	Zones      int               `json:"zones"`
	Events     int               `json:"events"`
	EventCap   int               `json:"event_cap"`
	Clients    int               `json:"clients"`
	Settings   settings.Settings `json:"settings"`
	Latest     Update            `json:"latest"`
}

// Status collects the current state of every component.
func (s *Session) Status() Status {
	return Status{
		Connection: s.Manager.Info(),
		Zones:      s.Zones.Len(),
		Events:     s.Events.Len(),
		EventCap:   s.Events.Cap(),
		Clients:    s.updates.Len(),
		Settings:   s.Settings.Get(),
		Latest:     s.Latest(),
	}
}

// handle runs on the manager's listener goroutine.
func (s *Session) handle(msg detection.Message) {
	if s.Metrics != nil {
		s.Metrics.DetectionsSeen.Add(uint64(len(msg.Detections)))
	}

	source := overlay.Size{W: msg.SourceWidth, H: msg.SourceHeight}
	var frame image.Image
	if len(msg.Frame) > 0 {
		img, _, err := image.Decode(bytes.NewReader(msg.Frame))
		if err != nil {
			s.log.Debug("undecodable frame: %v", err)
		} else {
			frame = img
			if source.W <= 0 || source.H <= 0 {
				b := img.Bounds()
				source = overlay.Size{W: b.Dx(), H: b.Dy()}
			}
		}
	}

	dets := msg.Detections
	if source.W > 0 && source.H > 0 {
		sx, sy := overlay.ScaleFactors(source, s.cfg.Canvas)
		dets = lo.Map(dets, func(d detection.Detection, _ int) detection.Detection {
			d.BBox = d.BBox.Scale(sx, sy)
			return d
		})
	}

	kept := dets
	if s.cfg.ZoneFilter && s.Zones.Len() > 0 {
		kept = lo.Filter(dets, func(d detection.Detection, _ int) bool {
			_, inside := s.Zones.ContainsBox(d.BBox)
			return inside
		})
	}
	filtered := len(dets) - len(kept)
	if s.Metrics != nil && filtered > 0 {
		s.Metrics.DetectionsFiltered.Add(uint64(filtered))
	}

	s.mu.Lock()
	if frame != nil {
		s.frame = frame
	}
	frame = s.frame
	s.mu.Unlock()

	st := s.Settings.Get()
	var recorded []detection.Event
	if toRecord := lo.Filter(kept, func(d detection.Detection, _ int) bool { return st.ShouldRecord(d.Score) }); len(toRecord) > 0 {
		snap := s.snapshot(frame, kept)
		for _, d := range toRecord {
			recorded = append(recorded, s.record(d, snap, st))
		}
	}

	u := Update{
		Type:        msg.Type,
		FrameNumber: msg.FrameNumber,
		Detections:  kept,
		Filtered:    filtered,
		Recorded:    recorded,
		Stats:       msg.Stats,
		Received:    msg.Received,
	}
	s.mu.Lock()
	s.latest = u
	s.mu.Unlock()
	s.updates.Publish(u)

	if s.Metrics != nil {
		s.Metrics.UpdateMessageLatency(msg.Received)
	}
}

func (s *Session) record(d detection.Detection, snap string, st settings.Settings) detection.Event {
	before := s.Events.Len()
	ev := s.Events.Record(d, snap)
	if s.Metrics != nil {
		s.Metrics.EventsRecorded.Add(1)
		if evicted := before + 1 - s.Events.Len(); evicted > 0 {
			s.Metrics.EventsEvicted.Add(uint64(evicted))
		}
	}
	s.log.Info("recorded %s %.1f%% (%s)", d.Label, d.Score*100, ev.ID)

	if s.Alerts != nil {
		s.Alerts.Raise(alerts.Detection(ev, st.SoundAlerts, st.BrowserAlerts))
		if s.Metrics != nil {
			s.Metrics.AlertsRaised.Add(1)
		}
	}
	return ev
}

// snapshot renders the overlay over the latest frame and stores it. Failure
// leaves the event without a snapshot.
func (s *Session) snapshot(frame image.Image, dets []detection.Detection) string {
	cmds := s.Renderer.Render(overlay.Scene{
		Canvas:     s.cfg.Canvas,
		Zones:      s.Zones.Zones(),
		Detections: dets,
	})
	data, err := overlay.Snapshot(frame, s.cfg.Canvas, cmds, s.cfg.SnapshotQuality)
	if err != nil {
		s.snapshotFailed(err)
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SnapshotTimeout)
	defer cancel()
	ref, err := s.Snapshots.Save(ctx, snapshots.Key(time.Now(), uuid.NewString()), data, "image/jpeg")
	if err != nil {
		s.snapshotFailed(err)
		return ""
	}
	return ref
}

func (s *Session) snapshotFailed(err error) {
	s.log.Warn("snapshot failed: %v", err)
	if s.Metrics != nil {
		s.Metrics.SnapshotFailures.Add(1)
	}
}

// notice turns connection transitions into operator notices.
func (s *Session) notice(c conn.StatusChange) {
	if s.Alerts == nil {
		return
	}
	switch c.To {
	case conn.Connected:
		s.Alerts.Raise(alerts.Notice(alerts.LevelInfo, "Connected",
			fmt.Sprintf("Receiving detections from %s via %s", c.Endpoint, c.Transport)))
	case conn.Reconnecting:
		body := "Connection lost, attempting to reconnect..."
		if c.From == conn.Connecting {
			body = fmt.Sprintf("Unable to reach %s, retrying...", c.Endpoint)
		}
		if c.Err != nil {
			body += " (" + c.Err.Error() + ")"
		}
		s.Alerts.Raise(alerts.Notice(alerts.LevelWarn, "Connection problem", body))
	case conn.Disconnected:
		s.Alerts.Raise(alerts.Notice(alerts.LevelInfo, "Disconnected", "Live detection stopped"))
	}
}
