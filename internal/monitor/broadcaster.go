package monitor

import (
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/dj-oyu/sniper-watch/internal/detection"
	"github.com/dj-oyu/sniper-watch/internal/fanout"
	"github.com/dj-oyu/sniper-watch/internal/logger"
	"github.com/dj-oyu/sniper-watch/internal/session"
)

// SerializedEvent holds one update pre-serialized in both formats, so each
// SSE client only writes bytes.
type SerializedEvent struct {
	JSONData     []byte
	ProtobufData []byte // base64 for SSE
}

// pushTarget receives every serialized update as JSON, e.g. WebRTC data
// channels.
type pushTarget interface {
	Broadcast(data []byte)
}

// UpdateBroadcaster serializes session updates once and fans them out.
type UpdateBroadcaster struct {
	session *session.Session
	clients *fanout.Hub[*SerializedEvent]
	push    pushTarget
	canvas  [2]int
	log     *logger.Module

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
	done    chan struct{}
}

// NewUpdateBroadcaster creates a broadcaster for s. push may be nil.
func NewUpdateBroadcaster(s *session.Session, push pushTarget) *UpdateBroadcaster {
	c := s.Config().Canvas
	return &UpdateBroadcaster{
		session: s,
		clients: fanout.New[*SerializedEvent]("UpdateBroadcaster", 2),
		push:    push,
		canvas:  [2]int{c.W, c.H},
		log:     logger.For("UpdateBroadcaster"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Subscribe adds a new client and returns a channel for receiving updates.
func (b *UpdateBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	return b.clients.Subscribe()
}

// Unsubscribe removes a client.
func (b *UpdateBroadcaster) Unsubscribe(id int) { b.clients.Unsubscribe(id) }

// Start begins forwarding session updates.
func (b *UpdateBroadcaster) Start() {
	go b.run()
}

// Stop halts the broadcaster and closes client channels.
func (b *UpdateBroadcaster) Stop() {
	b.mu.Lock()
	if !b.stopped {
		close(b.stop)
		b.stopped = true
	}
	b.mu.Unlock()
	<-b.done
	b.clients.Close()
}

func (b *UpdateBroadcaster) run() {
	defer close(b.done)
	id, updates := b.session.Subscribe()
	defer b.session.Unsubscribe(id)

	for {
		select {
		case <-b.stop:
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			ev, err := b.serialize(u)
			if err != nil {
				b.log.Error("serialize update: %v", err)
				continue
			}
			b.clients.Publish(ev)
			if b.push != nil {
				b.push.Broadcast(ev.JSONData)
			}
		}
	}
}

func (b *UpdateBroadcaster) serialize(u session.Update) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	wire := detection.EncodeWire(detection.Message{
		Type:         u.Type,
		FrameNumber:  u.FrameNumber,
		Detections:   u.Detections,
		SourceWidth:  b.canvas[0],
		SourceHeight: b.canvas[1],
		Received:     u.Received,
	})
	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(wire)),
	}, nil
}
