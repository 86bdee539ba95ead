package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/sniper-watch/internal/conn"
)

// Transport receives detection frames over the "detections" data channel.
// The endpoint is the HTTP URL the SDP offer is POSTed to.
type Transport struct {
	HTTP   *resty.Client
	config webrtc.Configuration
	api    *webrtc.API
}

// NewTransport creates a data-channel transport.
func NewTransport(stunServers []string) *Transport {
	return &Transport{
		HTTP:   resty.New(),
		config: Configuration(stunServers),
		api:    newAPI(),
	}
}

func (t *Transport) Name() string { return "webrtc" }

func (t *Transport) Dial(ctx context.Context, endpoint string) (conn.Stream, error) {
	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	channel, err := detectionChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}

	s := &dcStream{
		pc:     pc,
		frames: make(chan []byte, 64),
		opened: make(chan struct{}),
		done:   make(chan struct{}),
	}
	channel.OnOpen(func() { close(s.opened) })
	channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case s.frames <- msg.Data:
		default:
			// reader too slow, drop the update
		}
	})
	channel.OnClose(func() { s.fail(errors.New("data channel closed")) })
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateClosed {
			s.fail(fmt.Errorf("peer connection %s", state))
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	resp, err := t.HTTP.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(pc.LocalDescription()).
		Post(endpoint)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("post offer: %w", err)
	}
	if resp.IsError() {
		pc.Close()
		return nil, fmt.Errorf("post offer failed: %s", resp.Status())
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(resp.Body(), &answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to parse answer: %w", err)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	select {
	case <-s.opened:
		return s, nil
	case <-s.done:
		pc.Close()
		return nil, s.err
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}
}

type dcStream struct {
	pc     *webrtc.PeerConnection
	frames chan []byte
	opened chan struct{}

	once sync.Once
	done chan struct{}
	err  error
}

func (s *dcStream) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *dcStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-s.frames:
		return b, nil
	case <-s.done:
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *dcStream) Close() error {
	s.fail(errors.New("stream closed"))
	return s.pc.Close()
}
