package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/sniper-watch/internal/conn"
)

// maxFrameSize bounds inbound frames; updates may carry a base64 JPEG.
const maxFrameSize = 8 << 20

// WebSocket receives text (JSON) and binary (protobuf) frames.
type WebSocket struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func NewWebSocket() *WebSocket {
	return &WebSocket{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (w *WebSocket) Name() string { return KindWebSocket }

func (w *WebSocket) Dial(ctx context.Context, endpoint string) (conn.Stream, error) {
	c, resp, err := w.Dialer.DialContext(ctx, endpoint, w.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", endpoint, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}
	c.SetReadLimit(maxFrameSize)
	return &wsStream{c: c}, nil
}

type wsStream struct {
	c         *websocket.Conn
	closeOnce sync.Once
}

func (s *wsStream) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { s.c.Close() })
	defer stop()
	_, data, err := s.c.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return data, nil
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.c.Close()
	})
	return err
}
