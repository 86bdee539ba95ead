package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dj-oyu/sniper-watch/internal/alerts"
	"github.com/dj-oyu/sniper-watch/internal/conn"
	"github.com/dj-oyu/sniper-watch/internal/events"
	"github.com/dj-oyu/sniper-watch/internal/kv"
	"github.com/dj-oyu/sniper-watch/internal/logger"
	"github.com/dj-oyu/sniper-watch/internal/metrics"
	"github.com/dj-oyu/sniper-watch/internal/session"
	"github.com/dj-oyu/sniper-watch/internal/settings"
	"github.com/dj-oyu/sniper-watch/internal/webrtc"
	"github.com/dj-oyu/sniper-watch/internal/zones"
)

const defaultRequestTimeout = 2 * time.Second

// pipe is a transport whose stream yields whatever the test sends.
type pipe struct {
	frames chan []byte
}

func (p *pipe) Name() string { return "pipe" }

func (p *pipe) Dial(context.Context, string) (conn.Stream, error) { return p, nil }

func (p *pipe) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.frames:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipe) Close() error { return nil }

type apiClient struct {
	baseURL string
	client  *http.Client
	session *session.Session
	pipe    *pipe
}

func newAPIClient(t *testing.T, rtc *webrtc.Server) *apiClient {
	t.Helper()
	ctx := context.Background()
	log := logger.Discard()
	store := kv.NewMemory()
	p := &pipe{frames: make(chan []byte, 16)}
	mt := metrics.New()

	mgr := conn.New(conn.DefaultConfig(), p, conn.WithLogger(log.Module("Conn")), conn.WithMetrics(mt))
	s := session.New(session.DefaultConfig(), session.Deps{
		Manager:  mgr,
		Zones:    zones.NewStore(ctx, store, zones.DefaultKey, log.Module("Zones")),
		Events:   events.New(ctx, store, events.DefaultKey, 0, log.Module("Events")),
		Settings: settings.NewStore(ctx, store, settings.DefaultKey, log.Module("Settings")),
		Alerts:   alerts.NewHub(0),
		Metrics:  mt,
		Logger:   log.Module("Session"),
	})

	cfg := DefaultConfig()
	cfg.StatusInterval = 50 * time.Millisecond
	srv := NewServer(cfg, s, rtc)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.CloseClientConnections()
		ts.Close()
		srv.Close()
		s.Close()
	})

	return &apiClient{
		baseURL: ts.URL,
		client:  &http.Client{Timeout: defaultRequestTimeout},
		session: s,
		pipe:    p,
	}
}

func (c *apiClient) do(t *testing.T, method, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, data
}

func (c *apiClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return c.do(t, http.MethodGet, path, nil)
}

// connect starts the session and waits until it is live.
func (c *apiClient) connect(t *testing.T) {
	t.Helper()
	resp, body := c.do(t, http.MethodPost, "/api/connection/connect", map[string]string{"endpoint": "pipe://backend"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connect status = %d body=%s", resp.StatusCode, body)
	}
	deadline := time.Now().Add(2 * time.Second)
	for c.session.Manager.Status() != conn.Connected {
		if time.Now().After(deadline) {
			t.Fatalf("never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// readSSEEvent returns the first data event on url, skipping comments.
// header, when set, is sent as Accept. Once subscribed, kick is called
// every 50ms until an event arrives.
func readSSEEvent(url, accept string, timeout time.Duration, kick func()) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if kick != nil {
		go func() {
			ticker := time.NewTicker(50 * time.Millisecond)
			defer ticker.Stop()
			for {
				kick()
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 256)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				idx := bytes.Index(buf, []byte("\n\n"))
				if idx < 0 {
					break
				}
				event := string(buf[:idx])
				buf = buf[idx+2:]
				if strings.HasPrefix(event, "data:") {
					return event, resp.Header, nil
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
	}
}

func sseData(event string) string {
	return strings.TrimSpace(strings.TrimPrefix(event, "data:"))
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func decodeJSONSlice(t *testing.T, body []byte) []any {
	t.Helper()
	var payload []any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}
