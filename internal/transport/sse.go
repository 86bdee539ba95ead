package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"

	"github.com/dj-oyu/sniper-watch/internal/conn"
)

// ContentFormatProtobuf marks SSE streams whose data lines are base64
// protobuf frames.
const ContentFormatProtobuf = "application/protobuf"

// SSE reads a text/event-stream. The client has no timeout; the stream lives
// until Close.
type SSE struct {
	HTTP *resty.Client
}

func NewSSE() *SSE {
	r := resty.New()
	r.SetHeader("Accept", "text/event-stream")
	r.SetHeader("Cache-Control", "no-cache")
	return &SSE{HTTP: r}
}

func (s *SSE) Name() string { return KindSSE }

func (s *SSE) Dial(ctx context.Context, endpoint string) (conn.Stream, error) {
	// The response body must outlive ctx, which only bounds the handshake.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	resp, err := s.HTTP.R().
		SetContext(streamCtx).
		SetDoNotParseResponse(true).
		Get(endpoint)
	stopped := stop()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sse connect %s: %w", endpoint, err)
	}
	body := resp.RawBody()
	if !stopped || resp.IsError() {
		body.Close()
		cancel()
		if !stopped {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("sse connect %s failed: %s", endpoint, resp.Status())
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &sseStream{
		body:     body,
		cancel:   cancel,
		scanner:  scanner,
		protobuf: resp.Header().Get("X-Content-Format") == ContentFormatProtobuf,
	}, nil
}

type sseStream struct {
	body      io.ReadCloser
	cancel    context.CancelFunc
	scanner   *bufio.Scanner
	protobuf  bool
	closeOnce sync.Once
}

func (s *sseStream) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	var data strings.Builder
	seen := false
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if seen {
				return s.payload(data.String()), nil
			}
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "data:"):
			if seen {
				data.WriteByte('\n')
			}
			v := strings.TrimPrefix(line, "data:")
			data.WriteString(strings.TrimPrefix(v, " "))
			seen = true
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *sseStream) payload(data string) []byte {
	if s.protobuf {
		if b, err := base64.StdEncoding.DecodeString(data); err == nil {
			return b
		}
	}
	return []byte(data)
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}
