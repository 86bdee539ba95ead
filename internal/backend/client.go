// Package backend is the HTTP client for the external detection service:
// one-shot detection uploads, camera control and statistics.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dj-oyu/sniper-watch/internal/detection"
)

// ErrNoBaseURL is returned by New when the base URL is empty.
var ErrNoBaseURL = errors.New("backend: base URL is required")

// Client wraps a resty client bound to the backend base URL.
type Client struct {
	HTTP *resty.Client
}

// New creates a client for baseURL.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, ErrNoBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := resty.New()
	r.SetBaseURL(strings.TrimRight(baseURL, "/"))
	r.SetHeader("Accept", "application/json")
	r.SetTimeout(timeout)
	return &Client{HTTP: r}, nil
}

// DetectOptions are the form parameters of /api/detect.
type DetectOptions struct {
	Threshold float64
	IoU       float64
	ROI       []float64 // normalised x1,y1,x2,y2; nil for the whole frame
}

// Detect uploads one frame to /api/detect.
func (c *Client) Detect(ctx context.Context, filename string, image io.Reader, opts DetectOptions) (detection.Message, error) {
	form := map[string]string{
		"conf_threshold": strconv.FormatFloat(opts.Threshold, 'f', -1, 64),
		"iou_threshold":  strconv.FormatFloat(opts.IoU, 'f', -1, 64),
	}
	if len(opts.ROI) == 4 {
		parts := make([]string, len(opts.ROI))
		for i, v := range opts.ROI {
			parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		form["roi"] = strings.Join(parts, ",")
	}
	return c.upload(ctx, "/api/detect", filename, image, form)
}

// DetectImage uploads an image to /detect/image.
func (c *Client) DetectImage(ctx context.Context, filename string, image io.Reader) (detection.Message, error) {
	return c.upload(ctx, "/detect/image", filename, image, nil)
}

// DetectVideo uploads a video to /detect/video.
func (c *Client) DetectVideo(ctx context.Context, filename string, video io.Reader) (detection.Message, error) {
	return c.upload(ctx, "/detect/video", filename, video, nil)
}

func (c *Client) upload(ctx context.Context, path, filename string, r io.Reader, form map[string]string) (detection.Message, error) {
	req := c.HTTP.R().
		SetContext(ctx).
		SetFileReader("file", filename, r)
	if len(form) > 0 {
		req.SetFormData(form)
	}
	resp, err := req.Post(path)
	if err != nil {
		return detection.Message{}, err
	}
	if resp.IsError() {
		return detection.Message{}, fmt.Errorf("POST %s failed: %s", path, resp.Status())
	}
	msg, err := detection.Decode(resp.Body(), time.Now())
	if err != nil {
		return detection.Message{}, fmt.Errorf("POST %s: %w", path, err)
	}
	if msg.Type == "" {
		msg.Type = detection.TypeDetectionUpdate
	}
	return msg, nil
}

// CameraStatus is the /camera/status response.
type CameraStatus struct {
	IsStreaming bool   `json:"is_streaming"`
	CameraID    int    `json:"camera_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Message     string `json:"message,omitempty"`
}

// StartCamera asks the backend to start streaming from cameraID.
func (c *Client) StartCamera(ctx context.Context, cameraID int) (CameraStatus, error) {
	var out CameraStatus
	err := c.do(ctx, "POST", "/camera/start", map[string]int{"camera_id": cameraID}, &out)
	return out, err
}

// StopCamera stops the backend camera stream.
func (c *Client) StopCamera(ctx context.Context) (CameraStatus, error) {
	var out CameraStatus
	err := c.do(ctx, "POST", "/camera/stop", nil, &out)
	return out, err
}

// CameraStatus reports whether the backend camera is streaming.
func (c *Client) CameraStatus(ctx context.Context) (CameraStatus, error) {
	var out CameraStatus
	err := c.do(ctx, "GET", "/camera/status", nil, &out)
	return out, err
}

// Stats returns the backend statistics object.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	err := c.do(ctx, "GET", "/api/stats", nil, &out)
	return out, err
}

// ResetStats clears backend statistics.
func (c *Client) ResetStats(ctx context.Context) error {
	return c.do(ctx, "POST", "/api/reset-stats", nil, nil)
}

// Health checks /api/health.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "GET", "/api/health", nil, nil)
}

// Fetch performs a GET on path or absolute URL and returns the raw body.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.HTTP.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("GET %s failed: %s", url, resp.Status())
	}
	return resp.Body(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	req := c.HTTP.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("%s %s failed: %s", method, path, resp.Status())
	}
	return nil
}
