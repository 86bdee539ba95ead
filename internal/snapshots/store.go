// Package snapshots stores the annotated JPEGs attached to recorded events.
package snapshots

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Store saves a snapshot and returns the reference recorded on the event.
type Store interface {
	Save(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Key builds the object key for a snapshot taken at t.
func Key(t time.Time, id string) string {
	return fmt.Sprintf("%s/%s.jpg", t.UTC().Format("2006/01/02"), id)
}

// Inline embeds the image in a data URL, so events carry their snapshot with
// them into the event log.
type Inline struct{}

func (Inline) Save(_ context.Context, _ string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// Disk writes snapshots under Root and returns URLPrefix joined with the key.
type Disk struct {
	Root      string
	URLPrefix string
}

// NewDisk creates root if needed.
func NewDisk(root, urlPrefix string) (*Disk, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot dir: %w", err)
	}
	if urlPrefix == "" {
		urlPrefix = "/snapshots"
	}
	return &Disk{Root: root, URLPrefix: strings.TrimRight(urlPrefix, "/")}, nil
}

func (d *Disk) Save(_ context.Context, key string, data []byte, _ string) (string, error) {
	clean := path.Clean("/" + key)
	dst := filepath.Join(d.Root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("snapshot dir: %w", err)
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return d.URLPrefix + clean, nil
}
