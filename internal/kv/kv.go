// Package kv is the key-value persistence behind zones, settings and events.
// Values are opaque JSON documents; callers own their encoding.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/dj-oyu/sniper-watch/internal/logger"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("kv: key not found")

// Store persists JSON documents by key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// LoadJSON decodes key into dst. Fields absent from the document keep their
// current values. Missing keys and corrupt or mistyped documents leave dst
// untouched and report false; the failure is logged, never returned.
func LoadJSON(ctx context.Context, s Store, key string, dst any, log *logger.Module) bool {
	if s == nil {
		return false
	}
	raw, err := s.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) && log != nil {
			log.Warn("load %s: %v", key, err)
		}
		return false
	}
	if err := decodeInto(raw, dst); err != nil {
		if log != nil {
			log.Warn("discarding unparsable %s: %v", key, err)
		}
		return false
	}
	return true
}

// decodeInto checks raw against a scratch value of dst's type first, so a
// document that fails halfway never leaves dst partially written.
func decodeInto(raw []byte, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return &json.InvalidUnmarshalError{Type: reflect.TypeOf(dst)}
	}
	scratch := reflect.New(rv.Elem().Type()).Interface()
	if err := json.Unmarshal(raw, scratch); err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// SaveJSON encodes v under key. Errors are logged and swallowed so a failed
// persist never aborts the in-memory change that triggered it.
func SaveJSON(ctx context.Context, s Store, key string, v any, log *logger.Module) {
	if s == nil {
		return
	}
	if err := saveJSON(ctx, s, key, v); err != nil && log != nil {
		log.Warn("persist %s: %v", key, err)
	}
}

func saveJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return s.Put(ctx, key, raw)
}
