package settings

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/sniper-watch/internal/kv"
)

func TestDefaults(t *testing.T) {
	s := NewStore(context.Background(), kv.NewMemory(), "", nil).Get()
	if s != Defaults() {
		t.Fatalf("Get = %+v, want defaults", s)
	}
	if s.Threshold != 0.5 || s.IoU != 0.45 || !s.SoundAlerts || s.BrowserAlerts || !s.RecordEvents {
		t.Fatalf("unexpected defaults %+v", s)
	}
}

func TestShouldRecord(t *testing.T) {
	s := Defaults()
	if !s.ShouldRecord(0.85) {
		t.Fatalf("0.85 should be recorded at threshold 0.5")
	}
	if !s.ShouldRecord(0.5) {
		t.Fatalf("score equal to threshold should be recorded")
	}
	if s.ShouldRecord(0.49) {
		t.Fatalf("0.49 should not be recorded")
	}
	s.RecordEvents = false
	if s.ShouldRecord(0.99) {
		t.Fatalf("recording disabled")
	}
}

func TestUpdatePersistsAndClamps(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	st := NewStore(ctx, mem, DefaultKey, nil)

	got := st.Update(func(s *Settings) {
		s.Threshold = 1.7
		s.IoU = -2
		s.APIEndpoint = "ws://localhost:5000/ws"
	})
	if got.Threshold != 1 || got.IoU != 0 {
		t.Fatalf("not clamped: %+v", got)
	}

	reloaded := NewStore(ctx, mem, DefaultKey, nil).Get()
	if reloaded != got {
		t.Fatalf("reloaded %+v, want %+v", reloaded, got)
	}
}

func TestPartialAndCorruptData(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()

	_ = mem.Put(ctx, DefaultKey, []byte(`{"threshold":0.7}`))
	s := NewStore(ctx, mem, DefaultKey, nil).Get()
	if s.Threshold != 0.7 || s.IoU != 0.45 || !s.RecordEvents {
		t.Fatalf("partial restore = %+v", s)
	}

	_ = mem.Put(ctx, DefaultKey, []byte(`not json`))
	if s := NewStore(ctx, mem, DefaultKey, nil).Get(); s != Defaults() {
		t.Fatalf("corrupt restore = %+v", s)
	}
}

// gatedStore holds the first Put until release is closed.
type gatedStore struct {
	*kv.Memory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedStore() *gatedStore {
	return &gatedStore{Memory: kv.NewMemory(), entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedStore) Put(ctx context.Context, key string, value []byte) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Memory.Put(ctx, key, value)
}

func TestUpdatesPersistInOrder(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore()
	st := NewStore(ctx, store, DefaultKey, nil)

	first := make(chan struct{})
	go func() {
		st.Update(func(s *Settings) { s.Threshold = 0.9 })
		close(first)
	}()
	<-store.entered

	second := make(chan struct{})
	go func() {
		st.Update(func(s *Settings) { s.Threshold = 0.2 })
		close(second)
	}()
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	<-first
	<-second

	if got := NewStore(ctx, store.Memory, DefaultKey, nil).Get().Threshold; got != 0.2 {
		t.Fatalf("reloaded threshold = %v, want 0.2", got)
	}
}
