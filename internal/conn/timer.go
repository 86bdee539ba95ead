package conn

import (
	"sync"
	"time"
)

// Timer is a cancellable deferred callback. Each Schedule or Cancel bumps a
// generation, and a callback only runs while its generation is current, so
// a timer that already fired but has not started its callback is still
// cancelled.
type Timer struct {
	mu  sync.Mutex
	t   *time.Timer
	gen uint64
}

// Schedule replaces any pending callback with fn after d.
func (t *Timer) Schedule(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	g := t.gen
	if t.t != nil {
		t.t.Stop()
	}
	t.t = time.AfterFunc(d, func() {
		t.mu.Lock()
		current := g == t.gen
		if current {
			t.t = nil
		}
		t.mu.Unlock()
		if current {
			fn()
		}
	})
}

// Cancel invalidates the pending callback. It reports whether one was
// pending.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	pending := t.t != nil
	if pending {
		t.t.Stop()
		t.t = nil
	}
	return pending
}

// Pending reports whether a callback is scheduled and not yet run.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.t != nil
}
