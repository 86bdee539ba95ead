package conn

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerCancel(t *testing.T) {
	var tm Timer
	var fired atomic.Int32
	tm.Schedule(20*time.Millisecond, func() { fired.Add(1) })
	if !tm.Pending() {
		t.Fatalf("timer should be pending")
	}
	if !tm.Cancel() {
		t.Fatalf("Cancel should report a pending callback")
	}
	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("cancelled callback fired")
	}
	if tm.Cancel() {
		t.Fatalf("second Cancel should report nothing pending")
	}
}

func TestTimerScheduleReplaces(t *testing.T) {
	var tm Timer
	got := make(chan string, 2)
	tm.Schedule(10*time.Millisecond, func() { got <- "first" })
	tm.Schedule(30*time.Millisecond, func() { got <- "second" })

	select {
	case v := <-got:
		if v != "second" {
			t.Fatalf("fired %q", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("callback never fired")
	}
	time.Sleep(30 * time.Millisecond)
	if len(got) != 0 {
		t.Fatalf("replaced callback also fired")
	}
	if tm.Pending() {
		t.Fatalf("timer still pending after firing")
	}
}
