package clock

import (
	"testing"
	"time"
)

func TestFake_AdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	a := f.NewTimer(time.Minute)
	b := f.NewTimer(time.Hour)

	f.Advance(30 * time.Second)
	select {
	case <-a.C():
		t.Fatalf("timer fired early")
	default:
	}

	f.Advance(30 * time.Second)
	select {
	case got := <-a.C():
		if !got.Equal(start.Add(time.Minute)) {
			t.Fatalf("tick=%v", got)
		}
	default:
		t.Fatalf("timer did not fire")
	}
	if f.Pending() != 1 {
		t.Fatalf("pending=%d want 1", f.Pending())
	}
	if !b.Stop() {
		t.Fatalf("Stop on armed timer should report true")
	}
	if f.Pending() != 0 {
		t.Fatalf("pending=%d want 0", f.Pending())
	}
}

func TestFake_TimerCreated(t *testing.T) {
	t.Parallel()

	f := NewFake(time.Unix(0, 0))
	ch := f.TimerCreated()
	go f.NewTimer(time.Second)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("TimerCreated not signalled")
	}
}
