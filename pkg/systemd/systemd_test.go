package systemd

import (
	"context"
	"testing"
)

// Without NOTIFY_SOCKET every call reports "not sent" and no error.
func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	for name, fn := range map[string]func() (bool, error){
		"ready":    Ready,
		"stopping": Stopping,
		"status":   func() (bool, error) { return Status("serving") },
	} {
		sent, err := fn()
		if sent || err != nil {
			t.Fatalf("%s: sent=%v err=%v", name, sent, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Watchdog(ctx); err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
}
