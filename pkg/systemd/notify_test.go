package systemd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	sent []string
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, state)
	return true, nil
}

func (r *recorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func withRecorder(t *testing.T) *recorder {
	t.Helper()
	r := &recorder{}
	prev := notify
	notify = r.notify
	t.Cleanup(func() { notify = prev })
	return r
}

func TestLifecycleStates(t *testing.T) {
	r := withRecorder(t)
	_, _ = Ready()
	_, _ = Status("3 feeds online")
	_, _ = Stopping()
	assert.Equal(t, []string{daemon.SdNotifyReady, "STATUS=3 feeds online", daemon.SdNotifyStopping}, r.states())
}

func TestWatchdogLoop(t *testing.T) {
	r := withRecorder(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watchdogLoop(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return len(r.states()) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, daemon.SdNotifyWatchdog, r.states()[0])
}

func TestWatchdogDisabledOutsideSystemd(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	require.NoError(t, Watchdog(context.Background()))
}
