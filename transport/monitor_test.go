package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	events   chan string
	causes   chan error
	probeErr error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		events: make(chan string, 16),
		causes: make(chan error, 1),
	}
}

func (h *recordingHandler) Probe() error {
	h.events <- "probe"
	return h.probeErr
}

func (h *recordingHandler) Suspect()   { h.events <- "suspect" }
func (h *recordingHandler) Recovered() { h.events <- "recovered" }

func (h *recordingHandler) Teardown(cause error) {
	h.events <- "teardown"
	h.causes <- cause
}

func (h *recordingHandler) next(t *testing.T) string {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no monitor event")
		return ""
	}
}

func waitMonitor(t *testing.T, m *Monitor) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not exit")
	}
}

// 空闲：探测 → 可疑 → 探测 → 关闭
func TestMonitorIdleEscalation(t *testing.T) {
	h := newRecordingHandler()
	m := NewMonitor(h, 20*time.Millisecond, 2, nil)
	go m.Run()

	assert.Equal(t, "probe", h.next(t))
	assert.Equal(t, "suspect", h.next(t))
	assert.Equal(t, "probe", h.next(t))
	assert.Equal(t, "teardown", h.next(t))
	assert.ErrorIs(t, <-h.causes, ErrIdleTimeout)
	waitMonitor(t, m)
}

func TestMonitorActivityRecovers(t *testing.T) {
	h := newRecordingHandler()
	m := NewMonitor(h, time.Hour, 3, nil)
	go m.Run()
	defer waitMonitor(t, m)
	defer m.Stop()

	m.OnIdle()
	require.Equal(t, "probe", h.next(t))
	m.OnIdle()
	require.Equal(t, "suspect", h.next(t))
	require.Equal(t, "probe", h.next(t))

	time.Sleep(time.Millisecond)
	m.OnActivity()
	m.OnIdle()
	assert.Equal(t, "recovered", h.next(t))

	// the counter starts over after recovery
	m.OnIdle()
	assert.Equal(t, "probe", h.next(t))
}

func TestMonitorActivityKeepsConnectionAlive(t *testing.T) {
	h := newRecordingHandler()
	m := NewMonitor(h, 30*time.Millisecond, 1, nil)
	go m.Run()

	stop := time.After(150 * time.Millisecond)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
loop:
	for {
		select {
		case <-tick.C:
			m.OnActivity()
		case <-stop:
			break loop
		}
	}
	m.Stop()
	waitMonitor(t, m)
	assert.Empty(t, h.events)
}

func TestMonitorExceptionTearsDown(t *testing.T) {
	h := newRecordingHandler()
	m := NewMonitor(h, time.Hour, 3, nil)
	go m.Run()

	boom := errors.New("read: connection reset by peer")
	m.OnException(boom)

	assert.Equal(t, "teardown", h.next(t))
	assert.ErrorIs(t, <-h.causes, boom)
	waitMonitor(t, m)

	// signals after exit are dropped without blocking
	m.OnException(boom)
	m.OnIdle()
}

func TestMonitorProbeFailureTearsDown(t *testing.T) {
	h := newRecordingHandler()
	h.probeErr = errors.New("write: broken pipe")
	m := NewMonitor(h, time.Hour, 3, nil)
	go m.Run()

	m.OnIdle()
	assert.Equal(t, "probe", h.next(t))
	assert.Equal(t, "teardown", h.next(t))
	assert.ErrorIs(t, <-h.causes, h.probeErr)
	waitMonitor(t, m)
}
