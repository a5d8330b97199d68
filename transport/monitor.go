package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultIdleTimeout   = 30 * time.Second
	DefaultMaxIdleProbes = 3
)

// MonitorHandler receives the decisions a Monitor makes about its connection.
// All methods are called from the monitor goroutine, one at a time.
type MonitorHandler interface {
	// Probe sends a heartbeat to the peer. It must not block: a heartbeat
	// that cannot be written is simply one the peer never answers.
	Probe() error
	// Suspect is called when a probe went unanswered.
	Suspect()
	// Recovered is called when the peer is heard from again after Suspect.
	Recovered()
	// Teardown closes the connection and fails everything pending on it.
	Teardown(cause error)
}

type monitorEvent struct {
	idle  bool
	cause error
}

// Monitor watches one connection for idleness and faults.
//
// Signals from the read path and from outside (OnIdle, OnException) are
// handed to a single goroutine over a channel, so every state change for the
// connection, teardown included, happens in one place.
//
// A quiet connection is not a dead one: an idle window only triggers a
// heartbeat probe. The connection is reported suspect once a probe goes
// unanswered, and torn down only after maxProbes consecutive probes go
// unanswered.
type Monitor struct {
	handler   MonitorHandler
	idle      time.Duration
	maxProbes int
	logger    *zap.Logger

	lastActivity atomic.Int64 // unix nanos of the last inbound frame
	events       chan monitorEvent
	stop         chan struct{}
	stopOnce     sync.Once
	done         chan struct{}
}

func NewMonitor(handler MonitorHandler, idle time.Duration, maxProbes int, logger *zap.Logger) *Monitor {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	if maxProbes <= 0 {
		maxProbes = DefaultMaxIdleProbes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		handler:   handler,
		idle:      idle,
		maxProbes: maxProbes,
		logger:    logger,
		events:    make(chan monitorEvent, 8),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	m.lastActivity.Store(time.Now().UnixNano())
	return m
}

// OnActivity records that a frame was received.
func (m *Monitor) OnActivity() {
	m.lastActivity.Store(time.Now().UnixNano())
}

// OnIdle reports that nothing traversed the connection within the idle window.
func (m *Monitor) OnIdle() {
	m.signal(monitorEvent{idle: true})
}

// OnException reports an I/O or decode fault. The connection is torn down.
func (m *Monitor) OnException(cause error) {
	m.signal(monitorEvent{cause: cause})
}

// Stop ends the monitor goroutine without tearing anything down.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Done is closed when the monitor goroutine has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

func (m *Monitor) signal(ev monitorEvent) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// Run is the monitor goroutine. It returns after a teardown or Stop.
func (m *Monitor) Run() {
	defer close(m.done)

	timer := time.NewTimer(m.idle)
	defer timer.Stop()

	probes := 0 // consecutive probes without any inbound frame
	seen := m.lastActivity.Load()

	// heard reports whether the peer has sent anything since the last check.
	heard := func() bool {
		last := m.lastActivity.Load()
		if last == seen {
			return false
		}
		seen = last
		if probes > 0 {
			m.logger.Debug("peer answered after idle probe", zap.Int("probes", probes))
			if probes > 1 {
				m.handler.Recovered()
			}
			probes = 0
		}
		return true
	}

	// idle handles one idle window; it reports false after a teardown.
	idle := func() bool {
		if probes >= m.maxProbes {
			m.logger.Warn("idle probes unanswered, closing connection", zap.Int("probes", probes))
			m.handler.Teardown(ErrIdleTimeout)
			return false
		}
		if probes == 1 {
			m.handler.Suspect()
		}
		if err := m.handler.Probe(); err != nil {
			m.logger.Warn("unable to send idle probe", zap.Error(err))
			m.handler.Teardown(err)
			return false
		}
		probes++
		return true
	}

	for {
		select {
		case <-m.stop:
			return
		case ev := <-m.events:
			if ev.cause != nil {
				m.handler.Teardown(ev.cause)
				return
			}
			if !heard() && !idle() {
				return
			}
		case <-timer.C:
			heard()
			quiet := time.Since(time.Unix(0, seen))
			if quiet < m.idle {
				timer.Reset(m.idle - quiet)
				continue
			}
			if !idle() {
				return
			}
			timer.Reset(m.idle)
		}
	}
}
