// Package transport implements one multiplexed connection: many concurrent
// calls share a single byte stream, each tagged with a request id.
//
// A single goroutine (readLoop) reads envelopes and routes responses to the
// right caller through the PendingTable, so responses can arrive in any order.
// Writers take turns on a one-slot semaphore so frames never interleave, and
// every write is bounded by a deadline so a peer that stops reading cannot
// hold a caller past its call deadline.
//
//	goroutine-1 ──Send(id=1)──┐
//	goroutine-2 ──Send(id=2)──┼──→ single conn ──→ peer
//	goroutine-3 ──Send(id=3)──┘
//
//	readLoop:  ←── response(id=2) → pending[2] → goroutine-2 wakes up
//
// Liveness is handled by a Monitor per connection: idle windows trigger
// heartbeats, and every fault ends in one teardown that fails all pending calls.
package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mrpc/metrics"
	"mrpc/protocol"
)

// Listener is told about health changes of a connection.
type Listener interface {
	ConnSuspect(c *Conn)
	ConnRecovered(c *Conn)
	ConnClosed(c *Conn, cause error)
}

// HandlerFunc serves an inbound request or one-way envelope. It runs on its own
// goroutine; for requests it should answer with Conn.Reply.
type HandlerFunc func(c *Conn, env *protocol.Envelope)

// DefaultWriteTimeout bounds a frame write when Options.WriteTimeout is zero.
const DefaultWriteTimeout = 10 * time.Second

type Options struct {
	Tag           protocol.Tag  // Wire format for outbound calls and heartbeats
	MaxPayload    uint32        // Largest payload accepted or sent; 0 = protocol.DefaultMaxPayload
	IdleTimeout   time.Duration // Quiet period before a heartbeat probe
	MaxIdleProbes int           // Unanswered probes before the connection is closed
	WriteTimeout  time.Duration // Per-frame write deadline; 0 = DefaultWriteTimeout
	IDLimit       uint64        // Largest request id; 0 = DefaultIDLimit

	Handler  HandlerFunc // Inbound requests; nil drops them
	Listener Listener
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Conn manages a single multiplexed connection.
type Conn struct {
	id         uuid.UUID
	nc         net.Conn
	tag        protocol.Tag
	maxPayload uint32
	wt         time.Duration

	alloc   *Allocator
	pending *PendingTable
	monitor *Monitor
	reader  *protocol.Reader
	writeSem chan struct{} // one frame at a time on the wire
	probing  atomic.Bool   // a heartbeat write is in flight

	handler  HandlerFunc
	listener Listener
	logger   *zap.Logger
	metrics  *metrics.Metrics

	closeOnce sync.Once
	closed    chan struct{}
	err       error // teardown cause, set before closed is closed
}

// NewConn wraps nc and starts its read loop and monitor.
func NewConn(nc net.Conn, opts Options) *Conn {
	if !opts.Tag.Known() {
		opts.Tag = protocol.TagPolyglot
	}
	if opts.MaxPayload == 0 {
		opts.MaxPayload = protocol.DefaultMaxPayload
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Conn{
		id:         uuid.New(),
		nc:         nc,
		tag:        opts.Tag,
		maxPayload: opts.MaxPayload,
		wt:         opts.WriteTimeout,
		reader:     protocol.NewReader(nc, opts.MaxPayload),
		writeSem:   make(chan struct{}, 1),
		handler:    opts.Handler,
		listener:   opts.Listener,
		metrics:    opts.Metrics,
		closed:     make(chan struct{}),
	}
	c.logger = logger.With(zap.String("conn", c.id.String()), zap.String("remote", nc.RemoteAddr().String()))
	c.pending = NewPendingTable(c.logger, opts.Metrics)
	c.alloc = NewAllocator(opts.IDLimit, c.pending.Contains)
	c.monitor = NewMonitor(connMonitor{c}, opts.IdleTimeout, opts.MaxIdleProbes, c.logger)

	go c.monitor.Run()
	go c.readLoop()
	return c
}

func (c *Conn) ID() uuid.UUID         { return c.id }
func (c *Conn) RemoteAddr() net.Addr  { return c.nc.RemoteAddr() }
func (c *Conn) Tag() protocol.Tag     { return c.tag }
func (c *Conn) Monitor() *Monitor     { return c.monitor }
func (c *Conn) Pending() int          { return c.pending.Len() }
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Err returns the teardown cause once Done is closed, nil before.
func (c *Conn) Err() error {
	select {
	case <-c.closed:
		return c.err
	default:
		return nil
	}
}

// Send writes a request carrying payload and returns the pending call that
// its response will resolve. The call times out at deadline unless it is zero.
func (c *Conn) Send(ctx context.Context, payload []byte, deadline time.Time) (*PendingCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if uint64(len(payload)) > uint64(c.maxPayload) {
		return nil, &protocol.FrameTooLargeError{Length: uint64(len(payload)), Max: uint64(c.maxPayload)}
	}

	id, err := c.alloc.Next()
	if err != nil {
		c.logger.Error("unable to allocate request id", zap.Error(err))
		return nil, err
	}

	// Register BEFORE writing, or the response may beat us to the table
	call, err := c.pending.Register(id, deadline)
	if err != nil {
		return nil, err
	}

	err = c.writeEnvelope(ctx, &protocol.Envelope{Tag: c.tag, Kind: protocol.KindRequest, ID: id, Payload: payload}, deadline)
	if err != nil {
		if errors.Is(err, ErrWriteStalled) {
			err = errors.Join(ErrCallTimeout, err)
		}
		c.pending.Fail(id, err)
		return nil, err
	}
	return call, nil
}

// SendOneway writes a one-way call; no response is expected.
func (c *Conn) SendOneway(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if uint64(len(payload)) > uint64(c.maxPayload) {
		return &protocol.FrameTooLargeError{Length: uint64(len(payload)), Max: uint64(c.maxPayload)}
	}
	id, err := c.alloc.Next()
	if err != nil {
		return err
	}
	return c.writeEnvelope(ctx, &protocol.Envelope{Tag: c.tag, Kind: protocol.KindOneway, ID: id, Payload: payload}, time.Time{})
}

// Reply answers the request with the given tag and id.
func (c *Conn) Reply(tag protocol.Tag, id uint64, payload []byte) error {
	return c.writeEnvelope(context.Background(), &protocol.Envelope{Tag: tag, Kind: protocol.KindResponse, ID: id, Payload: payload}, time.Time{})
}

// Cancel abandons a pending call with cause.
func (c *Conn) Cancel(call *PendingCall, cause error) bool {
	return c.pending.Cancel(call.ID, cause)
}

// Close tears the connection down, failing every pending call.
func (c *Conn) Close() error {
	c.teardown(ErrConnClosed)
	return nil
}

// writeEnvelope writes env before deadline and reports a failed write to the
// monitor. A zero deadline means the write timeout alone bounds the write.
func (c *Conn) writeEnvelope(ctx context.Context, env *protocol.Envelope, deadline time.Time) error {
	err := c.write(ctx, env, c.writeDeadline(ctx, deadline))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConnectionLost), errors.Is(err, protocol.ErrProtocol),
		errors.Is(err, ErrWriteStalled), errors.Is(err, ctx.Err()):
		return err
	}
	c.monitor.OnException(err)
	return errors.Join(ErrConnectionLost, err)
}

// writeDeadline is the earliest of the write timeout, deadline and ctx's deadline.
func (c *Conn) writeDeadline(ctx context.Context, deadline time.Time) time.Time {
	d := time.Now().Add(c.wt)
	if !deadline.IsZero() && deadline.Before(d) {
		d = deadline
	}
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		d = cd
	}
	return d
}

func (c *Conn) write(ctx context.Context, env *protocol.Envelope, deadline time.Time) error {
	buf, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case c.writeSem <- struct{}{}:
	case <-c.closed:
		return errors.Join(ErrConnectionLost, c.err)
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrWriteStalled
	}
	defer func() { <-c.writeSem }()

	select {
	case <-c.closed:
		return errors.Join(ErrConnectionLost, c.err)
	default:
	}
	_ = c.nc.SetWriteDeadline(deadline)
	n, err := c.nc.Write(buf)
	if n == 0 && errors.Is(err, os.ErrDeadlineExceeded) {
		// nothing reached the wire, the stream is still in sync
		return ErrWriteStalled
	}
	return err
}

// readLoop is the only reader of the connection.
func (c *Conn) readLoop() {
	for {
		env, err := c.reader.ReadEnvelope()
		if err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				c.logger.Error("protocol violation from peer, closing connection", zap.Error(err))
			}
			c.monitor.OnException(err)
			return
		}
		c.monitor.OnActivity()
		c.dispatch(env)
	}
}

func (c *Conn) dispatch(env *protocol.Envelope) {
	switch env.Kind {
	case protocol.KindResponse:
		c.pending.Resolve(env.ID, env)
	case protocol.KindHeartbeat:
		// Answer off the read path: with an unbuffered transport both peers
		// could otherwise block writing to each other.
		go func() {
			ack := &protocol.Envelope{Tag: env.Tag, Kind: protocol.KindHeartbeatAck, ID: env.ID}
			if err := c.writeEnvelope(context.Background(), ack, time.Time{}); err != nil {
				c.logger.Debug("unable to answer heartbeat", zap.Error(err))
			}
		}()
	case protocol.KindHeartbeatAck:
		// activity already recorded
	case protocol.KindRequest, protocol.KindOneway:
		if c.handler == nil {
			c.logger.Warn("dropping inbound call on a client connection", zap.Uint64("id", env.ID), zap.Stringer("kind", env.Kind))
			return
		}
		go c.handler(c, env)
	}
}

func (c *Conn) teardown(cause error) {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.err = cause
		_ = c.nc.Close()

		n := c.pending.FailAll(errors.Join(ErrConnectionLost, cause))
		if errors.Is(cause, ErrConnClosed) {
			c.logger.Debug("connection closed", zap.Int("failed", n))
		} else {
			c.logger.Warn("connection torn down", zap.Error(cause), zap.Int("failed", n))
		}
		c.metrics.ConnectionClosed(closeReason(cause))
		close(c.closed)
		c.monitor.Stop()
	})
	if first && c.listener != nil {
		c.listener.ConnClosed(c, cause)
	}
}

func closeReason(cause error) string {
	switch {
	case errors.Is(cause, ErrConnClosed):
		return "closed"
	case errors.Is(cause, ErrIdleTimeout):
		return "idle"
	case errors.Is(cause, protocol.ErrProtocol):
		return "protocol"
	}
	return "exception"
}

// connMonitor adapts Conn to MonitorHandler.
type connMonitor struct{ c *Conn }

// Probe writes the heartbeat off the monitor goroutine. A heartbeat that is
// still queued behind a stalled write is not sent twice; either way the peer
// has not answered and the monitor keeps counting.
func (m connMonitor) Probe() error {
	c := m.c
	if !c.probing.CompareAndSwap(false, true) {
		c.logger.Debug("previous heartbeat not written yet")
		return nil
	}
	go func() {
		defer c.probing.Store(false)
		hb := &protocol.Envelope{Tag: c.tag, Kind: protocol.KindHeartbeat}
		if err := c.writeEnvelope(context.Background(), hb, time.Now().Add(c.monitor.idle)); err != nil {
			c.logger.Debug("unable to write heartbeat", zap.Error(err))
		}
	}()
	return nil
}

func (m connMonitor) Suspect() {
	m.c.logger.Info("peer is not answering heartbeats")
	if m.c.listener != nil {
		m.c.listener.ConnSuspect(m.c)
	}
}

func (m connMonitor) Recovered() {
	m.c.logger.Info("peer is answering again")
	if m.c.listener != nil {
		m.c.listener.ConnRecovered(m.c)
	}
}

func (m connMonitor) Teardown(cause error) {
	m.c.teardown(cause)
}
