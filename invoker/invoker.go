// Package invoker binds one endpoint to the connection that reaches it.
//
// An Invoker owns at most one multiplexed transport.Conn at a time and tracks
// the endpoint's health from that connection's monitor. Routers read the
// health to decide which endpoints a call may use; a DEAD invoker keeps
// redialing in the background and becomes HEALTHY again once it reconnects.
package invoker

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mrpc/codec"
	"mrpc/message"
	"mrpc/metrics"
	"mrpc/registry"
	"mrpc/transport"
)

const (
	minBackoff = time.Millisecond * 5
	maxBackoff = time.Second

	DefaultDialTimeout = 5 * time.Second
)

var (
	ErrInvokerClosed = errors.New("invoker closed")
	ErrCallCanceled  = errors.New("call canceled")
)

// Health is what routers know about an endpoint.
type Health int32

const (
	Healthy Health = iota
	Suspect
	Dead
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Suspect:
		return "suspect"
	case Dead:
		return "dead"
	}
	return "unknown"
}

// DialFunc opens the byte stream to an endpoint.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

type Options struct {
	Codec       codec.CodecType
	DialTimeout time.Duration
	Dial        DialFunc          // nil dials TCP
	Transport   transport.Options // Tag, Listener and Handler are set by the invoker
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

type Invoker struct {
	instance registry.ServiceInstance
	codec    codec.Codec
	dial     DialFunc
	opts     Options
	logger   *zap.Logger

	health atomic.Int32

	mu        sync.Mutex
	conn      *transport.Conn
	lastErr   error // why the endpoint is DEAD
	redialing bool
	closed    bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New returns an invoker for instance. No connection is made until the first
// call needs one.
func New(instance registry.ServiceInstance, opts Options) (*Invoker, error) {
	if opts.Codec == 0 {
		opts.Codec = codec.CodecTypePolyglot
	}
	cdc, err := codec.GetCodec(opts.Codec)
	if err != nil {
		return nil, err
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	i := &Invoker{
		instance: instance,
		codec:    cdc,
		dial:     opts.Dial,
		opts:     opts,
		logger:   logger.With(zap.String("endpoint", instance.Addr)),
		stop:     make(chan struct{}),
	}
	if i.dial == nil {
		d := &net.Dialer{}
		i.dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return i, nil
}

func (i *Invoker) Addr() string                       { return i.instance.Addr }
func (i *Invoker) Instance() registry.ServiceInstance { return i.instance }
func (i *Invoker) Health() Health                     { return Health(i.health.Load()) }

// Weight is the instance weight, at least 1.
func (i *Invoker) Weight() int {
	if i.instance.Weight <= 0 {
		return 1
	}
	return i.instance.Weight
}

// Invoke serializes args, sends the request on the endpoint's connection and
// returns the call without waiting for the response. timeout bounds the call
// from now; zero leaves only the context deadline, if any.
func (i *Invoker) Invoke(ctx context.Context, serviceMethod string, args any, timeout time.Duration) (*Call, error) {
	body, err := i.encode(serviceMethod, args)
	if err != nil {
		return nil, err
	}

	conn, err := i.connection(ctx)
	if err != nil {
		return nil, err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	pending, err := conn.Send(ctx, body, deadline)
	if err != nil {
		return nil, err
	}
	return &Call{ServiceMethod: serviceMethod, conn: conn, pending: pending}, nil
}

// Notify sends a one-way call. It returns once the frame is written.
func (i *Invoker) Notify(ctx context.Context, serviceMethod string, args any) error {
	body, err := i.encode(serviceMethod, args)
	if err != nil {
		return err
	}
	conn, err := i.connection(ctx)
	if err != nil {
		return err
	}
	return conn.SendOneway(ctx, body)
}

// Close stops redialing and closes the connection, failing its pending calls.
func (i *Invoker) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	conn := i.conn
	i.conn = nil
	close(i.stop)
	i.mu.Unlock()

	i.health.Store(int32(Dead))
	if conn != nil {
		_ = conn.Close()
	}
	i.wg.Wait()
	return nil
}

func (i *Invoker) encode(serviceMethod string, args any) ([]byte, error) {
	payload, err := i.codec.Encode(args)
	if err != nil {
		return nil, err
	}
	return i.codec.Encode(&message.RPCMessage{ServiceMethod: serviceMethod, Payload: payload})
}

// connection returns the live connection, dialing it on first use. While the
// endpoint is DEAD the caller fails fast and the background redial carries on.
func (i *Invoker) connection(ctx context.Context) (*transport.Conn, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil, ErrInvokerClosed
	}
	if i.conn != nil {
		return i.conn, nil
	}
	if i.redialing {
		return nil, errors.Join(transport.ErrConnectionLost, i.lastErr)
	}

	dialCtx, cancel := context.WithTimeout(ctx, i.opts.DialTimeout)
	defer cancel()
	conn, err := i.connect(dialCtx)
	if err == nil {
		err = i.publish(conn)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		i.logger.Warn("unable to connect", zap.Error(err))
		i.markDead(err)
		return nil, errors.Join(transport.ErrConnectionLost, err)
	}
	return conn, nil
}

func (i *Invoker) connect(ctx context.Context) (*transport.Conn, error) {
	nc, err := i.dial(ctx, i.instance.Addr)
	if err != nil {
		return nil, err
	}
	topts := i.opts.Transport
	topts.Tag = i.codec.Type()
	topts.Handler = nil
	topts.Listener = i
	if topts.Logger == nil {
		topts.Logger = i.logger
	}
	if topts.Metrics == nil {
		topts.Metrics = i.opts.Metrics
	}
	return transport.NewConn(nc, topts), nil
}

// publish must be called with mu held. A conn that closed before it was
// published was ignored by ConnClosed, so its error is returned instead.
func (i *Invoker) publish(conn *transport.Conn) error {
	if err := conn.Err(); err != nil {
		return err
	}
	i.conn = conn
	i.health.Store(int32(Healthy))
	return nil
}

// markDead must be called with mu held.
func (i *Invoker) markDead(cause error) {
	i.health.Store(int32(Dead))
	i.lastErr = cause
	if i.redialing || i.closed {
		return
	}
	i.redialing = true
	i.wg.Add(1)
	go i.redial()
}

func (i *Invoker) redial() {
	defer i.wg.Done()

	var backoff time.Duration
	for {
		if backoff == 0 {
			backoff = minBackoff
		} else if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		i.logger.Debug("redialing endpoint", zap.Duration("backoff", backoff))

		select {
		case <-i.stop:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), i.opts.DialTimeout)
		conn, err := i.connect(ctx)
		cancel()

		i.mu.Lock()
		if i.closed {
			i.mu.Unlock()
			i.health.Store(int32(Dead))
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err == nil {
			err = i.publish(conn)
		}
		if err != nil {
			i.health.Store(int32(Dead))
			i.lastErr = err
			i.mu.Unlock()
			continue
		}
		i.redialing = false
		i.lastErr = nil
		i.mu.Unlock()

		i.logger.Info("endpoint reconnected")
		return
	}
}

// ConnSuspect implements transport.Listener.
func (i *Invoker) ConnSuspect(c *transport.Conn) {
	if i.current(c) {
		i.health.CompareAndSwap(int32(Healthy), int32(Suspect))
	}
}

// ConnRecovered implements transport.Listener.
func (i *Invoker) ConnRecovered(c *transport.Conn) {
	if i.current(c) {
		i.health.CompareAndSwap(int32(Suspect), int32(Healthy))
	}
}

// ConnClosed implements transport.Listener.
func (i *Invoker) ConnClosed(c *transport.Conn, cause error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.conn != c {
		return
	}
	i.conn = nil
	if i.closed {
		return
	}
	i.markDead(cause)
}

func (i *Invoker) current(c *transport.Conn) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.conn == c
}
