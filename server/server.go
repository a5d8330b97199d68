// Package server implements the RPC server with service registration, middleware chain,
// parallel request processing, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → transport.Conn (single goroutine reads envelopes)
//	  → for each request: handleRequest on its own goroutine
//	    → Codec.Decode → Middleware Chain → businessHandler (reflect.Call) → Codec.Encode → Conn.Reply
//
// Every response is encoded with the codec named by its request's tag, so
// clients using different codecs can share one server. Heartbeats, idle
// probing and protocol violations are handled by the transport.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mrpc/codec"
	"mrpc/message"
	"mrpc/metrics"
	"mrpc/middleware"
	"mrpc/protocol"
	"mrpc/registry"
	"mrpc/transport"
)

const DefaultRegistryTTL = 10 // seconds

var (
	ErrServerClosed    = errors.New("server closed")
	ErrShutdownTimeout = errors.New("timeout waiting for ongoing requests to finish")
)

type Options struct {
	MaxPayload    uint32
	IdleTimeout   time.Duration
	MaxIdleProbes int
	WriteTimeout  time.Duration
	Weight        int   // advertised to the registry
	RegistryTTL   int64 // seconds; 0 = DefaultRegistryTTL
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	opts   Options
	logger *zap.Logger

	mu            sync.Mutex
	serviceMap    map[string]*service // Registered services: "Arith" → *service
	middlewares   []middleware.Middleware
	handler       middleware.HandlerFunc // middleware(middleware(...(businessHandler)))
	listener      net.Listener
	conns         map[*transport.Conn]struct{}
	registry      registry.Registry // nil if not using discovery
	advertiseAddr string            // routable address registered for this server
	shutdown      bool

	wg sync.WaitGroup // in-flight requests

	ctx    context.Context // canceled on shutdown; parent of every request context
	cancel context.CancelFunc
}

// NewServer creates a new RPC server with an empty service map.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RegistryTTL <= 0 {
		opts.RegistryTTL = DefaultRegistryTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:       opts,
		logger:     opts.Logger,
		serviceMap: make(map[string]*service),
		conns:      make(map[*transport.Conn]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Register publishes the receiver's suitable methods under its type name,
// e.g. &Arith{} serves "Arith.Add".
func (svr *Server) Register(rcvr any) error {
	return svr.RegisterName("", rcvr)
}

// RegisterName is like Register but uses name instead of the type name.
func (svr *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, dup := svr.serviceMap[svc.name]; dup {
		return fmt.Errorf("rpc: service already defined: %s", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	svr.logger.Debug("service registered", zap.String("service", svc.name), zap.Strings("methods", svc.methodNames()))
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address and serves until Shutdown. See ServeListener.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener registers every service under advertiseAddr with reg (nil
// skips discovery) and accepts connections until Shutdown, when it returns nil.
//
// advertiseAddr differs from the listen address because ":8080" resolves to
// "[::]:8080" locally and the registry needs a routable IP.
func (svr *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	svr.mu.Lock()
	if svr.shutdown {
		svr.mu.Unlock()
		_ = listener.Close()
		return ErrServerClosed
	}
	svr.listener = listener
	// Build the middleware chain once at startup (not per-request)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	svr.advertiseAddr = advertiseAddr
	svr.registry = reg
	names := make([]string, 0, len(svr.serviceMap))
	for name := range svr.serviceMap {
		names = append(names, name)
	}
	svr.mu.Unlock()

	if reg != nil {
		instance := registry.ServiceInstance{Addr: advertiseAddr, Weight: svr.opts.Weight}
		for _, name := range names {
			// the lease is kept alive in the background until Deregister
			if err := reg.Register(svr.ctx, name, instance, svr.opts.RegistryTTL); err != nil {
				_ = listener.Close()
				return fmt.Errorf("unable to register service %s: %w", name, err)
			}
		}
	}
	svr.logger.Info("serving", zap.Stringer("addr", listener.Addr()), zap.Strings("services", names))

	// Accept loop: one transport.Conn per connection
	for {
		nc, err := listener.Accept()
		if err != nil {
			svr.mu.Lock()
			closing := svr.shutdown
			svr.mu.Unlock()
			if closing {
				return nil
			}
			return err
		}
		svr.track(nc)
	}
}

func (svr *Server) track(nc net.Conn) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown {
		_ = nc.Close()
		return
	}
	c := transport.NewConn(nc, transport.Options{
		MaxPayload:    svr.opts.MaxPayload,
		IdleTimeout:   svr.opts.IdleTimeout,
		MaxIdleProbes: svr.opts.MaxIdleProbes,
		WriteTimeout:  svr.opts.WriteTimeout,
		Handler:       svr.handleRequest,
		Listener:      svr,
		Logger:        svr.logger,
		Metrics:       svr.opts.Metrics,
	})
	svr.conns[c] = struct{}{}
}

// ConnSuspect implements transport.Listener.
func (svr *Server) ConnSuspect(c *transport.Conn) {
	svr.logger.Debug("client is not answering heartbeats", zap.Stringer("remote", c.RemoteAddr()))
}

// ConnRecovered implements transport.Listener.
func (svr *Server) ConnRecovered(c *transport.Conn) {}

// ConnClosed implements transport.Listener.
func (svr *Server) ConnClosed(c *transport.Conn, cause error) {
	svr.mu.Lock()
	delete(svr.conns, c)
	svr.mu.Unlock()
}

// handleRequest processes a single request or one-way call:
// decode → middleware → business logic → encode → reply.
//
// The protocol layer (codec encode/decode, reply) is separated from the
// business layer (service lookup, reflection call) so middleware wraps only
// the business logic.
func (svr *Server) handleRequest(c *transport.Conn, env *protocol.Envelope) {
	// Track this request for graceful shutdown
	svr.mu.Lock()
	if svr.shutdown {
		svr.mu.Unlock()
		svr.reply(c, env, &message.RPCMessage{Error: ErrServerClosed.Error()})
		return
	}
	svr.wg.Add(1)
	handler := svr.handler
	svr.mu.Unlock()
	defer svr.wg.Done()

	// The decoder only yields known tags, so this cannot fail
	cdc, err := codec.GetCodec(env.Tag)
	if err != nil {
		svr.logger.Error("no codec for tag", zap.Stringer("tag", env.Tag))
		return
	}

	var resp *message.RPCMessage
	req := &message.RPCMessage{}
	if err := cdc.Decode(env.Payload, req); err != nil {
		resp = &message.RPCMessage{Error: err.Error()}
	} else {
		resp = handler(withCodec(svr.ctx, cdc), req)
	}

	if env.Kind == protocol.KindOneway {
		if resp.Error != "" {
			svr.logger.Debug("one-way call failed", zap.String("method", req.ServiceMethod), zap.String("error", resp.Error))
		}
		return
	}
	svr.reply(c, env, resp)
}

func (svr *Server) reply(c *transport.Conn, env *protocol.Envelope, resp *message.RPCMessage) {
	if env.Kind == protocol.KindOneway {
		return
	}
	cdc, err := codec.GetCodec(env.Tag)
	if err != nil {
		return
	}
	body, err := cdc.Encode(resp)
	if err != nil {
		svr.logger.Error("unable to encode response", zap.String("method", resp.ServiceMethod), zap.Error(err))
		if body, err = cdc.Encode(&message.RPCMessage{ServiceMethod: resp.ServiceMethod, Error: err.Error()}); err != nil {
			return
		}
	}
	if err := c.Reply(env.Tag, env.ID, body); err != nil {
		svr.logger.Debug("unable to write response", zap.Uint64("id", env.ID), zap.Error(err))
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services (clients stop routing to this server)
//  2. Close the listener (stop accepting new connections)
//  3. Wait for in-flight requests to finish (with timeout)
//  4. Close every connection
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.Lock()
	if svr.shutdown {
		svr.mu.Unlock()
		return nil
	}
	svr.shutdown = true
	reg, addr, listener := svr.registry, svr.advertiseAddr, svr.listener
	names := make([]string, 0, len(svr.serviceMap))
	for name := range svr.serviceMap {
		names = append(names, name)
	}
	svr.mu.Unlock()

	// Deregister FIRST so clients stop sending new requests
	if reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for _, name := range names {
			if err := reg.Deregister(ctx, name, addr); err != nil {
				svr.logger.Warn("unable to deregister service", zap.String("service", name), zap.Error(err))
			}
		}
		cancel()
	}
	if listener != nil {
		_ = listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = ErrShutdownTimeout
	}

	svr.cancel()
	svr.mu.Lock()
	conns := make([]*transport.Conn, 0, len(svr.conns))
	for c := range svr.conns {
		conns = append(conns, c)
	}
	svr.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return err
}

type codecKey struct{}

func withCodec(ctx context.Context, c codec.Codec) context.Context {
	return context.WithValue(ctx, codecKey{}, c)
}

// CodecFromContext returns the codec of the request being served.
func CodecFromContext(ctx context.Context) (codec.Codec, bool) {
	c, ok := ctx.Value(codecKey{}).(codec.Codec)
	return c, ok
}

// businessHandler is the core handler that dispatches RPC requests to registered services.
// It is wrapped by the middleware chain and has the HandlerFunc signature.
//
// Flow: parse "Service.Method" → find service → find method → reflect.New(args) →
// Decode(payload, args) → reflect.Call → Encode(reply) → return RPCMessage
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	resp := &message.RPCMessage{ServiceMethod: req.ServiceMethod}

	serviceName, methodName, ok := strings.Cut(req.ServiceMethod, ".")
	if !ok || serviceName == "" || methodName == "" || strings.Contains(methodName, ".") {
		resp.Error = "rpc: service/method request ill-formed: " + req.ServiceMethod
		return resp
	}

	svr.mu.Lock()
	svc := svr.serviceMap[serviceName]
	svr.mu.Unlock()
	if svc == nil {
		resp.Error = "rpc: can't find service " + serviceName
		return resp
	}
	method := svc.method[methodName]
	if method == nil {
		resp.Error = "rpc: can't find method " + req.ServiceMethod
		return resp
	}

	cdc, ok := CodecFromContext(ctx)
	if !ok {
		cdc = &codec.PolyglotCodec{}
	}

	// Create new instances of args and reply types via reflection
	argv := reflect.New(method.ArgType)     // e.g., reflect.New(Args) → *Args
	replyv := reflect.New(method.ReplyType) // e.g., reflect.New(Reply) → *Reply
	if err := cdc.Decode(req.Payload, argv.Interface()); err != nil {
		resp.Error = err.Error()
		return resp
	}

	if err := svc.call(method, argv, replyv); err != nil {
		resp.Error = err.Error()
		return resp
	}

	payload, err := cdc.Encode(replyv.Interface())
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Payload = payload
	return resp
}
