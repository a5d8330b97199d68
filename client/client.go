// Package client is the caller's entry point: it turns "Service.Method" into
// a call on one endpoint.
//
// For every service the client keeps a directory of invokers fed by the
// registry (Discover, then Watch). Invokers are shared by address, so a server
// hosting several services is reached over one multiplexed connection.
//
//	Invoke: directory → Router → Invoker → Allocator → Codec → protocol → PendingTable
//
// Invoke is single-shot: a failed call is reported, never retried. Call adds
// failover on top, walking the router's order on retryable errors.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mrpc/codec"
	"mrpc/invoker"
	"mrpc/loadbalance"
	"mrpc/metrics"
	"mrpc/registry"
	"mrpc/transport"
)

const (
	DefaultTimeout        = 5 * time.Second
	DefaultRetryBaseDelay = 10 * time.Millisecond
	discoverTimeout       = 5 * time.Second
)

var (
	// ErrNoAvailableInvoker means the router left no endpoint for the call.
	ErrNoAvailableInvoker = errors.New("no available invoker")
	ErrClientClosed       = errors.New("client closed")
)

type Options struct {
	Codec          codec.CodecType
	Timeout        time.Duration // per-attempt timeout used by Call
	Retries        int           // extra attempts Call makes on retryable errors
	RetryBaseDelay time.Duration // backoff before retry i is RetryBaseDelay << i
	Invoker        invoker.Options
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

type Client struct {
	registry registry.Registry
	router   loadbalance.Router
	opts     Options
	logger   *zap.Logger

	ctx    context.Context // parent of every registry watch
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	services map[string]*directory
	invokers map[string]*sharedInvoker // by address
	closed   bool
}

type sharedInvoker struct {
	inv  *invoker.Invoker
	refs int // directories holding it
}

// directory is the candidate set of one service.
type directory struct {
	name       string
	ready      chan struct{} // closed once the first discovery finished
	err        error         // first discovery failure, set before ready is closed
	candidates atomic.Pointer[[]*invoker.Invoker]
	addrs      map[string]struct{} // guarded by Client.mu
	cancel     context.CancelFunc
}

// NewClient returns a client discovering endpoints through reg. A nil router
// selects loadbalance.Default().
func NewClient(reg registry.Registry, router loadbalance.Router, opts Options) *Client {
	if router == nil {
		router = loadbalance.Default()
	}
	if opts.Codec == 0 {
		opts.Codec = codec.CodecTypePolyglot
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Invoker.Codec = opts.Codec
	if opts.Invoker.Logger == nil {
		opts.Invoker.Logger = opts.Logger
	}
	if opts.Invoker.Metrics == nil {
		opts.Invoker.Metrics = opts.Metrics
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		registry: reg,
		router:   router,
		opts:     opts,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		services: make(map[string]*directory),
		invokers: make(map[string]*sharedInvoker),
	}
}

type routeKey struct{}

// WithRouteKey attaches the affinity key consistent-hash routing uses.
func WithRouteKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, routeKey{}, key)
}

// Invoke sends one request to the first endpoint the router selects and
// returns without waiting for the response. timeout bounds the call; zero
// leaves only the context deadline.
func (c *Client) Invoke(ctx context.Context, serviceMethod string, args any, timeout time.Duration) (*invoker.Call, error) {
	route, err := c.route(ctx, serviceMethod)
	if err != nil {
		return nil, err
	}
	return route[0].Invoke(ctx, serviceMethod, args, timeout)
}

// Call invokes serviceMethod and decodes the result into reply. On a timeout
// or a lost connection it moves on to the next endpoint in the router's order,
// up to Options.Retries extra attempts. Handler errors are returned as they are.
func (c *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	route, err := c.route(ctx, serviceMethod)
	if err != nil {
		return err
	}

	var lastErr error
	for i := 0; i <= c.opts.Retries; i++ {
		if i > 0 {
			delay := c.opts.RetryBaseDelay << (i - 1)
			c.logger.Debug("retrying call", zap.String("method", serviceMethod), zap.Int("attempt", i+1), zap.Duration("backoff", delay), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return errors.Join(ctx.Err(), lastErr)
			case <-time.After(delay):
			}
		}

		inv := route[i%len(route)]
		lastErr = c.attempt(ctx, inv, serviceMethod, args, reply)
		if lastErr == nil || !transport.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, inv *invoker.Invoker, serviceMethod string, args any, reply any) error {
	call, err := inv.Invoke(ctx, serviceMethod, args, c.opts.Timeout)
	if err != nil {
		return err
	}
	return call.Reply(ctx, reply)
}

// Notify sends a one-way call to the first endpoint the router selects.
func (c *Client) Notify(ctx context.Context, serviceMethod string, args any) error {
	route, err := c.route(ctx, serviceMethod)
	if err != nil {
		return err
	}
	return route[0].Notify(ctx, serviceMethod, args)
}

// Close stops watching the registry and closes every invoker, failing the
// calls still pending on them.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	invokers := make([]*invoker.Invoker, 0, len(c.invokers))
	for _, s := range c.invokers {
		invokers = append(invokers, s.inv)
	}
	c.invokers = make(map[string]*sharedInvoker)
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	for _, inv := range invokers {
		_ = inv.Close()
	}
	return nil
}

// route returns the router's order for a call; never empty on success.
func (c *Client) route(ctx context.Context, serviceMethod string) ([]*invoker.Invoker, error) {
	service, _, ok := strings.Cut(serviceMethod, ".")
	if !ok || service == "" {
		return nil, fmt.Errorf("invalid serviceMethod format: %v", serviceMethod)
	}
	d, err := c.directory(ctx, service)
	if err != nil {
		return nil, err
	}

	var candidates []*invoker.Invoker
	if p := d.candidates.Load(); p != nil {
		candidates = *p
	}
	key, _ := ctx.Value(routeKey{}).(string)
	route := c.router.Select(candidates, loadbalance.CallContext{ServiceMethod: serviceMethod, Key: key})
	if len(route) == 0 {
		c.opts.Metrics.EmptyRoute()
		return nil, fmt.Errorf("%w for %s (%d candidates)", ErrNoAvailableInvoker, service, len(candidates))
	}
	return route, nil
}

// directory returns the service's directory, discovering it on first use.
func (c *Client) directory(ctx context.Context, service string) (*directory, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	d, ok := c.services[service]
	if !ok {
		d = &directory{name: service, ready: make(chan struct{}), addrs: make(map[string]struct{})}
		c.services[service] = d
		c.wg.Add(1)
		go c.watch(d)
	}
	c.mu.Unlock()

	select {
	case <-d.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	return d, nil
}

// watch loads the directory and then follows registry updates until the
// client closes.
func (c *Client) watch(d *directory) {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	// watch before discovering so no change falls between the two
	updates := c.registry.Watch(ctx, d.name)

	dctx, dcancel := context.WithTimeout(ctx, discoverTimeout)
	instances, err := c.registry.Discover(dctx, d.name)
	dcancel()
	if err != nil {
		d.err = fmt.Errorf("unable to discover %s: %w", d.name, err)
		c.mu.Lock()
		if c.services[d.name] == d {
			delete(c.services, d.name) // the next call tries again
		}
		c.mu.Unlock()
		close(d.ready)
		return
	}
	c.update(d, instances)
	close(d.ready)

	for instances := range updates {
		c.update(d, instances)
	}
	c.update(d, nil)
}

// update replaces the directory's candidates, sharing invokers by address.
// Invokers no directory references any more are closed.
func (c *Client) update(d *directory, instances []registry.ServiceInstance) {
	var released []*invoker.Invoker

	c.mu.Lock()
	next := make(map[string]struct{}, len(instances))
	candidates := make([]*invoker.Invoker, 0, len(instances))
	for _, inst := range instances {
		if _, dup := next[inst.Addr]; dup {
			continue
		}
		s, ok := c.invokers[inst.Addr]
		if !ok {
			if c.closed {
				continue
			}
			inv, err := invoker.New(inst, c.opts.Invoker)
			if err != nil {
				c.logger.Error("unable to create invoker", zap.String("addr", inst.Addr), zap.Error(err))
				continue
			}
			s = &sharedInvoker{inv: inv}
			c.invokers[inst.Addr] = s
		}
		if _, had := d.addrs[inst.Addr]; !had {
			s.refs++
		}
		next[inst.Addr] = struct{}{}
		candidates = append(candidates, s.inv)
	}
	for addr := range d.addrs {
		if _, keep := next[addr]; keep {
			continue
		}
		if s, ok := c.invokers[addr]; ok {
			s.refs--
			if s.refs == 0 {
				delete(c.invokers, addr)
				released = append(released, s.inv)
			}
		}
	}
	d.addrs = next
	d.candidates.Store(&candidates)
	c.mu.Unlock()

	if len(released) > 0 || len(instances) > 0 {
		c.logger.Debug("service endpoints updated", zap.String("service", d.name), zap.Int("endpoints", len(candidates)), zap.Int("released", len(released)))
	}
	for _, inv := range released {
		_ = inv.Close()
	}
}
