package registry

// etcd is a distributed key-value store that provides strong consistency (Raft protocol).
// We use it as a "distributed phonebook" for services:
//
//	Key:   /mrpc/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is automatically removed, so no "ghost" instances remain.

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	DefaultPrefix      = "/mrpc/"
	defaultDialTimeout = 5 * time.Second
)

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	prefix string
	logger *zap.Logger

	// keep-alives outlive the Register call, so they hang off the registry
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // by key
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: defaultDialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create etcd client: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		prefix: DefaultPrefix,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func (r *EtcdRegistry) key(serviceName, addr string) string {
	return r.prefix + serviceName + "/" + addr
}

// Register adds a service instance to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	key := r.key(serviceName, instance.Addr)

	if ttl <= 0 {
		_, err = r.client.Put(ctx, key, string(val))
		return err
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("unable to grant lease: %w", err)
	}
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("unable to keep lease alive: %w", err)
	}
	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keep-alive ended", zap.String("key", key))
	}()
	return nil
}

// Deregister removes a service instance from etcd and revokes its lease.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := r.key(serviceName, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}

	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			r.logger.Warn("unable to revoke lease", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.prefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch monitors a service prefix in etcd and emits updated instance lists
// whenever changes occur (new registrations, deregistrations, lease expirations).
//
// Uses etcd's Watch API (server-push), which is more efficient than polling.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := r.prefix + serviceName + "/"

	go func() {
		defer close(ch)
		for resp := range r.client.Watch(ctx, prefix, clientv3.WithPrefix()) {
			if err := resp.Err(); err != nil {
				r.logger.Warn("registry watch failed", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			// On any change, re-fetch the full instance list
			// (simpler than parsing individual watch events)
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("unable to refresh instances", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			offer(ch, instances)
		}
	}()

	return ch
}

// Close stops all keep-alives and closes the etcd client. Leased entries
// expire on their own afterwards.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
