// Package registry is where servers announce themselves and clients find them.
//
// A Registry maps a service name to the instances currently serving it. The
// client only needs Discover and Watch to keep its candidate sets current;
// servers use Register on start and Deregister on graceful shutdown.
package registry

import (
	"context"
	"errors"
)

var ErrNotRegistered = errors.New("instance not registered")

type ServiceInstance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
}

type Registry interface {
	// Register announces instance under serviceName. With a positive ttl the
	// entry expires unless kept alive, so a crashed server disappears.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change. Slow readers
	// only see the latest list. The channel is closed when ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}

// offer replaces whatever list is waiting in ch with list. ch must have
// capacity 1 and a single sender.
func offer(ch chan []ServiceInstance, list []ServiceInstance) {
	for {
		select {
		case ch <- list:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
