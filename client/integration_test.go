package client

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mrpc/codec"
	"mrpc/middleware"
	"mrpc/registry"
	"mrpc/server"
)

// newTestEtcd connects to a local etcd, skipping the test when none is running.
func newTestEtcd(t *testing.T) *registry.EtcdRegistry {
	t.Helper()
	reg, err := registry.NewEtcdRegistry([]string{"127.0.0.1:2379"}, zap.NewNop())
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.Discover(ctx, "health"); err != nil {
		_ = reg.Close()
		t.Skipf("etcd not available: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

// 完整链路: Client → Registry(etcd) → Router → Invoker → Protocol → Codec → Middleware → Server
func TestFullIntegrationWithEtcd(t *testing.T) {
	reg := newTestEtcd(t)
	service := fmt.Sprintf("Arith%d", time.Now().UnixNano())
	logger := zap.NewNop()

	var addrs []string
	for i := 0; i < 2; i++ {
		svr := server.NewServer(server.Options{Weight: 10, RegistryTTL: 5, Logger: logger})
		svr.Use(middleware.LoggingMiddleware(logger))
		require.NoError(t, svr.RegisterName(service, &Arith{}))
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := lis.Addr().String()
		go func() { _ = svr.ServeListener(lis, addr, reg) }()
		t.Cleanup(func() { _ = svr.Shutdown(3 * time.Second) })
		addrs = append(addrs, addr)
	}
	waitRegistered(t, reg, service, 2)

	cli := newClient(t, reg, nil, Options{Codec: codec.CodecTypeJSON, Retries: 1, Logger: logger})
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		reply := &Reply{}
		require.NoError(t, cli.Call(ctx, service+".Add", &Args{A: i, B: i * 10}, reply))
		assert.Equal(t, i+i*10, reply.Result)
	}

	reply := &Reply{}
	require.NoError(t, cli.Call(ctx, service+".Multiply", &Args{A: 4, B: 6}, reply))
	assert.Equal(t, 24, reply.Result)

	cli.mu.Lock()
	assert.Len(t, cli.invokers, len(addrs))
	cli.mu.Unlock()
}
