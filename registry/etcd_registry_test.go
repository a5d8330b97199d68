package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestEtcd connects to a local etcd, skipping the test when none is running.
func newTestEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"}, nil)
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.client.Get(ctx, "health"); err != nil {
		_ = reg.Close()
		t.Skipf("etcd not available: %v", err)
	}
	reg.prefix = "/mrpc-test-" + time.Now().Format("150405.000000") + "/"
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := newTestEtcd(t)
	ctx := context.Background()

	// Register two instances
	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}
	require.NoError(t, reg.Register(ctx, "Arith", inst1, 10))
	require.NoError(t, reg.Register(ctx, "Arith", inst2, 10))

	instances, err := reg.Discover(ctx, "Arith")
	require.NoError(t, err)
	require.Len(t, instances, 2)

	// Deregister one
	require.NoError(t, reg.Deregister(ctx, "Arith", inst1.Addr))

	instances, err = reg.Discover(ctx, "Arith")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.Equal(t, inst2, instances[0])

	// Cleanup
	require.NoError(t, reg.Deregister(ctx, "Arith", inst2.Addr))
}

func TestEtcdWatch(t *testing.T) {
	reg := newTestEtcd(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Watch(ctx, "Echo")
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, reg.Register(ctx, "Echo", ServiceInstance{Addr: "127.0.0.1:9001", Weight: 1}, 10))

	select {
	case list := <-updates:
		require.Len(t, list, 1)
		require.Equal(t, "127.0.0.1:9001", list[0].Addr)
	case <-time.After(5 * time.Second):
		t.Fatal("no watch update")
	}
	require.NoError(t, reg.Deregister(ctx, "Echo", "127.0.0.1:9001"))
}
