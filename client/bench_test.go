package client

import (
	"context"
	"testing"

	"mrpc/codec"
	"mrpc/message"
	"mrpc/registry"
)

func setupBenchClient(b *testing.B, cdc codec.CodecType) *Client {
	b.Helper()
	reg := registry.NewMemoryRegistry()
	startServer(b, reg, &Arith{}, &Node{name: "bench"})
	waitRegistered(b, reg, "Arith", 1)
	return newClient(b, reg, nil, Options{Codec: cdc})
}

// 场景1: 单 goroutine 串行调用
func BenchmarkSerialCall(b *testing.B) {
	cli := setupBenchClient(b, codec.CodecTypeJSON)
	ctx := context.Background()
	args := &Args{A: 1, B: 2}
	reply := &Reply{}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := cli.Call(ctx, "Arith.Add", args, reply); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景2: 多 goroutine 并发调用（体现多路复用优势）
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupBenchClient(b, codec.CodecTypeJSON)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		reply := &Reply{}
		for pb.Next() {
			if err := cli.Call(ctx, "Arith.Add", args, reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkConcurrentCallPolyglot(b *testing.B) {
	cli := setupBenchClient(b, codec.CodecTypePolyglot)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		var name string
		for pb.Next() {
			if err := cli.Call(ctx, "Node.Name", "", &name); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// 场景3: 编解码性能（不走网络，纯 codec）
func BenchmarkCodec(b *testing.B) {
	msg := &message.RPCMessage{
		ServiceMethod: "Arith.Add",
		Payload:       []byte(`{"A":1,"B":2}`),
	}
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypePolyglot} {
		cdc, err := codec.GetCodec(ct)
		if err != nil {
			b.Fatal(err)
		}
		b.Run(ct.String(), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				data, _ := cdc.Encode(msg)
				var out message.RPCMessage
				_ = cdc.Decode(data, &out)
			}
		})
	}
}
