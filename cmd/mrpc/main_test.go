package main

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mrpc/server"
)

func TestAdvertiseAddr(t *testing.T) {
	addr, err := advertiseAddr("", &net.TCPAddr{IP: net.IPv6unspecified, Port: 8080})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", addr)

	addr, err = advertiseAddr("", &net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 9000})
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3:9000", addr)

	addr, err = advertiseAddr("rpc.internal:80", &net.TCPAddr{Port: 1})
	require.NoError(t, err)
	assert.Equal(t, "rpc.internal:80", addr)
}

func startEcho(t *testing.T) string {
	t.Helper()
	svr := server.NewServer(server.Options{})
	require.NoError(t, svr.Register(newEcho()))
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = svr.ServeListener(lis, lis.Addr().String(), nil) }()
	t.Cleanup(func() { _ = svr.Shutdown(time.Second) })
	return lis.Addr().String()
}

func runCLI(args ...string) (string, error) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCallCommand(t *testing.T) {
	addr := startEcho(t)

	out, err := runCLI("call", "Echo.Upper", `"hello"`, "--addr", addr)
	require.NoError(t, err)
	assert.Equal(t, "\"HELLO\"\n", out)

	_, err = runCLI("call", "Echo.Upper", `""`, "--addr", addr)
	assert.ErrorContains(t, err, "empty message")

	_, err = runCLI("call", "Echo.Say", `{not json`, "--addr", addr)
	assert.Error(t, err)

	_, err = runCLI("call", "EchoSay", `"x"`, "--addr", addr)
	assert.Error(t, err)
}
