package protoid

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/darkit/protoid/protocols"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startEcho 启动一个回显服务，返回其地址
func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

// startManager 在随机端口上运行 pm，测试结束时停止
func startManager(t *testing.T, pm *ProtocolManager) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pm.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not stop")
		}
		pm.Close()
	})
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestRunServerNoRoutes(t *testing.T) {
	pm := NewProtocolManager(nil)
	defer pm.Close()
	assert.ErrorIs(t, pm.RunServer(context.Background(), "127.0.0.1:0"), ErrNoRoutes)
}

func TestRoutes(t *testing.T) {
	pm := NewProtocolManager(nil)
	defer pm.Close()

	pm.AddRoute(protocols.AppSSH, "127.0.0.1:22")
	pm.AddRoute(protocols.AppTLS, "127.0.0.1:8443")
	pm.AddRoute(protocols.AppTLS, "127.0.0.1:9443")
	assert.Equal(t, []Route{
		{Application: protocols.AppSSH, Target: "127.0.0.1:22"},
		{Application: protocols.AppTLS, Target: "127.0.0.1:9443"},
	}, pm.GetRoutes())

	pm.RemoveRoute(protocols.AppSSH)
	assert.Len(t, pm.GetRoutes(), 1)
}

func TestServeProxiesIdentifiedConnection(t *testing.T) {
	pm := NewProtocolManager(NewIdentifier(), WithIdentifyTimeout(2*time.Second), WithDialTimeout(time.Second))
	pm.AddRoute(protocols.AppTLS, startEcho(t))
	addr := startManager(t, pm)

	conn := dial(t, addr)
	_, err := conn.Write(clientHello)
	require.NoError(t, err)

	got := make([]byte, len(clientHello))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, clientHello, got)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	got = make([]byte, 4)
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	assert.Eventually(t, func() bool {
		hits, _ := pm.GetMetrics()["protocol_hits"].(map[string]int64)
		return hits["TLS"] == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return pm.GetMetrics()["total_in_bytes"].(int64) >= 4
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, testutil.CollectAndCount(pm.Collector(), "protoid_mux_identified_total"))
}

func TestServeIdentifiesSplitSegments(t *testing.T) {
	pm := NewProtocolManager(nil, WithIdentifyTimeout(2*time.Second), WithDialTimeout(time.Second))
	pm.AddRoute(protocols.AppTLS, startEcho(t))
	addr := startManager(t, pm)

	conn := dial(t, addr)
	if tcp, ok := conn.(*net.TCPConn); ok {
		require.NoError(t, tcp.SetNoDelay(true))
	}
	_, err := conn.Write(clientHello[:3])
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = conn.Write(clientHello[3:])
	require.NoError(t, err)

	got := make([]byte, len(clientHello))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, clientHello, got)
	assert.Equal(t, int64(0), pm.GetMetrics()["identify_errors"].(int64))
}

func TestReadPrefix(t *testing.T) {
	id := NewIdentifier()

	t.Run("accumulates segments", func(t *testing.T) {
		server, client := net.Pipe()
		defer server.Close()
		defer client.Close()
		go func() {
			client.Write(clientHello[:2])
			client.Write(clientHello[2:])
		}()

		buf := make([]byte, 64)
		n, res, err := readPrefix(context.Background(), server, buf, 2*time.Second, id.Scan)
		require.NoError(t, err)
		assert.Equal(t, len(clientHello), n)
		assert.True(t, res.Matched)
		assert.Equal(t, protocols.AppTLS, res.Inference.Application)
	})

	t.Run("dead end returns without waiting", func(t *testing.T) {
		server, client := net.Pipe()
		defer server.Close()
		defer client.Close()
		go client.Write([]byte{0x17, 0x03})

		n, res, err := readPrefix(context.Background(), server, make([]byte, 64), 2*time.Second, id.Scan)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.False(t, res.Matched)
		assert.False(t, res.More)
	})

	t.Run("times out on a proper prefix", func(t *testing.T) {
		server, client := net.Pipe()
		defer server.Close()
		defer client.Close()
		go client.Write(clientHello[:2])

		n, res, err := readPrefix(context.Background(), server, make([]byte, 64), 100*time.Millisecond, id.Scan)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 2, n)
		assert.True(t, res.More)
	})

	t.Run("canceled", func(t *testing.T) {
		server, client := net.Pipe()
		defer server.Close()
		defer client.Close()

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)
		_, _, err := readPrefix(ctx, server, make([]byte, 64), 5*time.Second, id.Scan)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestServeDropsUnidentified(t *testing.T) {
	pm := NewProtocolManager(nil, WithIdentifyTimeout(2*time.Second))
	pm.AddRoute(protocols.AppTLS, startEcho(t))
	addr := startManager(t, pm)

	conn := dial(t, addr)
	_, err := conn.Write([]byte{0x17, 0x03, 0x01, 0x00, 0x00, 0x01})
	require.NoError(t, err)

	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Eventually(t, func() bool {
		return pm.GetMetrics()["identify_errors"].(int64) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServeDropsUnrouted(t *testing.T) {
	pm := NewProtocolManager(NewIdentifier(WithSignatures(protocols.Extended()...)))
	pm.AddRoute(protocols.AppTLS, startEcho(t))
	addr := startManager(t, pm)

	conn := dial(t, addr)
	_, err := conn.Write([]byte("SSH-2.0-OpenSSH_9.6\r\n"))
	require.NoError(t, err)

	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Eventually(t, func() bool {
		return pm.GetMetrics()["unrouted_errors"].(int64) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hits := pm.GetMetrics()["protocol_hits"].(map[string]int64)
	assert.Equal(t, int64(1), hits["SSH"])
}

func TestDialWithTimeoutScheme(t *testing.T) {
	addr := startEcho(t)
	conn, err := dialWithTimeout(context.Background(), "tcp://"+addr, time.Second)
	require.NoError(t, err)
	conn.Close()

	conn, err = dialWithTimeout(context.Background(), addr, time.Second)
	require.NoError(t, err)
	conn.Close()
}
