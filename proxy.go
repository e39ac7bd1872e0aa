package protoid

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// newPool 创建一个新的泛型内存池
func newPool[T any](f func() T) *pool[T] {
	return &pool[T]{
		p: sync.Pool{
			New: func() any {
				return f()
			},
		},
	}
}

// Pool 泛型内存池
type pool[T any] struct {
	p sync.Pool
}

// Put 将一个值放入池中
func (c *pool[T]) Put(v T) {
	c.p.Put(v)
}

// Get 从池中获取一个值
func (c *pool[T]) Get() T {
	return c.p.Get().(T)
}

// newBinaryPool 创建一个字节缓冲区内存池
func newBinaryPool(bufSize int) *pool[[]byte] {
	return newPool[[]byte](func() []byte {
		return make([]byte, bufSize)
	})
}

// halfCloser 可以只关闭写方向的连接
type halfCloser interface {
	CloseWrite() error
}

// optimizedProxy 双向转发数据并统计流量，conn1 为客户端连接
func optimizedProxy(ctx context.Context, conn1, conn2 net.Conn, buffers *pool[[]byte], bufSize int, metrics *Metrics, protocol string) (err error) {
	// panic 恢复，记录指标
	defer func() {
		if r := recover(); r != nil {
			metrics.ProxyErrors.Add(1)
			err = fmt.Errorf("proxy panic: %v", r)
		}
	}()

	eg, ctx := errgroup.WithContext(ctx)

	// 优化 TCP 连接参数
	optimizeTCPConn(conn1, bufSize)
	optimizeTCPConn(conn2, bufSize)

	stats := metrics.trafficStats(protocol)

	eg.Go(func() error {
		return proxyConn(ctx, conn2, conn1, buffers, &trafficCounter{metrics: metrics, stats: stats, isIn: true}) // 入站流量
	})

	eg.Go(func() error {
		return proxyConn(ctx, conn1, conn2, buffers, &trafficCounter{metrics: metrics, stats: stats, isIn: false}) // 出站流量
	})

	if err = eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		metrics.ProxyErrors.Add(1)
	}
	return err
}

// optimizeTCPConn 优化 TCP 连接参数
func optimizeTCPConn(conn net.Conn, bufSize int) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		// 禁用 Nagle 算法
		tcpConn.SetNoDelay(true)
		// 启用 keep-alive
		tcpConn.SetKeepAlive(true)
		// 设置读写缓冲区
		tcpConn.SetReadBuffer(bufSize)
		tcpConn.SetWriteBuffer(bufSize)
	}
}

// proxyConn 将 src 的数据转发到 dst，src 读完后关闭 dst 的写方向
func proxyConn(ctx context.Context, dst, src net.Conn, buffers *pool[[]byte], counter *trafficCounter) error {
	// 从内存池获取缓冲区
	buf := buffers.Get()
	defer buffers.Put(buf)

	done := make(chan error, 1)
	go func() {
		_, err := io.CopyBuffer(
			io.MultiWriter(dst, counter), // 写入目标连接并统计流量
			onlyReader{src},              // 屏蔽 WriterTo，确保使用池中的缓冲区
			buf,
		)
		if hc, ok := dst.(halfCloser); ok {
			hc.CloseWrite()
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type onlyReader struct {
	io.Reader
}

// trafficStats 返回协议的流量统计，不存在时创建
func (m *Metrics) trafficStats(protocol string) *ProtocolTrafficStats {
	v, _ := m.ProtocolTraffic.LoadOrStore(protocol, &ProtocolTrafficStats{})
	return v.(*ProtocolTrafficStats)
}

// trafficCounter 流量计数器
type trafficCounter struct {
	metrics *Metrics
	stats   *ProtocolTrafficStats
	isIn    bool
}

// Write 实现 io.Writer 接口
func (tc *trafficCounter) Write(p []byte) (n int, err error) {
	n = len(p)
	if tc.isIn {
		tc.metrics.TotalInBytes.Add(int64(n))
		tc.metrics.CurrentInBytes.Add(int64(n))
		tc.stats.TotalIn.Add(int64(n))
		tc.stats.CurrentIn.Add(int64(n))
	} else {
		tc.metrics.TotalOutBytes.Add(int64(n))
		tc.metrics.CurrentOutBytes.Add(int64(n))
		tc.stats.TotalOut.Add(int64(n))
		tc.stats.CurrentOut.Add(int64(n))
	}
	return n, nil
}
