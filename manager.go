package protoid

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/darkit/protoid/protocols"
	"github.com/darkit/protoid/trie"
	"github.com/darkit/slog"
)

// ErrNoRoutes 表示没有可用的转发目标
var ErrNoRoutes = errors.New("no available routes")

// Config 配置结构
type Config struct {
	MaxConnections  int           // 最大并发连接数
	BufferSize      int           // 缓冲区大小
	PeekSize        int           // 协议识别读取的最大字节数
	IdentifyTimeout time.Duration // 协议识别超时时间
	DialTimeout     time.Duration // 连接目标服务器超时时间
}

// DefaultConfig 默认配置
var DefaultConfig = Config{
	MaxConnections:  1024,
	BufferSize:      32 * 1024,
	PeekSize:        1600,
	IdentifyTimeout: 15 * time.Second,
	DialTimeout:     5 * time.Second,
}

// Metrics 指标结构
type Metrics struct {
	ActiveConnections atomic.Int64
	ProtocolHits      sync.Map // map[string]*atomic.Int64
	IdentifyErrors    atomic.Int64
	UnroutedErrors    atomic.Int64
	ProxyErrors       atomic.Int64
	CurrentInBytes    atomic.Int64 // 当前入站速率 (bytes/s)
	CurrentOutBytes   atomic.Int64 // 当前出站速率 (bytes/s)
	TotalInBytes      atomic.Int64 // 总入站流量
	TotalOutBytes     atomic.Int64 // 总出站流量
	LastInBytes       atomic.Int64 // 上一秒入站流量
	LastOutBytes      atomic.Int64 // 上一秒出站流量

	// 按协议统计的流量指标
	ProtocolTraffic sync.Map // map[string]*ProtocolTrafficStats
}

// ProtocolTrafficStats 协议流量统计
type ProtocolTrafficStats struct {
	TotalIn    atomic.Int64 // 协议总入站流量
	TotalOut   atomic.Int64 // 协议总出站流量
	CurrentIn  atomic.Int64 // 协议当前入站速率
	CurrentOut atomic.Int64 // 协议当前出站速率
	LastIn     atomic.Int64 // 协议上一秒入站流量
	LastOut    atomic.Int64 // 协议上一秒出站流量
}

// Option 定义配置选项的函数类型
type Option func(*Config)

// WithMaxConnections 设置最大连接数
func WithMaxConnections(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxConnections = n
		}
	}
}

// WithBufferSize 设置缓冲区大小
func WithBufferSize(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.BufferSize = size
		}
	}
}

// WithPeekSize 设置协议识别读取的最大字节数
func WithPeekSize(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.PeekSize = size
		}
	}
}

// WithIdentifyTimeout 设置协议识别超时时间
func WithIdentifyTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.IdentifyTimeout = d
		}
	}
}

// WithDialTimeout 设置连接超时时间
func WithDialTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.DialTimeout = d
		}
	}
}

// Route 应用 ID 到转发目标的映射
type Route struct {
	Application uint16
	Target      string
}

// ProtocolManager 按识别出的应用 ID 分流连接
type ProtocolManager struct {
	identifier *Identifier
	routes     map[uint16]string
	mu         sync.RWMutex
	config     Config
	metrics    Metrics
	buffers    *pool[[]byte]      // 转发缓冲区
	semaphore  chan struct{}      // 用于连接数限制
	ctx        context.Context    // 用于控制后台任务
	cancel     context.CancelFunc // 用于取消后台任务
}

// NewProtocolManager 创建一个新的 ProtocolManager，ident 为 nil 时使用默认签名
func NewProtocolManager(ident *Identifier, opts ...Option) *ProtocolManager {
	// 使用默认配置
	cfg := DefaultConfig

	// 应用所有配置选项
	for _, opt := range opts {
		opt(&cfg)
	}

	if ident == nil {
		ident = NewIdentifier()
	}

	ctx, cancel := context.WithCancel(context.Background())

	pm := &ProtocolManager{
		identifier: ident,
		routes:     make(map[uint16]string),
		config:     cfg,
		buffers:    newBinaryPool(cfg.BufferSize), // 创建一个内存池
		semaphore:  make(chan struct{}, cfg.MaxConnections),
		ctx:        ctx,
		cancel:     cancel,
	}

	// 启动指标收集器
	pm.startMetricsCollector(ctx)

	return pm
}

// Close 关闭 ProtocolManager 及其所有后台任务
func (pm *ProtocolManager) Close() {
	if pm.cancel != nil {
		pm.cancel()
	}
}

// Identifier 返回使用的协议识别器
func (pm *ProtocolManager) Identifier() *Identifier {
	return pm.identifier
}

// AddRoute 添加或替换应用的转发目标
func (pm *ProtocolManager) AddRoute(app uint16, target string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.routes[app] = target
}

// RemoveRoute 移除指定应用的转发目标
func (pm *ProtocolManager) RemoveRoute(app uint16) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.routes, app)
}

// GetRoutes 获取当前的转发列表，按应用 ID 排序
func (pm *ProtocolManager) GetRoutes() []Route {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	routes := make([]Route, 0, len(pm.routes))
	for app, target := range pm.routes {
		routes = append(routes, Route{Application: app, Target: target})
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Application < routes[j].Application
	})
	return routes
}

func (pm *ProtocolManager) route(app uint16) (string, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	target, ok := pm.routes[app]
	return target, ok
}

// RunServer 运行协议分流器
func (pm *ProtocolManager) RunServer(ctx context.Context, address string) error {
	if len(pm.GetRoutes()) == 0 {
		return ErrNoRoutes
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	return pm.Serve(ctx, listener)
}

// Serve 在 listener 上运行协议分流器，ctx 取消时关闭 listener
func (pm *ProtocolManager) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()

	if err := pm.identifier.Initialize(); err != nil && !errors.Is(err, ErrAlreadyInitialized) {
		slog.Error("协议识别器初始化失败", "error", err)
	}

	routes := pm.GetRoutes()
	slog.Info("协议分流器启动成功", "address", listener.Addr().String(), "routes", len(routes))
	for _, r := range routes {
		slog.Info("分流协议", "name", protocols.ApplicationName(r.Application), "application", r.Application, "target", r.Target)
	}

	return serveConnections(ctx, listener, pm)
}

// 改进连接处理
func (pm *ProtocolManager) handleConnection(ctx context.Context, conn net.Conn) {
	// 使用 TCP 特定优化
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		// 禁用 Nagle 算法,减少延迟
		tcpConn.SetNoDelay(true)
		// 启用 keep-alive
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
	}

	// 获取连接槽
	select {
	case pm.semaphore <- struct{}{}:
		defer func() { <-pm.semaphore }()
	default:
		slog.Error("达到最大连接数限制，拒绝新连接")
		conn.Close()
		return
	}

	pm.metrics.ActiveConnections.Add(1)
	defer pm.metrics.ActiveConnections.Add(-1)

	defer conn.Close()

	identifyBuffer := make([]byte, pm.config.PeekSize)
	n, result, err := readPrefix(ctx, conn, identifyBuffer, pm.config.IdentifyTimeout, pm.identifier.Scan)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
		case errors.Is(err, context.Canceled):
			slog.Info("上下文取消")
		case err == io.EOF:
			slog.Info("客户端关闭了连接")
		default:
			slog.Error("读取错误", "error", err.Error())
		}
		return
	}

	if !result.Matched {
		pm.metrics.IdentifyErrors.Add(1)
		slog.Error("无法识别协议, 关闭连接.", "remote_addr", conn.RemoteAddr().String())
		return
	}
	inference := result.Inference
	name := protocols.ApplicationName(inference.Application)
	pm.recordHit(name)

	target, ok := pm.route(inference.Application)
	if !ok {
		pm.metrics.UnroutedErrors.Add(1)
		slog.Error("没有对应的转发目标, 关闭连接.", "protocol", name, "direction", inference.Direction.String())
		return
	}

	slog.Info("连接已建立", "protocol", name, "direction", inference.Direction.String(), "remote_addr", conn.RemoteAddr().String(), "target_addr", target)
	pm.handleProtocolConnection(ctx, conn, name, target, identifyBuffer[:n])
	slog.Info("连接已关闭", "protocol", name, "remote_addr", conn.RemoteAddr().String())
}

func (pm *ProtocolManager) recordHit(name string) {
	v, _ := pm.metrics.ProtocolHits.LoadOrStore(name, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// GetMetrics 获取当前指标
func (pm *ProtocolManager) GetMetrics() map[string]interface{} {
	metrics := make(map[string]interface{})

	metrics["active_connections"] = pm.metrics.ActiveConnections.Load()
	metrics["identify_errors"] = pm.metrics.IdentifyErrors.Load()
	metrics["unrouted_errors"] = pm.metrics.UnroutedErrors.Load()
	metrics["proxy_errors"] = pm.metrics.ProxyErrors.Load()

	// 添加流量统计指标
	metrics["total_in_bytes"] = pm.metrics.TotalInBytes.Load()
	metrics["total_out_bytes"] = pm.metrics.TotalOutBytes.Load()
	metrics["current_in_bytes"] = pm.metrics.LastInBytes.Load()
	metrics["current_out_bytes"] = pm.metrics.LastOutBytes.Load()

	// 收集协议命中数
	protocolHits := make(map[string]int64)
	pm.metrics.ProtocolHits.Range(func(key, value interface{}) bool {
		protocolHits[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	metrics["protocol_hits"] = protocolHits

	// 添加按协议的流量统计
	protocolTraffic := make(map[string]map[string]int64)
	pm.metrics.ProtocolTraffic.Range(func(key, value interface{}) bool {
		protocolName := key.(string)
		stats := value.(*ProtocolTrafficStats)

		protocolTraffic[protocolName] = map[string]int64{
			"total_in_bytes":    stats.TotalIn.Load(),
			"total_out_bytes":   stats.TotalOut.Load(),
			"current_in_bytes":  stats.LastIn.Load(),
			"current_out_bytes": stats.LastOut.Load(),
		}
		return true
	})
	metrics["protocol_traffic"] = protocolTraffic

	return metrics
}

// handleProtocolConnection 处理协议连接
func (pm *ProtocolManager) handleProtocolConnection(ctx context.Context, conn net.Conn, name, target string, initialData []byte) {
	targetConn, err := dialWithTimeout(ctx, target, pm.config.DialTimeout)
	if err != nil {
		pm.metrics.ProxyErrors.Add(1)
		slog.Error("远程连接失败", "error", err)
		return
	}
	defer targetConn.Close()

	if _, err = targetConn.Write(initialData); err != nil {
		pm.metrics.ProxyErrors.Add(1)
		slog.Error("写入初始数据失败", "error", err)
		return
	}

	if err = optimizedProxy(ctx, conn, targetConn, pm.buffers, pm.config.BufferSize, &pm.metrics, name); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("代理过程中发生错误", "error", err)
	}
}

// startMetricsCollector 启动指标收集器
func (pm *ProtocolManager) startMetricsCollector(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// 更新全局流量统计
				currentIn := pm.metrics.CurrentInBytes.Swap(0)
				currentOut := pm.metrics.CurrentOutBytes.Swap(0)
				pm.metrics.LastInBytes.Store(currentIn)
				pm.metrics.LastOutBytes.Store(currentOut)

				// 更新每个协议的流量统计
				pm.metrics.ProtocolTraffic.Range(func(key, value interface{}) bool {
					stats := value.(*ProtocolTrafficStats)
					currentIn := stats.CurrentIn.Swap(0)
					currentOut := stats.CurrentOut.Swap(0)
					stats.LastIn.Store(currentIn)
					stats.LastOut.Store(currentOut)
					return true
				})
			}
		}
	}()
}

func serveConnections(ctx context.Context, listener net.Listener, pm *ProtocolManager) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	// ctx 取消时关闭 listener，使 Accept 返回
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			slog.Error("Accept error", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			pm.handleConnection(ctx, conn)
		}()
	}
}

// readPrefix 在 timeout 内持续读取，直到 scan 给出确定结果或 buffer 写满。
// 数据可能分多个分段到达，每次读取后对已收到的全部前缀重新识别。
func readPrefix(ctx context.Context, conn net.Conn, buffer []byte, timeout time.Duration, scan func([]byte) trie.Result) (int, trie.Result, error) {
	var result trie.Result
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, result, err
	}
	defer conn.SetReadDeadline(time.Time{})

	// ctx 取消时让阻塞的 Read 立即返回
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Unix(1, 0)) })
	defer stop()

	n := 0
	for n < len(buffer) {
		m, err := conn.Read(buffer[n:])
		n += m
		if m > 0 {
			result = scan(buffer[:n])
			if !result.More {
				return n, result, nil
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return n, result, ctx.Err()
			}
			if result.Matched {
				return n, result, nil
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				err = context.DeadlineExceeded
			}
			return n, result, err
		}
	}
	return n, result, nil
}

func dialWithTimeout(ctx context.Context, address string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}

	scheme := "tcp"
	if addr, err := url.Parse(address); err == nil && addr.Scheme != "" && addr.Host != "" {
		scheme = addr.Scheme
		address = addr.Host
	}

	return dialer.DialContext(ctx, scheme, address)
}
