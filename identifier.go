package protoid

import (
	"fmt"
	"sync"

	"github.com/darkit/protoid/protocols"
	"github.com/darkit/protoid/trie"
	"github.com/darkit/slog"
)

// ErrAlreadyInitialized 表示前缀树已存在，需要先 Teardown
var ErrAlreadyInitialized = trie.ErrAlreadyBuilt

// IdentifierOption 定义 Identifier 配置选项的函数类型
type IdentifierOption func(*Identifier)

// WithSignatures 设置签名表为空时加载的签名，替换默认的 TLS 签名
func WithSignatures(sigs ...protocols.Signature) IdentifierOption {
	return func(id *Identifier) {
		id.table = append([]protocols.Signature(nil), sigs...)
	}
}

// WithExtraSignatures 在签名表之后追加签名
func WithExtraSignatures(sigs ...protocols.Signature) IdentifierOption {
	return func(id *Identifier) {
		id.table = append(id.table, sigs...)
	}
}

// WithLongestMatch 启用最长匹配模式，默认返回路径上的第一个终止节点
func WithLongestMatch(enabled bool) IdentifierOption {
	return func(id *Identifier) {
		id.longest = enabled
	}
}

// WithRegistry 使用外部签名表。非空的签名表不会被重新填充。
func WithRegistry(r *protocols.Registry) IdentifierOption {
	return func(id *Identifier) {
		if r != nil {
			id.registry = r
		}
	}
}

// Identifier 持有签名表和前缀树，由流水线创建并传递给每次识别调用。
// 构建与销毁互斥，匹配在读锁下并发进行。
type Identifier struct {
	mu       sync.RWMutex
	registry *protocols.Registry
	table    []protocols.Signature
	root     *trie.Node
	longest  bool
	initErr  error // 最近一次填充失败，清除前不再自动重试
}

// NewIdentifier 创建一个新的 Identifier，前缀树在 Initialize 或首次识别时构建
func NewIdentifier(opts ...IdentifierOption) *Identifier {
	id := &Identifier{
		registry: protocols.NewRegistry(),
		table:    protocols.Builtin(),
	}
	for _, opt := range opts {
		opt(id)
	}
	return id
}

// Registry 返回签名表
func (id *Identifier) Registry() *protocols.Registry {
	return id.registry
}

// Initialized 报告前缀树是否已构建
func (id *Identifier) Initialized() bool {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.root != nil
}

// Initialize 填充签名表（仅当其为空）并构建前缀树。
// 前缀树已存在时返回 ErrAlreadyInitialized。之前的失败不影响显式调用。
func (id *Identifier) Initialize() error {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.initLocked()
}

func (id *Identifier) initLocked() error {
	if id.root != nil {
		slog.Error("前缀树已存在，拒绝重复构建")
		return ErrAlreadyInitialized
	}

	if id.registry.Len() == 0 {
		if err := id.registry.AddAll(id.table); err != nil {
			slog.Error("初始化签名表失败", "error", err)
			id.initErr = fmt.Errorf("populate signatures: %w", err)
			return id.initErr
		}
	}
	id.initErr = nil

	root, err := trie.Build(id.registry.Signatures())
	id.root = root
	if err != nil {
		return fmt.Errorf("build trie: %w", err)
	}
	slog.Debug("前缀树构建完成", "signatures", id.registry.Len(), "nodes", root.Count())
	return nil
}

// Teardown 销毁前缀树。签名表保持不变，未构建时调用是安全的。
func (id *Identifier) Teardown() {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.root == nil {
		return
	}
	n := trie.Destroy(id.root)
	id.root = nil
	slog.Debug("前缀树已销毁", "nodes", n)
}

// Identify 返回 data 前缀对应的应用 ID，0 表示未知
func (id *Identifier) Identify(data []byte) uint16 {
	inf, _ := id.Infer(data)
	return inf.Application
}

// Infer 返回 data 前缀对应的推断结果，包括流方向。
// 空数据不会触发构建。自动构建失败后返回未识别，直到 Initialize 成功。
func (id *Identifier) Infer(data []byte) (protocols.Inference, bool) {
	r := id.Scan(data)
	return r.Inference, r.Matched
}

// Scan 与 Infer 相同，另外报告追加数据是否可能改变结果
func (id *Identifier) Scan(data []byte) trie.Result {
	if len(data) == 0 {
		return trie.Result{}
	}

	id.mu.RLock()
	if id.root == nil {
		id.mu.RUnlock()
		id.mu.Lock()
		// 其他 goroutine 可能已完成构建；失败过的构建只由 Initialize 重试
		if id.root == nil && id.initErr == nil {
			_ = id.initLocked()
		}
		id.mu.Unlock()
		id.mu.RLock()
	}
	defer id.mu.RUnlock()

	return id.root.Scan(data, id.longest)
}
