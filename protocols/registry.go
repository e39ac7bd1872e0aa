package protocols

import (
	"errors"
	"fmt"
	"sync"

	"github.com/darkit/slog"
)

// MaxSignatures 签名表容量
const MaxSignatures = 256

var (
	ErrRegistryFull     = errors.New("signature registry full")
	ErrPatternTooLong   = errors.New("signature pattern too long")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Registry 只追加的有界签名表，保留注册顺序，前缀树的边顺序由此决定
type Registry struct {
	mu   sync.RWMutex
	sigs []Signature
}

// NewRegistry 创建一个空的签名表
func NewRegistry() *Registry {
	return &Registry{sigs: make([]Signature, 0, 8)}
}

// Register 由各字段构造签名并添加
func (r *Registry) Register(name string, pattern Pattern, inference Inference) error {
	return r.Add(Signature{Name: name, Pattern: pattern, Inference: inference})
}

// Add 追加签名，不去重
func (r *Registry) Add(sig Signature) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sigs) >= MaxSignatures {
		slog.Error("签名表已满", "name", sig.Name, "capacity", MaxSignatures)
		return fmt.Errorf("%w: cannot add %q", ErrRegistryFull, sig.Name)
	}
	if err := sig.Validate(); err != nil {
		slog.Error("签名无效", "name", sig.Name, "error", err)
		return err
	}

	// 复制模式，注册后不可变
	sig.Pattern = append(Pattern(nil), sig.Pattern...)
	r.sigs = append(r.sigs, sig)
	return nil
}

// AddAll 按顺序添加签名，遇到第一个错误即停止
func (r *Registry) AddAll(sigs []Signature) error {
	for _, sig := range sigs {
		if err := r.Add(sig); err != nil {
			return err
		}
	}
	return nil
}

// Len 返回已注册的签名数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sigs)
}

// Signatures 获取当前签名列表的副本，修改副本不影响签名表
func (r *Registry) Signatures() []Signature {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Signature, len(r.sigs))
	for i, s := range r.sigs {
		out[i] = s
		out[i].Pattern = append(Pattern(nil), s.Pattern...)
	}
	return out
}
