package trie

import (
	"errors"
	"fmt"

	"github.com/darkit/protoid/protocols"
	"github.com/darkit/slog"
)

// Build 按顺序用 sigs 构建前缀树。无法插入的签名记录日志后跳过，
// 所有失败合并为返回的错误，根节点总会返回。
func Build(sigs []protocols.Signature) (*Node, error) {
	root := newNode()

	var errs []error
	for i := range sigs {
		if err := insert(root, &sigs[i]); err != nil {
			slog.Error("无法添加签名", "index", i, "name", sigs[i].Name, "error", err)
			errs = append(errs, fmt.Errorf("signature %d (%s): %w", i, sigs[i].Name, err))
		}
	}
	return root, errors.Join(errs...)
}

// insert 沿 sig 的模式从 root 向下插入，复用取值相同的边，不存在时追加新边。
// 终止节点记录推断结果，已有的推断被覆盖。模式先整体校验，被拒绝的签名不留下节点。
func insert(root *Node, sig *protocols.Signature) error {
	if len(sig.Pattern) == 0 {
		return fmt.Errorf("%w: empty pattern", protocols.ErrInvalidSignature)
	}
	for _, u := range sig.Pattern {
		if !u.Valid() {
			return fmt.Errorf("%w: unit %d out of range", protocols.ErrInvalidSignature, uint16(u))
		}
	}

	node := root
	for _, u := range sig.Pattern {
		next, err := node.descend(u)
		if err != nil {
			return err
		}
		node = next
	}
	if node.inference.IsSet() && node.inference != sig.Inference {
		slog.Debug("签名覆盖已有推断", "name", sig.Name, "old", node.inference.String(), "new", sig.Inference.String())
	}
	node.inference = sig.Inference
	return nil
}

// Destroy 深度优先释放 root 下的所有节点，先子后父，返回释放的节点数
func Destroy(root *Node) int {
	if root == nil {
		return 0
	}
	n := 0
	for i := range root.edges {
		n += Destroy(root.edges[i].child)
		root.edges[i].child = nil
	}
	root.edges = nil
	root.inference = protocols.Inference{}
	return n + 1
}
