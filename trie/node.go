// Package trie 构建并查找签名前缀树。每一层对应一个字节位置，
// 每个节点按插入顺序保存出边。
package trie

import (
	"errors"
	"fmt"

	"github.com/darkit/protoid/protocols"
)

// MaxEdges 全部字节取值加一个通配符
const MaxEdges = 257

var (
	ErrStructuralLimit = errors.New("trie node edge capacity exceeded")
	ErrAlreadyBuilt    = errors.New("trie already built")
)

type edge struct {
	value protocols.Unit
	child *Node
}

// Node 前缀树中的一个位置，根节点没有边取值
type Node struct {
	edges     []edge
	inference protocols.Inference
}

func newNode() *Node {
	return &Node{}
}

// Inference 返回在此结束的签名的推断结果
func (n *Node) Inference() protocols.Inference { return n.inference }

// Terminal 判断是否有签名在此结束
func (n *Node) Terminal() bool { return n.inference.IsSet() }

// Len 返回出边数量
func (n *Node) Len() int { return len(n.edges) }

// Child 返回取值等于 value 的边指向的子节点，按原始值比较，通配符只找到通配边
func (n *Node) Child(value protocols.Unit) *Node {
	for i := range n.edges {
		if n.edges[i].value == value {
			return n.edges[i].child
		}
	}
	return nil
}

// Edges 按插入顺序返回边的取值
func (n *Node) Edges() []protocols.Unit {
	out := make([]protocols.Unit, len(n.edges))
	for i, e := range n.edges {
		out[i] = e.value
	}
	return out
}

// Count 返回以 n 为根的子树节点数，包括 n
func (n *Node) Count() int {
	if n == nil {
		return 0
	}
	c := 1
	for _, e := range n.edges {
		c += e.child.Count()
	}
	return c
}

// addChild 追加新边和子节点，调用方已确认不存在该取值的边
func (n *Node) addChild(value protocols.Unit) (*Node, error) {
	if len(n.edges) >= MaxEdges {
		return nil, fmt.Errorf("%w: already at %d edges", ErrStructuralLimit, MaxEdges)
	}
	child := newNode()
	n.edges = append(n.edges, edge{value: value, child: child})
	return child, nil
}

// descend 返回 value 对应的子节点，不存在时创建
func (n *Node) descend(value protocols.Unit) (*Node, error) {
	if child := n.Child(value); child != nil {
		return child, nil
	}
	return n.addChild(value)
}
