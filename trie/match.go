package trie

import "github.com/darkit/protoid/protocols"

// next 按插入顺序返回第一条接受 b 的边指向的子节点，通配边接受任意字节。
//
// TODO: 签名增长到几十种协议后按取值索引出边，目前为线性扫描
func (n *Node) next(b byte) *Node {
	for i := range n.edges {
		v := n.edges[i].value
		if v == protocols.Wildcard || v == protocols.Unit(b) {
			return n.edges[i].child
		}
	}
	return nil
}

// Result 是一次前缀匹配的结果
type Result struct {
	Inference protocols.Inference
	Matched   bool
	// More 表示数据耗尽时路径仍有出边，追加数据可能改变结果
	More bool
}

// Scan 沿 data 从 n 出发匹配，每个节点只走第一条接受当前字节的边。
// longest 为 false 时在第一个终止节点返回；为 true 时记录路径上最深的终止节点。
func (n *Node) Scan(data []byte, longest bool) Result {
	var r Result
	if n == nil {
		return r
	}
	node := n
	for len(data) > 0 {
		child := node.next(data[0])
		if child == nil {
			return r
		}
		if child.inference.IsSet() {
			r.Inference, r.Matched = child.inference, true
			if !longest {
				return r
			}
		}
		data = data[1:]
		node = child
	}
	r.More = len(node.edges) > 0
	return r
}

// Match 从 data[0] 开始沿 n 匹配，返回遇到的第一个终止节点的推断结果。
//
// 每个节点只走第一条匹配的边，不回溯。遇到第一个终止节点即返回，
// 即使还有剩余数据且更长的签名可能继续匹配。
func (n *Node) Match(data []byte) (protocols.Inference, bool) {
	r := n.Scan(data, false)
	return r.Inference, r.Matched
}

// MatchLongest 与 Match 走同一路径，但不在第一个终止节点停止，
// 返回路径或数据耗尽前到达的最深终止节点。
func (n *Node) MatchLongest(data []byte) (protocols.Inference, bool) {
	r := n.Scan(data, true)
	return r.Inference, r.Matched
}
