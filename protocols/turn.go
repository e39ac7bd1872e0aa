package protocols

// stunMagicCookie 是 STUN 消息第 4-7 字节的固定值
var stunMagicCookie = Pattern{0x21, 0x12, 0xa4, 0x42}

// NewSTUNSignatures returns STUN/TURN signatures for the message types a
// client opens with: Binding request (0x0001) and TURN Allocate (0x0003).
func NewSTUNSignatures() []Signature {
	client := Inference{Direction: DirectionClient, Application: AppSTUN}
	return []Signature{
		{Name: "STUN Binding", Pattern: Concat(Pattern{0x00, 0x01, Wildcard, Wildcard}, stunMagicCookie), Inference: client},
		{Name: "TURN Allocate", Pattern: Concat(Pattern{0x00, 0x03, Wildcard, Wildcard}, stunMagicCookie), Inference: client},
	}
}
