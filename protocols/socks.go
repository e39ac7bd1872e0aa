package protocols

// NewSOCKSSignatures returns SOCKS4 CONNECT/BIND and SOCKS5 greeting
// signatures.
func NewSOCKSSignatures() []Signature {
	client := Inference{Direction: DirectionClient, Application: AppSOCKS}
	return []Signature{
		{Name: "SOCKS4 CONNECT", Pattern: Pattern{0x04, 0x01}, Inference: client},
		{Name: "SOCKS4 BIND", Pattern: Pattern{0x04, 0x02}, Inference: client},
		{Name: "SOCKS5", Pattern: Pattern{0x05, Wildcard, 0x00}, Inference: client},
	}
}
