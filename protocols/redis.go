package protocols

// NewRedisSignatures returns RESP array signatures ("*<digit>") as sent by
// Redis clients for every command.
func NewRedisSignatures() []Signature {
	sigs := make([]Signature, 0, 9)
	for d := byte('1'); d <= '9'; d++ {
		sigs = append(sigs, Signature{
			Name:      "Redis RESP",
			Pattern:   Literal('*', d), // '*' 的ASCII码为 0x2A
			Inference: Inference{Direction: DirectionClient, Application: AppRedis},
		})
	}
	return sigs
}
