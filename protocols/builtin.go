package protocols

// Builtin 返回默认签名表
func Builtin() []Signature {
	return NewTLSSignatures()
}

// Extended 返回默认签名表及可选的协议签名。
// 顺序有意义，前缀树在每个节点上保留注册顺序。
func Extended() []Signature {
	var sigs []Signature
	for _, fn := range []func() []Signature{
		NewTLSSignatures,
		NewSSHSignatures,
		NewHTTPSignatures,
		NewRTSPSignatures,
		NewMQTTSignatures,
		NewRedisSignatures,
		NewRDPSignatures,
		NewSOCKSSignatures,
		NewSTUNSignatures,
	} {
		sigs = append(sigs, fn()...)
	}
	return sigs
}
