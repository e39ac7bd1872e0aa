package protocols

// NewTLSSignatures returns the TLS handshake record signatures: a handshake
// record (0x16) with legacy version 3.1, any two-byte length, then the
// handshake type. ClientHello comes from the client, ServerHello from the
// server.
func NewTLSSignatures() []Signature {
	record := Pattern{0x16, 0x03, 0x01, Wildcard, Wildcard}
	return []Signature{
		{
			Name:      "TLS ClientHello",
			Pattern:   Concat(record, Pattern{0x01}),
			Inference: Inference{Direction: DirectionClient, Application: AppTLS},
		},
		{
			Name:      "TLS ServerHello",
			Pattern:   Concat(record, Pattern{0x02}),
			Inference: Inference{Direction: DirectionServer, Application: AppTLS},
		},
	}
}
