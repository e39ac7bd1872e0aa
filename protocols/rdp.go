package protocols

// NewRDPSignatures returns the RDP connection request signature: a TPKT
// header (version 3, reserved 0, two length bytes) followed by an X.224
// Connection Request (0xe0).
func NewRDPSignatures() []Signature {
	return []Signature{{
		Name:      "RDP",
		Pattern:   Pattern{0x03, 0x00, Wildcard, Wildcard, Wildcard, 0xe0},
		Inference: Inference{Direction: DirectionClient, Application: AppRDP},
	}}
}
