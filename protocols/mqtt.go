package protocols

// NewMQTTSignatures returns the MQTT CONNECT signature: packet type 0x10, a
// one-byte remaining length, then the length-prefixed protocol name "MQTT".
func NewMQTTSignatures() []Signature {
	return []Signature{{
		Name:      "MQTT CONNECT",
		Pattern:   Concat(Pattern{0x10, Wildcard, 0x00, 0x04}, Text("MQTT")),
		Inference: Inference{Direction: DirectionClient, Application: AppMQTT},
	}}
}
