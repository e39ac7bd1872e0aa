package protocols

// NewSSHSignatures returns the SSH identification string signature. Both
// peers send it first, so the direction stays unknown.
func NewSSHSignatures() []Signature {
	return []Signature{{
		Name:      "SSH",
		Pattern:   Text("SSH-"),
		Inference: Inference{Direction: DirectionUnknown, Application: AppSSH},
	}}
}
