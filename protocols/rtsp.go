package protocols

// RTSP request methods. OPTIONS is shared with HTTP and left to it.
var rtspMethods = []string{"DESCRIBE", "ANNOUNCE", "SETUP", "PLAY", "PAUSE", "TEARDOWN"}

// NewRTSPSignatures returns client signatures for RTSP requests, "METHOD rtsp://".
func NewRTSPSignatures() []Signature {
	sigs := make([]Signature, 0, len(rtspMethods))
	for _, m := range rtspMethods {
		sigs = append(sigs, Signature{
			Name:      "RTSP " + m,
			Pattern:   Text(m + " rtsp://"),
			Inference: Inference{Direction: DirectionClient, Application: AppRTSP},
		})
	}
	return sigs
}
