package protocols

// httpMethods 包含 HTTP 与 WebDAV 方法
var httpMethods = []string{
	// HTTP methods
	"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS", "CONNECT", "TRACE", "PATCH",
	// WebDAV methods
	"PROPFIND", "PROPPATCH", "MKCOL", "COPY", "MOVE", "LOCK", "UNLOCK",
}

// NewHTTPSignatures returns one client signature per HTTP/WebDAV request
// method. Each method is followed by a space so that PROPFIND does not stop
// at a shorter method sharing its prefix.
func NewHTTPSignatures() []Signature {
	sigs := make([]Signature, 0, len(httpMethods))
	for _, m := range httpMethods {
		sigs = append(sigs, Signature{
			Name:      "HTTP " + m,
			Pattern:   Text(m + " "),
			Inference: Inference{Direction: DirectionClient, Application: AppHTTP},
		})
	}
	return sigs
}
