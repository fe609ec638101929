package gateway

// Response is the success envelope returned by the gateway.
type Response struct {
	StatusCode int

	// Content is the parsed body when the response is JSON, otherwise the
	// body as a string. It is nil for empty bodies.
	Content any

	// Body is the raw response body.
	Body []byte

	Headers Headers

	// URL is the final URL after redirects.
	URL string
}
