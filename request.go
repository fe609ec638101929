package gateway

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds the token fetch and the network call when a
// request does not set its own timeout.
const DefaultTimeout = 10 * time.Second

var allowedMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodHead:   {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// Request describes a single outgoing call. The gateway never modifies
// the caller's value; retries should build a new one.
type Request struct {
	URL     string
	Method  string
	Headers Headers

	// Body is a structured value, a form-encoded string, raw text or a
	// wire.Raw sent unchanged. See package wire for how it is encoded.
	Body any

	// Timeout bounds the whole attempt (default: DefaultTimeout).
	Timeout time.Duration

	// AllowLargeResponse lifts the response body size limit.
	AllowLargeResponse bool
}

// Clone returns a copy of r with its own header map.
func (r *Request) Clone() *Request {
	c := *r
	c.Headers = r.Headers.Clone()
	return &c
}

func (r *Request) normalize() error {
	if r.URL == "" {
		return fmt.Errorf("%w: empty URL", ErrInvalidRequest)
	}

	r.Method = strings.ToUpper(r.Method)
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	if _, ok := allowedMethods[r.Method]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, r.Method)
	}

	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeout
	}
	return nil
}

// Headers maps header names to values. Names keep the case they were
// stored with; lookups are case-insensitive. Multiple values for one name
// are joined with a single space.
type Headers map[string]string

func (h Headers) lookup(name string) (key, value string, ok bool) {
	if v, ok := h[name]; ok {
		return name, v, true
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return k, v, true
		}
	}
	return "", "", false
}

// Get returns the value for name, or an empty string.
func (h Headers) Get(name string) string {
	_, v, _ := h.lookup(name)
	return v
}

// Has reports whether name is present.
func (h Headers) Has(name string) bool {
	_, _, ok := h.lookup(name)
	return ok
}

// Set replaces every value of name with value.
func (h Headers) Set(name, value string) {
	h.Del(name)
	h[name] = value
}

// Add appends value to name, joining with a space if already present.
func (h Headers) Add(name, value string) {
	if k, v, ok := h.lookup(name); ok {
		h[k] = v + " " + value
		return
	}
	h[name] = value
}

// Del removes name in any case.
func (h Headers) Del(name string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
}

// Clone returns a copy of h. Cloning nil yields an empty map.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// FromHTTP converts an http.Header, joining repeated values with a space.
func FromHTTP(header http.Header) Headers {
	out := make(Headers, len(header))
	for k, vs := range header {
		out[k] = strings.Join(vs, " ")
	}
	return out
}
