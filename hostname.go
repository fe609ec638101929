package gateway

import (
	"net"
	"strings"

	"github.com/kacy/approov-gateway/provider"
)

// ExtractHostname returns the authority of an http or https URL, or an
// empty string when the URL does not match. An empty result means the
// request cannot be attested; the gateway then proceeds without a token.
func ExtractHostname(url string) string {
	return provider.Hostname(url)
}

func isLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.EqualFold(host, "localhost")
}
