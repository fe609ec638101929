package provider

import "regexp"

var hostnamePattern = regexp.MustCompile(`(?i)^https?://([^/?#]+)(?:[/?#]|$)`)

// Hostname extracts the authority of an http or https URL: everything
// after "://" up to the next '/', '?', '#' or the end of the string. It
// returns an empty string when the URL does not match.
func Hostname(url string) string {
	m := hostnamePattern.FindStringSubmatch(url)
	if m == nil {
		return ""
	}
	return m[1]
}

func hostOf(url string) string {
	if host := Hostname(url); host != "" {
		return host
	}
	return url
}
