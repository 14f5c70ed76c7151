package gateway

import (
	"net/url"
)

// ValidateOrigin checks an Origin header against the allow-list by
// strict scheme+host equality. No substring or prefix matching: a
// naive check would wave http://localhost.evil.com through. Ports are
// not compared, so http://localhost:8080 matches http://localhost.
func ValidateOrigin(origin string, allowed []string) bool {
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	scheme := originURL.Scheme
	host := originURL.Hostname()
	if scheme == "" || host == "" {
		return false
	}
	for _, entry := range allowed {
		allowedURL, err := url.Parse(entry)
		if err != nil {
			continue
		}
		if scheme == allowedURL.Scheme && host == allowedURL.Hostname() {
			return true
		}
	}
	return false
}
