package common

import (
	_ "embed"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"
)

//go:embed VERSION
var version string

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements http.RoundTripper and sets the User-Agent header.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// UserAgent returns the User-Agent sent with every outgoing request.
func UserAgent() string {
	return "natgridstats/" + strings.TrimSpace(version)
}

// HTTPClient returns a default http client with a default user-agent set
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
			userAgent: UserAgent(),
		},
		Timeout: timeout,
	}
}

// SessionClient returns an HTTPClient that keeps cookies between requests.
// Each call returns a client with its own jar so sessions never leak between
// logins.
func SessionClient(timeout time.Duration) *http.Client {
	c := HTTPClient(timeout)
	// cookiejar.New only errors when given a PublicSuffixList that fails
	jar, _ := cookiejar.New(nil)
	c.Jar = jar
	return c
}
