package transport

import (
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// NewHTTPClient builds the shared client with HTTP/2 negotiation enabled and
// the given overall request timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	// falls back to HTTP/1.1 when configuration is rejected
	_ = http2.ConfigureTransport(base)
	return &http.Client{Transport: base, Timeout: timeout}
}
