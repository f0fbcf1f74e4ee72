package httputil

import (
	"net/http"
	"time"
)

// NewClient creates a new HTTP client with the given timeout and pooled transport settings.
// Used for the Flip bill API, which is called once per checkout.
//
// Transport settings:
//   - MaxIdleConns: 50 (total idle connections across all hosts)
//   - MaxIdleConnsPerHost: 10 (idle connections per host)
//   - IdleConnTimeout: 90s (time to keep idle connections alive)
//   - TLSHandshakeTimeout: 10s
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        50,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}
