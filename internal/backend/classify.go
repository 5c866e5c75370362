package backend

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
)

// connectivityPatterns match transport-level failure messages from the
// stack beneath net/http.
var connectivityPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"host is down",
	"broken pipe",
	"i/o timeout",
	"timeout",
	"tls handshake",
}

// IsConnectivity reports whether err is a transport-level failure: the
// request never produced an HTTP response. An APIError of any status,
// including 5xx, means the server was reached and is deliberately not
// connectivity: a server outage must surface, not silently queue.
// A caller-initiated cancellation is not connectivity either.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range connectivityPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
