package circuitbreaker

import (
	"fmt"
	"net/http"
	"time"
)

// DefaultRequestTimeout bounds every request made through NewHTTPClient.
const DefaultRequestTimeout = 5 * time.Second

// KeyFunc maps a request to the dependency it belongs to.
type KeyFunc func(req *http.Request) string

// HostKey groups requests by scheme and host.
func HostKey(req *http.Request) string {
	return req.URL.Scheme + "://" + req.URL.Host
}

// statusError marks a 5xx response as a failed call without discarding it.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d", e.code)
}

// Transport is an http.RoundTripper that routes each request through the
// breaker of its dependency. Transport errors and 5xx responses count as failures.
type Transport struct {
	base  http.RoundTripper
	group *Group
	key   KeyFunc
}

// NewTransport wraps base. A nil base uses http.DefaultTransport and a nil key uses HostKey.
func NewTransport(base http.RoundTripper, group *Group, key KeyFunc) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if key == nil {
		key = HostKey
	}
	return &Transport{base: base, group: group, key: key}
}

// RoundTrip implements http.RoundTripper.
// A rejected request returns an error matching ErrCircuitOpen.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	cb := t.group.Get(t.key(req))

	result, err := cb.Execute(func() (interface{}, error) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, &statusError{code: resp.StatusCode}
		}
		return resp, nil
	})

	if resp, ok := result.(*http.Response); ok && resp != nil {
		// the breaker saw the 5xx; the caller still gets the response
		return resp, nil
	}
	return nil, err
}

// NewHTTPClient returns a client whose requests are guarded per host by group.
// A non-positive timeout uses DefaultRequestTimeout.
func NewHTTPClient(group *Group, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: NewTransport(nil, group, HostKey),
	}
}
