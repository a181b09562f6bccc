package circuitbreaker

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransport_ServerErrorsTripPerHost(t *testing.T) {
	var hits atomic.Int32
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	group, err := NewGroup(testConfig(2, time.Minute, 1))
	require.NoError(t, err)
	client := NewHTTPClient(group, time.Second)

	for i := 0; i < 2; i++ {
		resp, err := client.Get(failing.URL)
		require.NoError(t, err, "5xx responses are returned to the caller")
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		_ = resp.Body.Close()
	}

	_, err = client.Get(failing.URL + "/other")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen), "expected ErrCircuitOpen, got %v", err)
	assert.Equal(t, int32(2), hits.Load(), "open circuit must not reach the server")

	resp, err := client.Get(healthy.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	assert.Len(t, group.Keys(), 2)
}

func TestTransport_ClientErrorsDoNotCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	group, err := NewGroup(testConfig(1, time.Minute, 1))
	require.NoError(t, err)
	client := NewHTTPClient(group, 0)

	for i := 0; i < 3; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		_ = resp.Body.Close()
	}

	key := HostKey(httptest.NewRequest(http.MethodGet, srv.URL, nil))
	assert.False(t, group.Get(key).IsOpen())
}

func TestTransport_ConnectionErrorTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	group, err := NewGroup(testConfig(1, time.Minute, 1))
	require.NoError(t, err)
	client := NewHTTPClient(group, time.Second)

	_, err = client.Get(url)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrCircuitOpen))

	_, err = client.Get(url)
	assert.True(t, errors.Is(err, ErrCircuitOpen), "expected ErrCircuitOpen, got %v", err)
}

func TestNewHTTPClient_DefaultTimeout(t *testing.T) {
	group, err := NewGroup(DefaultConfig("http"))
	require.NoError(t, err)

	client := NewHTTPClient(group, 0)

	assert.Equal(t, DefaultRequestTimeout, client.Timeout)
	assert.IsType(t, &Transport{}, client.Transport)
}
