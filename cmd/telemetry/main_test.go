package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientIPPrefersFirstForwardedForEntry(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1, 10.0.0.2")
	r.RemoteAddr = "192.0.2.1:54321"

	require.Equal(t, "203.0.113.7", clientIP(r))
}

func TestClientIPFallsBackToPeerAddress(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.RemoteAddr = "192.0.2.1:54321"

	require.Equal(t, "192.0.2.1", clientIP(r))
}

func TestClientIPFallsBackToRawRemoteAddrWhenUnparseable(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.RemoteAddr = "not-a-valid-address"

	require.Equal(t, "not-a-valid-address", clientIP(r))
}
