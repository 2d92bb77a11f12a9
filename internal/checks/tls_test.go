package checks

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maremma/internal/status"
)

func TestTlsExecutorUntrustedCert(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	parsed, err := url.Parse(server.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(parsed.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	exec := &TlsExecutor{}
	res, err := exec.Execute(context.Background(), Target{Hostname: host}, MergedConfig{
		"port": float64(port),
	})
	require.NoError(t, err)
	// the self-signed test certificate fails trust-store validation
	assert.Equal(t, status.Critical, res.Status)
}

func TestTlsExecutorConnectionRefused(t *testing.T) {
	exec := &TlsExecutor{}
	res, err := exec.Execute(context.Background(), Target{Hostname: "127.0.0.1"}, MergedConfig{
		"port": float64(1),
	})
	require.NoError(t, err)
	assert.Equal(t, status.Critical, res.Status)
}

func TestTlsExecutorNoHostname(t *testing.T) {
	exec := &TlsExecutor{}
	_, err := exec.Execute(context.Background(), Target{}, MergedConfig{})
	assert.Error(t, err)
}
