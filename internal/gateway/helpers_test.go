// ABOUTME: Shared fixtures for gateway tests
// ABOUTME: Builds a gateway on a temp SQLite database and issues bearer credentials

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vrme/vrme-gateway/internal/auth"
	"github.com/vrme/vrme-gateway/internal/config"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns defaults with a temp database, fast heartbeats and
// limits high enough that tests only hit them on purpose.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "gateway.db")
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.RateLimit.Identity = config.LimitConfig{Capacity: 1000, RefillPerSecond: 1000}
	cfg.RateLimit.IP = config.LimitConfig{Capacity: 1000, RefillPerSecond: 1000}
	cfg.Listeners.HeartbeatInterval = 50 * time.Millisecond
	cfg.Listeners.HeartbeatTimeout = 5 * time.Second
	return cfg
}

// newTestGateway builds a gateway that is shut down when the test ends.
func newTestGateway(t *testing.T, mutate ...func(*config.Config)) *Gateway {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}
	require.NoError(t, cfg.Validate())

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw
}

// newTestServer serves the gateway's HTTP handler.
func newTestServer(t *testing.T, gw *Gateway) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return srv
}

// newAccount creates an account and returns its identity and Authorization header value.
func newAccount(t *testing.T, gw *Gateway, name string) (auth.Identity, string) {
	t.Helper()
	acct, err := gw.store.CreateAccount(t.Context(), name)
	require.NoError(t, err)
	token, err := gw.store.IssueToken(t.Context(), acct.ID)
	require.NoError(t, err)
	return acct.Identity(), "Bearer " + auth.EncodeSessionCredential(acct.ID, token)
}

// doRequest sends an HTTP request with an optional Authorization header.
func doRequest(t *testing.T, method, url, authorization string, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, r)
	require.NoError(t, err)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// decodeJSON decodes the response body into v.
func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}
