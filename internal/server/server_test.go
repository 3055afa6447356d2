package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/capto/internal/app"
	"github.com/ternarybob/capto/internal/common"
)

func newTestServer(t *testing.T, mutate func(*common.Config)) *httptest.Server {
	t.Helper()

	cfg := common.DefaultConfig()
	cfg.Storage.Dir = t.TempDir()
	cfg.Vault.Dir = t.TempDir()
	cfg.Queue.Workers = 1
	cfg.Queue.MaxConcurrent = 1
	cfg.Auth.APIKey = "secret-key"
	cfg.Auth.Require = true
	cfg.Webhook.Enable = false
	if mutate != nil {
		mutate(cfg)
	}

	application, err := app.New(cfg, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { application.Close() })

	s := New(application)
	srv := httptest.NewServer(s.withMiddleware(s.router))
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, srv *httptest.Server, method, path, apiKey string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, nil)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, string(body)
}

func TestHealthIsExempt(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := doRequest(t, srv, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"ok"`)
}

func TestVersionIsExempt(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := doRequest(t, srv, http.MethodGet, "/api/v1/version", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "version")
}

func TestMetricsIsExempt(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := doRequest(t, srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "capto_queue_depth")
}

func TestAuthRequiredOnAPIRoutes(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := doRequest(t, srv, http.MethodGet, "/api/v1/stats", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, "AUTH")

	resp, _ = doRequest(t, srv, http.MethodGet, "/api/v1/stats", "wrong-key")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = doRequest(t, srv, http.MethodGet, "/api/v1/stats", "secret-key")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "queue_depth")
}

func TestAuthDisabled(t *testing.T) {
	srv := newTestServer(t, func(cfg *common.Config) {
		cfg.Auth.Require = false
		cfg.Auth.APIKey = ""
	})

	resp, _ := doRequest(t, srv, http.MethodGet, "/api/v1/stats", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnknownAPIRoute(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := doRequest(t, srv, http.MethodGet, "/api/v1/nope", "secret-key")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "NOT_FOUND")
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, _ := doRequest(t, srv, http.MethodDelete, "/api/v1/batch/download", "secret-key")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRateLimitReturns429(t *testing.T) {
	srv := newTestServer(t, func(cfg *common.Config) {
		cfg.RateLimit.RPS = 1
		cfg.RateLimit.Burst = 2
	})

	var last *http.Response
	for i := 0; i < 3; i++ {
		last, _ = doRequest(t, srv, http.MethodGet, "/api/v1/stats", "secret-key")
	}
	require.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	assert.Equal(t, "60", last.Header.Get("Retry-After"))
}

func TestRateLimitSkipsExemptPaths(t *testing.T) {
	srv := newTestServer(t, func(cfg *common.Config) {
		cfg.RateLimit.RPS = 1
		cfg.RateLimit.Burst = 1
	})

	for i := 0; i < 5; i++ {
		resp, _ := doRequest(t, srv, http.MethodGet, "/api/v1/health", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestStatsShape(t *testing.T) {
	srv := newTestServer(t, nil)

	_, body := doRequest(t, srv, http.MethodGet, "/api/v1/stats", "secret-key")

	var stats struct {
		QueueDepth int            `json:"queue_depth"`
		Active     int            `json:"active"`
		Jobs       map[string]int `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &stats))
	assert.Equal(t, 0, stats.QueueDepth)
	assert.Equal(t, 0, stats.Active)
}
