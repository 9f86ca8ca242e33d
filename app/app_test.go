package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) http.Handler {
	t.Helper()
	a, err := New(context.Background(), &Config{Port: "3000", Title: "webapp"}, prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	return a.Router()
}

func get(t *testing.T, h http.Handler, path string) *http.Response {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Result()
}

func TestIndex(t *testing.T) {
	h := newTestApp(t)

	resp := get(t, h, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "<title>webapp</title>")

	// the page is static
	again, err := io.ReadAll(get(t, h, "/").Body)
	require.NoError(t, err)
	assert.Equal(t, body, again)
}

func TestRoutes(t *testing.T) {
	h := newTestApp(t)

	tests := []struct {
		method string
		path   string
		code   int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/about", http.StatusNotFound},
		{http.MethodGet, "/index.html", http.StatusNotFound},
		{http.MethodPost, "/", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestMetricsCountRequests(t *testing.T) {
	h := newTestApp(t)

	get(t, h, "/")
	get(t, h, "/")
	get(t, h, "/missing")

	body, err := io.ReadAll(get(t, h, "/metrics").Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `requests_total{code="200",route="/"} 2`)
	assert.Contains(t, string(body), `requests_total{code="404",route="unmatched"} 1`)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfigFrom(context.Background(), envconfig.MapLookuper(nil))
	require.NoError(t, err)
	assert.Equal(t, "3000", cfg.Port)
	assert.Equal(t, "scanline", cfg.Title)
	assert.False(t, cfg.Dev)
	assert.Equal(t, "0.0.0.0:3000", cfg.ListenAddr())

	cfg, err = LoadConfigFrom(context.Background(), envconfig.MapLookuper(map[string]string{
		"PORT":      "8080",
		"APP_TITLE": "demo",
	}))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
	assert.Equal(t, "demo", cfg.Title)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, &Config{Port: "0", Title: "webapp"})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("app did not shut down")
	}
}
