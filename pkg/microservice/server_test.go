package microservice_test

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/illmade-knight/go-robobridge/pkg/microservice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, cfg microservice.BaseConfig, reg *prometheus.Registry) *microservice.BaseServer {
	t.Helper()
	server := microservice.NewBaseServer(zerolog.Nop(), cfg, reg)
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})
	return server
}

func TestBaseServer_HealthzAndMetrics(t *testing.T) {
	// Arrange
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "robobridge_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()
	server := startServer(t, microservice.BaseConfig{HTTPAddr: "127.0.0.1:0"}, reg)
	base := "http://127.0.0.1" + server.GetHTTPPort()

	// Act
	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	// Assert
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "robobridge_test_total 1")
}

func TestBaseServer_RouterAndCORS(t *testing.T) {
	// Arrange
	server := startServer(t, microservice.BaseConfig{
		HTTPAddr:       "127.0.0.1:0",
		AllowedOrigins: []string{"http://dashboard.local"},
	}, nil)
	server.Router().HandleFunc("/api/v1/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})
	base := "http://127.0.0.1" + server.GetHTTPPort()

	// Act
	req, err := http.NewRequest(http.MethodGet, base+"/api/v1/ping", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://dashboard.local")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	// Assert
	assert.Equal(t, "pong", string(body))
	assert.Equal(t, "http://dashboard.local", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
