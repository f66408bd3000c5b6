// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package observability

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, s *Server) {
	t.Helper()
	_, err := s.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Stop(ctx))
	})
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url) //nolint:noctx // test helper
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_MetricsIncludesExtraGatherers(t *testing.T) {
	extra := prometheus.NewRegistry()
	promauto.With(extra).NewCounter(prometheus.CounterOpts{
		Name: "audit_events_total_test",
		Help: "test counter",
	}).Inc()

	server := NewServer("127.0.0.1:0", func() bool { return true }, extra)
	startServer(t, server)

	status, body := get(t, "http://"+server.Addr()+"/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "# HELP")
	assert.Contains(t, body, "# TYPE")
	assert.Contains(t, body, "go_")
	assert.Contains(t, body, "process_")
	assert.Contains(t, body, "audit_events_total_test 1")
}

func TestServer_Health(t *testing.T) {
	var ready atomic.Bool
	server := NewServer("127.0.0.1:0", ready.Load)
	startServer(t, server)
	base := "http://" + server.Addr()

	tests := []struct {
		name   string
		path   string
		ready  bool
		status int
		body   string
	}{
		{name: "liveness while not ready", path: "/healthz/liveness", status: http.StatusOK, body: "ok"},
		{name: "readiness while not ready", path: "/healthz/readiness", status: http.StatusServiceUnavailable, body: "not ready"},
		{name: "readiness once ready", path: "/healthz/readiness", ready: true, status: http.StatusOK, body: "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ready.Store(tt.ready)
			status, body := get(t, base+tt.path)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.body, strings.TrimSpace(body))
		})
	}
}

func TestServer_NilReadinessIsReady(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)
	startServer(t, server)

	status, _ := get(t, "http://"+server.Addr()+"/healthz/readiness")
	assert.Equal(t, http.StatusOK, status)
}

func TestServer_StartTwiceFails(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)
	startServer(t, server)

	_, err := server.Start()
	require.Error(t, err)
}

func TestServer_StartInvalidAddr(t *testing.T) {
	server := NewServer("256.0.0.1:bad", nil)
	_, err := server.Start()
	require.Error(t, err)
	assert.Empty(t, server.Addr())

	require.NoError(t, server.Stop(context.Background()))
}

func TestServer_StopClosesErrorChannel(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)
	errCh, err := server.Start()
	require.NoError(t, err)

	require.NoError(t, server.Stop(context.Background()))
	select {
	case err, ok := <-errCh:
		assert.False(t, ok, "unexpected serve error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("error channel not closed")
	}
	assert.NotNil(t, server.Registry())
}
