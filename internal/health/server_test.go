package health

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/quicloop/internal/metrics"
	"github.com/postalsys/quicloop/internal/reactor"
)

// mockStatsProvider implements StatsProvider for testing.
type mockStatsProvider struct {
	stats []reactor.Stats
}

func (m *mockStatsProvider) Stats() []reactor.Stats {
	return m.stats
}

func running(shards int) *mockStatsProvider {
	p := &mockStatsProvider{}
	for i := 0; i < shards; i++ {
		p.stats = append(p.stats, reactor.Stats{
			ID:          "r" + string(rune('0'+i)),
			Shard:       i,
			Connections: 2,
			Timers:      1,
			Running:     true,
		})
	}
	return p
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_handleHealth(t *testing.T) {
	s := NewServer(DefaultServerConfig(), running(1), nil)

	rec := serve(s, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if body := rec.Body.String(); body != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s := NewServer(DefaultServerConfig(), running(1), nil)

	for _, path := range []string{"/health", "/healthz", "/ready"} {
		t.Run(path, func(t *testing.T) {
			rec := serve(s, http.MethodPost, path)
			if rec.Code != http.StatusMethodNotAllowed {
				t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
			}
		})
	}
}

func TestServer_handleHealthz_Running(t *testing.T) {
	s := NewServer(DefaultServerConfig(), running(2), nil)

	rec := serve(s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var resp healthzResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "healthy" || !resp.Running {
		t.Errorf("expected healthy and running, got %+v", resp)
	}
	if resp.Connections != 4 || resp.Timers != 2 {
		t.Errorf("expected totals 4/2, got %d/%d", resp.Connections, resp.Timers)
	}
	if len(resp.Reactors) != 2 || resp.Reactors[1].Shard != 1 {
		t.Errorf("unexpected reactors: %+v", resp.Reactors)
	}
}

func TestServer_handleHealthz_NotRunning(t *testing.T) {
	p := running(2)
	p.stats[1].Running = false
	s := NewServer(DefaultServerConfig(), p, nil)

	rec := serve(s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}

	var resp healthzResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "unavailable" {
		t.Errorf("expected status 'unavailable', got %v", resp.Status)
	}
}

func TestServer_handleReady(t *testing.T) {
	tests := []struct {
		name     string
		provider StatsProvider
		code     int
		body     string
	}{
		{"running", running(1), http.StatusOK, "READY\n"},
		{"no reactors", &mockStatsProvider{}, http.StatusServiceUnavailable, "NOT READY\n"},
		{"nil provider", nil, http.StatusServiceUnavailable, "NOT READY\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := NewServer(DefaultServerConfig(), tc.provider, nil)
			rec := serve(s, http.MethodGet, "/ready")
			if rec.Code != tc.code {
				t.Errorf("expected status %d, got %d", tc.code, rec.Code)
			}
			if rec.Body.String() != tc.body {
				t.Errorf("expected body %q, got %q", tc.body, rec.Body.String())
			}
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	m.RecordReceived(3, 300)

	cfg := DefaultServerConfig()
	cfg.Gatherer = reg
	s := NewServer(cfg, running(1), nil)

	rec := serve(s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "quicloop_datagrams_received_total 3") {
		t.Errorf("metrics output missing received counter:\n%s", rec.Body.String())
	}
}

func TestServer_Pprof(t *testing.T) {
	cfg := DefaultServerConfig()
	s := NewServer(cfg, running(1), nil)
	if rec := serve(s, http.MethodGet, "/debug/pprof/"); rec.Code != http.StatusNotFound {
		t.Errorf("pprof disabled: expected status %d, got %d", http.StatusNotFound, rec.Code)
	}

	cfg.Pprof = true
	s = NewServer(cfg, running(1), nil)
	if rec := serve(s, http.MethodGet, "/debug/pprof/cmdline"); rec.Code != http.StatusOK {
		t.Errorf("pprof enabled: expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestServer_StartStop(t *testing.T) {
	cfg := ServerConfig{
		Address:      "127.0.0.1:0",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	s := NewServer(cfg, running(1), nil)

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if !s.running.Load() {
		t.Error("expected server to be running")
	}

	addr := s.Address()
	if addr == nil {
		t.Fatal("expected non-nil address")
	}

	resp, err := http.Get("http://" + addr.String() + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || string(body) != "OK\n" {
		t.Errorf("unexpected response %d %q", resp.StatusCode, body)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("failed to stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second stop failed: %v", err)
	}
	if s.running.Load() {
		t.Error("expected server to be stopped")
	}
}
