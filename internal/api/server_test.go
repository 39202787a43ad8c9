package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shizukutanaka/batchd/internal/batcher"
	"github.com/shizukutanaka/batchd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubStatus struct {
	snap batcher.Snapshot
}

func (s *stubStatus) Snapshot() batcher.Snapshot { return s.snap }

type stubHost struct {
	capacity batcher.Capacity
}

func (h *stubHost) Capacity(context.Context) (batcher.Capacity, error) { return h.capacity, nil }

func testAPIConfig() config.APIConfig {
	return config.APIConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:0",
		RateLimit:  1000,
		RateBurst:  1000,
	}
}

func newTestServer(t *testing.T, cfg config.APIConfig, status *stubStatus) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "batchd_test_total", Help: "test"}))

	s, err := NewServer(cfg, zaptest.NewLogger(t), Options{
		Status:   status,
		Host:     &stubHost{capacity: batcher.Capacity{Total: 4096, Used: 1024}},
		Gatherer: registry,
		Version:  "test",
	})
	require.NoError(t, err)
	return s
}

func TestNewServer_Disabled(t *testing.T) {
	cfg := testAPIConfig()
	cfg.Enabled = false

	_, err := NewServer(cfg, zaptest.NewLogger(t), Options{Status: &stubStatus{}})
	assert.Error(t, err)

	_, err = NewServer(testAPIConfig(), zaptest.NewLogger(t), Options{})
	assert.Error(t, err)
}

func TestServer_Status(t *testing.T) {
	status := &stubStatus{snap: batcher.Snapshot{
		Target:   "joesguns",
		Phase:    batcher.PhaseObserving,
		Fraction: 0.021,
		Cycles:   3,
	}}
	s := newTestServer(t, testAPIConfig(), status)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var raw rawResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &raw))
	assert.True(t, raw.Success)

	var got Status
	require.NoError(t, json.Unmarshal(raw.Data, &got))
	assert.Equal(t, "batchd", got.Service)
	assert.Equal(t, "test", got.Version)
	assert.Equal(t, "joesguns", got.Engine.Target)
	assert.Equal(t, int64(3), got.Engine.Cycles)
	assert.InDelta(t, 0.021, got.Engine.Fraction, 1e-12)
	require.NotNil(t, got.Host)
	assert.InDelta(t, 0.25, got.Host.Utilization, 1e-12)
}

func TestServer_Health(t *testing.T) {
	status := &stubStatus{snap: batcher.Snapshot{Phase: batcher.PhaseDispatching}}
	s := newTestServer(t, testAPIConfig(), status)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	status.snap.Phase = batcher.PhaseStopped
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t, testAPIConfig(), &stubStatus{})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "batchd_test_total")
}

func TestServer_NotFoundAndMethod(t *testing.T) {
	s := newTestServer(t, testAPIConfig(), &stubStatus{})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestServer_RateLimit(t *testing.T) {
	cfg := testAPIConfig()
	cfg.RateLimit = 1
	cfg.RateBurst = 2
	s := newTestServer(t, cfg, &stubStatus{})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestServer_StartAndClient(t *testing.T) {
	status := &stubStatus{snap: batcher.Snapshot{Target: "n00dles", Phase: batcher.PhasePreparing}}
	s := newTestServer(t, testAPIConfig(), status)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		assert.NoError(t, s.Shutdown(shutdownCtx))
	}()

	addr := s.Addr()
	require.NotEmpty(t, addr)

	client := NewClient(addr, 2*time.Second)
	got, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "n00dles", got.Engine.Target)
	assert.Equal(t, batcher.PhasePreparing, got.Engine.Phase)
}

func TestClient_ErrorEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"success":false,"error":"engine stopped"}`))
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL, time.Second).Status(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "engine stopped"))
}
