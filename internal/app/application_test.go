package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/shizukutanaka/batchd/internal/api"
	"github.com/shizukutanaka/batchd/internal/config"
	apperrors "github.com/shizukutanaka/batchd/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Batcher.DeltaMs = 1
	cfg.Batcher.ObservationWindow = 10 * time.Millisecond
	cfg.Batcher.PrepInterval = time.Millisecond
	cfg.API.ListenAddr = "127.0.0.1:0"
	cfg.Sim.TimeScale = 10000
	cfg.Sim.BaseHackTime = 10 * time.Millisecond
	return cfg
}

func TestApplication_Creation(t *testing.T) {
	a, err := New(context.Background(), zaptest.NewLogger(t), testConfig(), "test")
	require.NoError(t, err)
	assert.NotNil(t, a.Engine())
	assert.NotNil(t, a.World())
	assert.Empty(t, a.APIAddr())
	require.NoError(t, a.Shutdown(context.Background()))
}

func TestApplication_StartStop(t *testing.T) {
	a, err := New(context.Background(), zaptest.NewLogger(t), testConfig(), "test")
	require.NoError(t, err)
	require.NoError(t, a.Start())
	assert.Error(t, a.Start())

	assert.Eventually(t, func() bool {
		return a.Engine().Cycles() >= 1
	}, 10*time.Second, 10*time.Millisecond)

	client := api.NewClient(a.APIAddr(), 2*time.Second)
	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "foodnstuff", status.Engine.Target)
	assert.Equal(t, "test", status.Version)
	require.NotNil(t, status.Host)
	assert.Equal(t, 4096.0, status.Host.Total)

	families, err := a.Metrics().Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	resp, err := http.Get("http://" + a.APIAddr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "batchd_cycles_total")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))

	select {
	case <-a.Done():
	default:
		t.Fatal("engine still running after shutdown")
	}
	assert.NoError(t, a.Err())
}

func TestApplication_NoTarget(t *testing.T) {
	cfg := testConfig()
	cfg.API.Enabled = false
	cfg.Sim.Resources = []config.ResourceConfig{
		{ID: "darkweb", HasAccess: true, Security: 1, MinSecurity: 1, MaxMoney: 0, GrowthRate: 1},
		{ID: "vault", HasAccess: false, Security: 5, MinSecurity: 5, Money: 10, MaxMoney: 100, GrowthRate: 1},
	}

	a, err := New(context.Background(), zaptest.NewLogger(t), cfg, "test")
	require.NoError(t, err)
	require.NoError(t, a.Start())

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not exit")
	}
	assert.True(t, errors.Is(a.Err(), apperrors.ErrNoTarget))
	require.NoError(t, a.Shutdown(context.Background()))
}

func TestApplication_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Sim.TimeScale = 0

	_, err := New(context.Background(), zaptest.NewLogger(t), cfg, "test")
	assert.Error(t, err)
}
