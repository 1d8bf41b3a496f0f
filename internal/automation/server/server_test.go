package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reachflow-go/internal/automation/adapters/http/handlers"
	"github.com/reachflow-go/pkg/config"
	"github.com/reachflow-go/pkg/logger"
	"github.com/reachflow-go/pkg/telemetry"
)

func localConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = "file:" + uuid.New().String() + "?mode=memory&cache=shared"
	cfg.Database.MaxOpenConns = 1
	cfg.Database.AutoMigrate = true
	cfg.Events.Driver = "memory"
	cfg.Engine.MaxSteps = 100
	cfg.RateLimit.TriggerRPS = 100
	cfg.RateLimit.TriggerBurst = 100
	return cfg
}

func TestNew_LocalStack(t *testing.T) {
	gin.SetMode(gin.TestMode)

	srv, err := New(localConfig(), logger.NewNop(), telemetry.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	assert.Nil(t, srv.scheduler)

	handler := srv.httpServer.Handler

	for _, path := range []string{"/health/live", "/health/ready", "/metrics"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/automation/workflows",
		strings.NewReader(`{"name":"Welcome","triggerType":"event_based"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(handlers.TenantHeader, "t1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/v1/automation/workflows", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestNew_RedisLimiterUsesTriggerRate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	host, port, _ := strings.Cut(mr.Addr(), ":")

	cfg := localConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Host = host
	cfg.Redis.Port, _ = strconv.Atoi(port)
	cfg.RateLimit.TriggerRPS = 1
	cfg.RateLimit.TriggerBurst = 5

	srv, err := New(cfg, logger.NewNop(), telemetry.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	// Three quick calls span at most two one-second windows
	limited := 0
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/automation/workflows/missing/trigger", nil)
		req.Header.Set(handlers.TenantHeader, "t1")
		w := httptest.NewRecorder()
		srv.httpServer.Handler.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.GreaterOrEqual(t, limited, 1)
}

func TestNewEventBus_UnknownDriver(t *testing.T) {
	cfg := localConfig()
	cfg.Events.Driver = "carrier-pigeon"
	_, err := newEventBus(cfg, logger.NewNop())
	assert.Error(t, err)
}

func TestNew_KafkaNeedsBrokers(t *testing.T) {
	cfg := localConfig()
	cfg.Events.Driver = "kafka"
	_, err := New(cfg, logger.NewNop(), telemetry.NewNop())
	assert.ErrorContains(t, err, "event bus")
}
