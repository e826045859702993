package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowCounters(t *testing.T) {
	m := New()

	m.FlowCompleted("success", 120*time.Millisecond)
	m.FlowCompleted("success", 80*time.Millisecond)
	m.FlowCompleted("network_error", 3*time.Second)
	m.AttemptFailed("network_error")
	m.AttemptFailed("network_error")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.flows.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.flows.WithLabelValues("network_error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.attemptsFailed.WithLabelValues("network_error")))
}

func TestReconcilerAndNotificationCounters(t *testing.T) {
	m := New()

	m.FinalizationReconciled("finalized")
	m.NotificationSent("webhook", true)
	m.NotificationSent("email", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciled.WithLabelValues("finalized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("webhook", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("email", "failed")))
}

func TestGinMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()

	r := gin.New()
	r.Use(m.GinMiddleware())
	r.GET("/api/leaderboard/rank/:nickname", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/leaderboard/rank/alice", nil))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/leaderboard/rank/:nickname", "200")))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "donation_api_http_requests_total"))
}
