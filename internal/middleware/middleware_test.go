package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMiddleware_BasicMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()

	gin.SetMode(gin.TestMode)
	r := gin.New()

	promMw := NewPrometheusMiddleware("test", registry)
	r.Use(promMw.Handler())

	r.GET("/chunks/:x", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/error", func(c *gin.Context) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "test error"})
	})

	for _, path := range []string{"/chunks/1", "/chunks/2", "/error"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	metricFamilies, err := registry.Gather()
	require.NoError(t, err)

	var durationFound bool
	for _, mf := range metricFamilies {
		if mf.GetName() == "test_debug_api_http_request_duration_seconds" {
			durationFound = true
			// метки по шаблону маршрута: /chunks/:x и /error
			assert.Len(t, mf.GetMetric(), 2)
		}
	}
	assert.True(t, durationFound)

	assert.Equal(t, 1.0, testutil.ToFloat64(promMw.reqErrors.WithLabelValues("GET", "/error", "500")))
	assert.Equal(t, 0.0, testutil.ToFloat64(promMw.reqInflight))
}

func TestRequestLogger_SetsTraceID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewRequestLogger().Handler())

	var seen string
	r.GET("/health", func(c *gin.Context) {
		seen = c.GetString(TraceIDKey)
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Trace-Id"))
	assert.Len(t, seen, 36, "без спана используется UUID")
}
