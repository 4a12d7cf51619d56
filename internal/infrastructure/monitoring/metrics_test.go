package monitoring

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareRecordsRouteTemplates(t *testing.T) {
	m := New(prometheus.NewRegistry())

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware(m))
	router.POST("/v1/suspensions/:id/resume", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	router.GET("/fail", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, path := range []string{"/v1/suspensions/a/resume", "/v1/suspensions/b/resume"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, path, nil))
	}
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("POST", "/v1/suspensions/:id/resume", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/fail", "500")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "unmatched", "404")))

	s := m.Snapshot()
	assert.Equal(t, int64(4), s.TotalRequests)
	assert.Equal(t, int64(2), s.TotalErrors)
}

func TestExtensionAndStreamMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordExtensionCall("http", "get", nil, 10*time.Millisecond)
	m.RecordExtensionCall("http", "get", errors.New("refused"), time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExtensionCalls.WithLabelValues("http", "get", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExtensionCalls.WithLabelValues("http", "get", "error")))

	m.IncWSConnections()
	m.IncWSConnections()
	m.DecWSConnections()
	m.RecordWSMessage("out", "result")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WSConnections))
	assert.Equal(t, int64(1), m.Snapshot().ActiveConnections)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WSMessages.WithLabelValues("out", "result")))
}
