package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/buildrmi/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("rmid", "GET", "/health", 200, 12*time.Millisecond)
	RecordCall("client", "daemon.environment", "Info", "ok", 3*time.Millisecond)
	RecordCall("client", "daemon.environment", "Info", "cached", 0)

	if got := testutil.ToFloat64(rmiCalls.WithLabelValues("client", "daemon.environment", "Info", "cached")); got != 1 {
		t.Fatalf("cached call counter=%v want 1", got)
	}
}

func TestReleaseAndConnectionGauges(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(rmiReleases.WithLabelValues("received", "stale"))
	RecordRelease("received", false)
	if got := testutil.ToFloat64(rmiReleases.WithLabelValues("received", "stale")); got != before+1 {
		t.Fatalf("stale release counter=%v want %v", got, before+1)
	}

	conns := testutil.ToFloat64(rmiConnections)
	ConnectionOpened()
	ConnectionClosed()
	if got := testutil.ToFloat64(rmiConnections); got != conns {
		t.Fatalf("connections gauge=%v want %v", got, conns)
	}
}

func TestRequestObserverRecordsRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestObserver("observer-test", zerolog.Nop()))
	r.GET("/items/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	for range 2 {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/7", nil))
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("observer-test", "GET", "/items/:id", "404")); got != 2 {
		t.Fatalf("http request counter=%v want 2", got)
	}
}
