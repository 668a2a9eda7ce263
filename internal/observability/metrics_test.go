package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/nodus/internal/events"
	"github.com/danmuck/nodus/internal/faults"
	"github.com/danmuck/nodus/internal/host"
	"github.com/danmuck/nodus/internal/lifecycle"
	"github.com/danmuck/nodus/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("api", "GET", "/health", 200, 12*time.Millisecond)
	before := testutil.ToFloat64(commandRuns.WithLabelValues("api", "greeter", "sayhello", "OK"))
	RecordCommand("api", "greeter", "sayhello", "OK", 24*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(commandRuns.WithLabelValues("api", "greeter", "sayhello", "OK")))
}

func TestEventObserverRecordsServiceMetrics(t *testing.T) {
	testlog.Start(t)
	em := events.NewEmitter("obs-svc")
	em.Use(NewEventObserver())
	ctx := context.Background()

	require.NoError(t, em.Emit(ctx, lifecycle.EventStarted, "obs-svc"))
	assert.Equal(t, 1.0, testutil.ToFloat64(serviceUp.WithLabelValues("obs-svc")))

	require.NoError(t, em.Emit(ctx, host.EventFault, faults.New(faults.NoHandler, nil, "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(serviceFaults.WithLabelValues("obs-svc", "NO_HANDLER")))

	require.NoError(t, em.Emit(ctx, host.EventExit, host.ExitStatus{Service: "obs-svc", Code: 3}))
	assert.Equal(t, 1.0, testutil.ToFloat64(serviceExits.WithLabelValues("obs-svc", "false")))
	assert.Equal(t, 0.0, testutil.ToFloat64(serviceUp.WithLabelValues("obs-svc")))
	assert.Equal(t, 1.0, testutil.ToFloat64(serviceEvents.WithLabelValues("obs-svc", host.EventExit)))
}

func TestMiddlewareLogsAndCounts(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	r := gin.New()
	r.Use(AccessLog(logger, "mw-test"), RouteMetrics("mw-test"))
	greeter := r.Group("/greeter", TagService("greeter"))
	greeter.POST("/:command", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/greeter/sayhello", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	line := buf.String()
	assert.Contains(t, line, `"level":"warn"`)
	assert.Contains(t, line, `"route":"/greeter/:command"`)
	assert.Contains(t, line, `"service":"greeter"`)
	assert.Contains(t, line, `"command":"sayhello"`)
	assert.Equal(t, 1.0, testutil.ToFloat64(httpRequests.WithLabelValues("mw-test", "POST", "/greeter/:command", "404")))
}

func TestUnmatchedRoutesShareOneLabel(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer

	r := gin.New()
	r.Use(AccessLog(zerolog.New(&buf), "mw-unmatched"), RouteMetrics("mw-unmatched"))
	for _, path := range []string{"/a", "/b/c", "/d?e=f"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(httpRequests.WithLabelValues("mw-unmatched", "GET", unmatchedRoute, "404")))
	assert.NotContains(t, buf.String(), `"service"`)
}
