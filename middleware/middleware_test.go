package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/carbonboard/metrics"
	"github.com/cppla/carbonboard/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, method, path, remoteAddr string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitRejectsAfterBurstPerIP(t *testing.T) {
	r := gin.New()
	r.Use(RateLimit(4)) // burst of 2
	r.POST("/x", func(ctx *gin.Context) { utils.Success(ctx, nil) })

	assert.Equal(t, http.StatusOK, serve(r, http.MethodPost, "/x", "10.0.0.1:1000", nil).Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodPost, "/x", "10.0.0.1:1000", nil).Code)
	blocked := serve(r, http.MethodPost, "/x", "10.0.0.1:1000", nil)
	assert.Equal(t, http.StatusTooManyRequests, blocked.Code)
	assert.Contains(t, blocked.Body.String(), "42901")

	// another client has its own bucket
	assert.Equal(t, http.StatusOK, serve(r, http.MethodPost, "/x", "10.0.0.2:1000", nil).Code)
}

func TestIPLimitersEvictIdleEntries(t *testing.T) {
	l := newIPLimiters(60)
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	require.True(t, l.allow("a"))
	require.Len(t, l.limiters, 1)

	now = now.Add(limiterIdleTTL + time.Second)
	require.True(t, l.allow("b"))
	assert.Len(t, l.limiters, 1)
	assert.Contains(t, l.limiters, "b")
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/x", func(ctx *gin.Context) { utils.Success(ctx, nil) })

	w := serve(r, http.MethodGet, "/x", "", nil)
	id := w.Header().Get(RequestIDHeader)
	assert.Len(t, id, 36)
	assert.Contains(t, w.Body.String(), `"requestId":"`+id+`"`)

	w = serve(r, http.MethodGet, "/x", "", http.Header{RequestIDHeader: []string{"trace-123"}})
	assert.Equal(t, "trace-123", w.Header().Get(RequestIDHeader))
}

func TestMetricsLabelsByRoute(t *testing.T) {
	m := metrics.New()
	r := gin.New()
	r.Use(Metrics(m))
	r.GET("/users/:userId", func(ctx *gin.Context) { utils.Success(ctx, nil) })

	serve(r, http.MethodGet, "/users/alice", "", nil)
	serve(r, http.MethodGet, "/users/bob", "", nil)
	serve(r, http.MethodGet, "/nope", "", nil)

	// one series for the parameterised route, one for unmatched paths
	n, err := testutil.GatherAndCount(m.Registry(), "carbonboard_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
