package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cppla/carbonboard/metrics"
)

// Metrics records request count and latency per matched route.
// Unmatched paths share one label so scanners cannot blow up cardinality.
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveHTTP(route, ctx.Request.Method, strconv.Itoa(ctx.Writer.Status()), time.Since(start))
	}
}
