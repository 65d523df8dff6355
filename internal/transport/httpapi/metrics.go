package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reqCnt = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "phishwatch_http_requests_total",
	Help: "HTTP requests by status, method and route.",
}, []string{"code", "method", "path"})

var reqDur = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "phishwatch_http_request_duration_seconds",
	Help:    "HTTP request latency by status, method and route.",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
}, []string{"code", "method", "path"})

// metricsMiddleware records every request except scrapes and health checks.
func metricsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := c.Path()
		if path == "/metrics" || path == "/healthz" {
			return next(c)
		}
		start := time.Now()
		err := next(c)
		status := c.Response().Status
		if err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
			if status == 0 || status == http.StatusOK {
				status = http.StatusInternalServerError
			}
		}
		code := strconv.Itoa(status)
		method := c.Request().Method
		reqDur.WithLabelValues(code, method, path).Observe(time.Since(start).Seconds())
		reqCnt.WithLabelValues(code, method, path).Inc()
		return err
	}
}
