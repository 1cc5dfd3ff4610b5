package server

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	metricsRegistry = prometheus.NewRegistry()

	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deepscout_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "path", "status"})

	phaseDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deepscout_phase_duration_seconds",
		Help:    "Wall time of pipeline phase handlers.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"phase"})

	deepRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deepscout_deep_runs_total",
		Help: "Deep research runs by terminal outcome.",
	}, []string{"outcome"})
)

func init() {
	metricsRegistry.MustRegister(httpRequestsTotal, phaseDurationSeconds, deepRunsTotal)
	metricsRegistry.MustRegister(collectors.NewGoCollector())
	metricsRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func metricsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		status := c.Response().Status
		if he, ok := err.(*echo.HTTPError); ok {
			status = he.Code
		}
		httpRequestsTotal.WithLabelValues(c.Request().Method, c.Path(), strconv.Itoa(status)).Inc()
		return err
	}
}

func observePhase(phase string, start time.Time) {
	phaseDurationSeconds.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}
