// Package metrics exposes the quality service's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quality"

// Collector owns a private registry so tests and multiple servers in one
// process do not collide on the default one.
type Collector struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	operations     *prometheus.CounterVec
	opDuration     *prometheus.HistogramVec
	calculations   *prometheus.CounterVec
	rates          *prometheus.HistogramVec
	gapAnalyses    *prometheus.CounterVec
	gapsFound      *prometheus.CounterVec
	starRatings    prometheus.Counter
	overallRatings prometheus.Histogram
	publishes      prometheus.Counter
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "service", Name: "operations_total",
			Help: "Service operations by outcome.",
		}, []string{"operation", "result"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "service", Name: "operation_duration_seconds",
			Help:    "Duration of service operations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"operation"}),
		calculations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "measure", Name: "calculations_total",
			Help: "Measure calculations by measure type and target attainment.",
		}, []string{"measure_type", "meeting_target"}),
		rates: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "measure", Name: "rate_percent",
			Help:    "Distribution of calculated performance rates.",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}, []string{"measure_type"}),
		gapAnalyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gap", Name: "analyses_total",
			Help: "Gap analyses performed.",
		}, []string{"measure_type"}),
		gapsFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gap", Name: "gaps_total",
			Help: "Care gaps found by closability.",
		}, []string{"measure_type", "closable"}),
		starRatings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "star", Name: "ratings_total",
			Help: "Star ratings calculated.",
		}),
		overallRatings: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "star", Name: "overall_rating",
			Help:    "Distribution of overall star ratings.",
			Buckets: []float64{1, 1.5, 2, 2.5, 3, 3.5, 4, 4.5, 5},
		}),
		publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "star", Name: "publishes_total",
			Help: "Star ratings published.",
		}),
	}
	c.registry.MustRegister(
		c.httpRequests, c.httpDuration,
		c.operations, c.opDuration,
		c.calculations, c.rates,
		c.gapAnalyses, c.gapsFound,
		c.starRatings, c.overallRatings, c.publishes,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return c
}

// Registry is exposed for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveOperation(op, errKind string, d time.Duration) {
	result := "ok"
	if errKind != "" {
		result = errKind
	}
	c.operations.WithLabelValues(op, result).Inc()
	c.opDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (c *Collector) ObserveCalculation(measureType string, rate float64, meeting bool) {
	c.calculations.WithLabelValues(measureType, strconv.FormatBool(meeting)).Inc()
	c.rates.WithLabelValues(measureType).Observe(rate)
}

func (c *Collector) ObserveGapAnalysis(measureType string, total, closable int) {
	c.gapAnalyses.WithLabelValues(measureType).Inc()
	c.gapsFound.WithLabelValues(measureType, "true").Add(float64(closable))
	c.gapsFound.WithLabelValues(measureType, "false").Add(float64(total - closable))
}

func (c *Collector) ObserveStarRating(overall float64) {
	c.starRatings.Inc()
	c.overallRatings.Observe(overall)
}

func (c *Collector) ObservePublish() { c.publishes.Inc() }

// Middleware records request counts and latency labelled by route template.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			if ec.Path() == "/metrics" {
				return next(ec)
			}
			start := time.Now()
			err := next(ec)

			status := ec.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}
			route := ec.Path()
			if route == "" {
				route = "unmatched"
			}
			method := ec.Request().Method
			c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			c.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
