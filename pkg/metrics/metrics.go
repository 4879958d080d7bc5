// Package metrics exposes the verification activity as prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/glimps-re/vt-connector/pkg/datamodel"
	"github.com/glimps-re/vt-connector/pkg/scanner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vtconnector"

// Collector implements scanner.Observer on its own registry.
type Collector struct {
	registry *prometheus.Registry

	scans        *prometheus.CounterVec
	failures     *prometheus.CounterVec
	pollAttempts *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

var _ scanner.Observer = &Collector{}

func NewCollector(runtimeMetrics bool) *Collector {
	reg := prometheus.NewRegistry()
	if runtimeMetrics {
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		reg.MustRegister(collectors.NewGoCollector())
	}
	c := &Collector{
		registry: reg,
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Completed verifications by kind, severity and degraded flag.",
		}, []string{"kind", "severity", "degraded"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_failures_total",
			Help:      "Failed verifications by kind and error kind.",
		}, []string{"kind", "error"}),
		pollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_attempts_total",
			Help:      "Analysis status queries by kind and reported status.",
		}, []string{"kind", "status", "failed"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Time from submission to verdict.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
	}
	reg.MustRegister(c.scans, c.failures, c.pollAttempts, c.duration)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (c *Collector) ScanCompleted(kind datamodel.ScanKind, severity datamodel.Severity, degraded bool, duration time.Duration) {
	c.scans.WithLabelValues(string(kind), string(severity), boolLabel(degraded)).Inc()
	c.duration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

func (c *Collector) ScanFailed(kind datamodel.ScanKind, errKind scanner.ErrorKind) {
	c.failures.WithLabelValues(string(kind), string(errKind)).Inc()
}

func (c *Collector) PollAttempt(kind datamodel.ScanKind, status datamodel.PollStatus, failed bool) {
	c.pollAttempts.WithLabelValues(string(kind), string(status), boolLabel(failed)).Inc()
}
