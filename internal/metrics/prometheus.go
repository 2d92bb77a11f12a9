// internal/metrics/prometheus.go
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"maremma/internal/checks"
	"maremma/internal/database"
	"maremma/internal/status"
)

// Prometheus metrics
var (
	CheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maremma_check_duration_seconds",
			Help:    "Time spent executing service checks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service_type"},
	)

	ChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maremma_checks_total",
			Help: "Total number of completed service checks",
		},
		[]string{"service_type", "status"},
	)

	ServiceCheckStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maremma_service_checks",
			Help: "Current number of service checks per status",
		},
		[]string{"status"},
	)

	ChecksOverdue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maremma_checks_overdue",
			Help: "Service checks more than two periods past due",
		},
	)

	CheckLatencyP50 = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maremma_check_latency_p50_ms",
			Help: "Median of each check's most recent elapsed time",
		},
	)

	CheckLatencyP95 = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maremma_check_latency_p95_ms",
			Help: "95th percentile of each check's most recent elapsed time",
		},
	)
)

// Collector reads aggregate state from the store on demand; nothing is
// denormalised into counter tables.
type Collector struct {
	store *database.Store
}

// NewCollector wires the collector and pre-registers every label combination
// so a fresh daemon scrapes zeroes rather than nothing.
func NewCollector(store *database.Store) *Collector {
	for _, st := range status.All {
		ServiceCheckStatus.WithLabelValues(string(st)).Set(0)
		for _, serviceType := range checks.AllTypes {
			ChecksTotal.WithLabelValues(string(serviceType), string(st)).Add(0)
		}
	}
	return &Collector{store: store}
}

// RecordCheckResult feeds the per-result series. Called from the scheduler's
// result hook.
func (c *Collector) RecordCheckResult(serviceType string, st status.Status, elapsed time.Duration) {
	CheckDuration.WithLabelValues(serviceType).Observe(elapsed.Seconds())
	ChecksTotal.WithLabelValues(serviceType, string(st)).Inc()
}

// Refresh recomputes the gauge series from the store. Called before each
// scrape.
func (c *Collector) Refresh(ctx context.Context) {
	totals, err := c.store.StatusTotals(ctx)
	if err != nil {
		logrus.WithError(err).Error("Failed to compute status totals")
	} else {
		for st, count := range totals {
			ServiceCheckStatus.WithLabelValues(string(st)).Set(float64(count))
		}
	}

	overdue, err := c.store.OverdueCount(ctx, time.Now().UTC())
	if err != nil {
		logrus.WithError(err).Error("Failed to count overdue checks")
	} else {
		ChecksOverdue.Set(float64(overdue))
	}

	p50, p95, err := c.store.LatencyQuantiles(ctx)
	if err != nil {
		logrus.WithError(err).Error("Failed to compute latency quantiles")
		return
	}
	CheckLatencyP50.Set(float64(p50))
	CheckLatencyP95.Set(float64(p95))
}
