package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	writes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clickhousejson",
			Subsystem: "output",
			Name:      "writes_total",
			Help:      "Number of chunk writes by outcome.",
		}, []string{"outcome"},
	)
	writeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clickhousejson",
			Subsystem: "output",
			Name:      "write_duration_seconds",
			Help:      "Duration of a single INSERT request.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"},
	)
	chunkBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clickhousejson",
			Subsystem: "output",
			Name:      "chunk_bytes",
			Help:      "Size of chunk bodies before compression.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)
	records = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clickhousejson",
			Subsystem: "format",
			Name:      "records_total",
			Help:      "Number of records formatted.",
		},
	)
	nullFields = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clickhousejson",
			Subsystem: "format",
			Name:      "null_fields_dropped_total",
			Help:      "Number of null-valued fields removed from records.",
		},
	)
	formatErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clickhousejson",
			Subsystem: "format",
			Name:      "errors_total",
			Help:      "Number of records that could not be encoded.",
		},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clickhousejson",
			Subsystem: "endpoint",
			Name:      "health_checks_total",
			Help:      "Number of SHOW TABLES checks by result.",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{writes, writeDuration, chunkBytes, records, nullFields, formatErrors, healthChecks}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until Register has succeeded.

func ObserveWrite(outcome string, seconds float64, size int) {
	if regOK.Load() {
		writes.WithLabelValues(outcome).Inc()
		writeDuration.WithLabelValues(outcome).Observe(seconds)
		chunkBytes.Observe(float64(size))
	}
}

func IncWrite(outcome string) {
	if regOK.Load() {
		writes.WithLabelValues(outcome).Inc()
	}
}

func AddRecords(n int) {
	if regOK.Load() {
		records.Add(float64(n))
	}
}

func AddDroppedNullFields(n int) {
	if regOK.Load() && n > 0 {
		nullFields.Add(float64(n))
	}
}

func IncFormatError() {
	if regOK.Load() {
		formatErrors.Inc()
	}
}

func IncHealthCheck(result string) {
	if regOK.Load() {
		healthChecks.WithLabelValues(result).Inc()
	}
}
