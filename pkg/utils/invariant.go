// Invariants are conditions that must hold unless there is a bug in tiercache itself, e.g. an eviction strategy the
// request cache didn't normalize reaching its comparator.
// A violated invariant is logged, counted in `invariants_total` and only panics in test builds.
// It is still up to the caller to handle the erroneous case, usually by an early return or a safe fallback.
//
// Do not raise invariants for conditions that depend on external factors, such as a full storage medium or a
// corrupt entry written by another process. Those are handled where they happen.

package utils

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

var invariantsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "invariants_total",
	Help: "The total number of invariant violations",
}, []string{
	"module", // The module in which this invariant occurred.
	"type",   // The type of the invariant that occurred.
})

func RaiseInvariant(module, invariantType, msg string, args ...any) {
	invariantsMetric.WithLabelValues(module, invariantType).Inc()
	slog.With("invariant", invariantType, "module", module).Error(msg, args...)
	if IsTestMode {
		panic("invariant violated: " + invariantType)
	}
}

// GetMetricValue returns the current value of the invariant counter with labels `module` and `invariantType`.
func GetMetricValue(module, invariantType string) int {
	return int(CounterValue(invariantsMetric, module, invariantType))
}

// CounterValue reads the current value of `counter` for the given label values.
// It's meant for tests and debug output; a read failure is logged and reported as zero.
func CounterValue(counter *prometheus.CounterVec, labelValues ...string) float64 {
	metric := &promclient.Metric{}
	if err := counter.WithLabelValues(labelValues...).Write(metric); err != nil {
		slog.Error("Failed to read counter value.", "labels", labelValues, "error", err)
		return 0
	}
	return metric.GetCounter().GetValue()
}
