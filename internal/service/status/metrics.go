package status

import "github.com/prometheus/client_golang/prometheus"

var (
	ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "devfarm",
		Subsystem: "reconciler",
		Name:      "ticks_total",
		Help:      "Count of completed reconciliation ticks",
	})
	tickSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "devfarm",
		Subsystem: "reconciler",
		Name:      "ticks_skipped_total",
		Help:      "Count of intervals skipped because a tick was still running",
	})
	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "devfarm",
		Subsystem: "reconciler",
		Name:      "tick_duration_seconds",
		Help:      "Latency distribution of reconciliation ticks",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	envFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "devfarm",
		Subsystem: "reconciler",
		Name:      "environment_failures_total",
		Help:      "Count of per-environment reconciliation failures",
	})
)

func init() {
	collectors := []prometheus.Collector{ticksTotal, tickSkipped, tickDuration, envFailures}
	for _, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}
