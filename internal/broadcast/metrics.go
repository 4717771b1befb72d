package broadcast

import "github.com/prometheus/client_golang/prometheus"

// Do not increment directly, use the report functions.
var (
	diffsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitysync",
		Subsystem: "broadcast",
		Name:      "diffs_published_total",
		Help:      "The total number of version diffs published, by entity.",
	},
		[]string{"entity"},
	)
	subscribersDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "entitysync",
		Subsystem: "broadcast",
		Name:      "subscribers_dropped_total",
		Help:      "The total number of subscribers dropped for falling behind.",
	})
	subscribersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "entitysync",
		Subsystem: "broadcast",
		Name:      "subscribers",
		Help:      "The number of connected subscribers.",
	})
)

func init() {
	prometheus.MustRegister(diffsPublished)
	prometheus.MustRegister(subscribersDropped)
	prometheus.MustRegister(subscribersActive)
}

func reportPublished(entityName string) {
	diffsPublished.WithLabelValues(entityName).Inc()
}

func reportDropped() {
	subscribersDropped.Inc()
}

func reportSubscribers(n int) {
	subscribersActive.Set(float64(n))
}
