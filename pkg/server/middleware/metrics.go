package middleware

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics observes request latency per route into a prometheus histogram.
type Metrics struct {
	latency *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "planner_request_duration_seconds",
		Help:    "Latency of planning API requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})
	reg.MustRegister(latency)
	return &Metrics{latency: latency}
}

func (m *Metrics) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		m.latency.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
