package locator

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	cogerrors "github.com/akhenakh/cogtile/errors"
)

// Metrics counts tile lookups and fetches.
type Metrics struct {
	fetches  *prometheus.CounterVec
	bytes    prometheus.Counter
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cogtile",
			Name:      "fetch_total",
			Help:      "Tile fetches by result (ok or error code).",
		}, []string{"result"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cogtile",
			Name:      "fetch_bytes_total",
			Help:      "Verified tile bytes fetched from storage.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cogtile",
			Name:      "stage_duration_seconds",
			Help:      "Time spent locating and fetching tiles.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.3, 0.6, 1, 3},
		}, []string{"stage"}),
	}
	reg.MustRegister(m.fetches, m.bytes, m.duration)
	return m
}

func (m *Metrics) observe(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(stage).Observe(seconds)
}

func (m *Metrics) fetched(n int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.fetches.WithLabelValues(result(err)).Inc()
		return
	}
	m.fetches.WithLabelValues("ok").Inc()
	m.bytes.Add(float64(n))
}

func result(err error) string {
	if code := cogerrors.Code(err); code != "" {
		return strings.ToLower(code)
	}
	return "error"
}
