package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the gateway.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	MessagesSent        *prometheus.CounterVec
	RateLimitRejections *prometheus.CounterVec
	QRTimeouts          prometheus.Counter
	StreamSubscribers   prometheus.Gauge
	PacingDelay         prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of in-memory account sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		MessagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Outbound message attempts by kind and status.",
		}, []string{"kind", "status"}),
		RateLimitRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Sends rejected by a volume ceiling, by scope.",
		}, []string{"scope"}),
		QRTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qr_timeouts_total",
			Help:      "Authentication windows that elapsed without a scan.",
		}),
		StreamSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Open event-stream subscriptions across all accounts.",
		}),
		PacingDelay: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pacing_delay_seconds",
			Help:      "Randomized per-message pacing delay applied before sends.",
			Buckets:   []float64{2, 2.5, 3, 3.5, 4, 4.5, 5},
		}),
	}
}

// ObservePacingDelay records one applied pacing delay.
func (m *Metrics) ObservePacingDelay(d time.Duration) {
	m.PacingDelay.Observe(d.Seconds())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
