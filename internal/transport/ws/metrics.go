package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	sessionsActive prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec
	rejectedTotal  *prometheus.CounterVec
	framesSent     prometheus.Counter
	bytesSent      prometheus.Counter
	sessionSeconds prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tilewars",
			Subsystem: "replay_stream",
			Name:      "sessions_active",
			Help:      "Replay streaming sessions currently open.",
		}),
		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tilewars",
			Subsystem: "replay_stream",
			Name:      "sessions_total",
			Help:      "Finished replay streaming sessions by view and outcome.",
		}, []string{"view", "outcome"}),
		rejectedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tilewars",
			Subsystem: "replay_stream",
			Name:      "rejected_total",
			Help:      "Requests refused before streaming started.",
		}, []string{"reason"}),
		framesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tilewars",
			Subsystem: "replay_stream",
			Name:      "frames_sent_total",
			Help:      "Websocket messages carrying frame payloads.",
		}),
		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tilewars",
			Subsystem: "replay_stream",
			Name:      "bytes_sent_total",
			Help:      "Payload bytes written to clients.",
		}),
		sessionSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tilewars",
			Subsystem: "replay_stream",
			Name:      "session_duration_seconds",
			Help:      "Wall-clock length of streaming sessions.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}),
	}
}
