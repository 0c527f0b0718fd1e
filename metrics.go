package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the engine and transport collectors. Collectors are
// always usable; they are only exported when a registerer is supplied.
type Metrics struct {
	Sends             *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	Connected         prometheus.Gauge
	DuplicatesDropped prometheus.Counter
	StaleFetches      prometheus.Counter
	FetchFailures     prometheus.Counter
	FetchDuration     prometheus.Histogram
	CacheErrors       prometheus.Counter
}

// Send outcomes.
const (
	OutcomeSent     = "sent"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

// NewMetrics builds the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Messages submitted, by outcome.",
		}, []string{"outcome"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnect_attempts_total",
			Help:      "Backoff reconnect attempts.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "connected",
			Help:      "1 while the event channel is connected.",
		}),
		DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "duplicates_dropped_total",
			Help:      "Incoming messages dropped by timeline dedup.",
		}),
		StaleFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "stale_fetches_discarded_total",
			Help:      "History results discarded after the conversation changed.",
		}),
		FetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "fetch_failures_total",
			Help:      "Failed history or recent-conversation requests.",
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatsync",
			Name:      "history_fetch_seconds",
			Help:      "History fetch latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		CacheErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "cache_errors_total",
			Help:      "Continuity cache read, decode or write errors.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Sends,
			m.ReconnectAttempts,
			m.Connected,
			m.DuplicatesDropped,
			m.StaleFetches,
			m.FetchFailures,
			m.FetchDuration,
			m.CacheErrors,
		)
	}
	return m
}
