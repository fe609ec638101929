package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus metrics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokenFetches    *prometheus.CounterVec
	configPersists  *prometheus.CounterVec
	pinResets       prometheus.Counter
}

// NewMetrics creates the gateway metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approov_gateway_requests_total",
				Help: "Total number of requests by outcome",
			},
			[]string{"outcome"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "approov_gateway_request_duration_seconds",
				Help:    "Request latency in seconds, including the token fetch",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		tokenFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approov_gateway_token_fetches_total",
				Help: "Total number of token fetches by provider status",
			},
			[]string{"status"},
		),

		configPersists: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approov_gateway_config_persists_total",
				Help: "Total number of dynamic configuration saves by result",
			},
			[]string{"result"},
		),

		pinResets: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "approov_gateway_pin_resets_total",
				Help: "Total number of pinning client resets",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.requestsTotal,
			m.requestDuration,
			m.tokenFetches,
			m.configPersists,
			m.pinResets,
		)
	}
	return m
}

func (m *Metrics) observeRequest(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) observeTokenFetch(status string) {
	if m == nil {
		return
	}
	m.tokenFetches.WithLabelValues(status).Inc()
}

func (m *Metrics) observeConfigPersist(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.configPersists.WithLabelValues(result).Inc()
}

func (m *Metrics) observePinReset() {
	if m == nil {
		return
	}
	m.pinResets.Inc()
}
