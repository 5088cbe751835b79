package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics completes the wiring SPEC_FULL.md §3 calls for: the teacher
// declares ServerConfig.EnableMetrics/MetricsPort but never mounts a
// registry; /metrics here is a real promhttp handler.
var (
	connectionHealthScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connection_health_score",
		Help: "Current session connection health score in [0,100].",
	})
	brokerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "broker_request_duration_seconds",
		Help: "Duration of broker request/response round-trips by kind.",
	}, []string{"kind"})
	providerFanoutDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "provider_fanout_duration_seconds",
		Help: "Duration of a single provider's scoring call within a fan-out.",
	}, []string{"provider"})
	ensembleDisagreementPenalty = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ensemble_disagreement_penalty",
		Help: "Disagreement penalty applied to the most recent ensemble score.",
	})
	reconnectTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconnect_total",
		Help: "Total number of session reconnect attempts.",
	})
)

// RecordConnectionHealth updates the connection_health_score gauge;
// cmd/server wires this to session.Session's health callback.
func RecordConnectionHealth(score float64) { connectionHealthScore.Set(score) }

// RecordBrokerRequest observes a broker round-trip duration by kind.
func RecordBrokerRequest(kind string, seconds float64) {
	brokerRequestDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordProviderFanout observes one provider's scoring latency.
func RecordProviderFanout(provider string, seconds float64) {
	providerFanoutDuration.WithLabelValues(provider).Observe(seconds)
}

// RecordDisagreementPenalty sets the most recent ensemble disagreement penalty.
func RecordDisagreementPenalty(penalty float64) { ensembleDisagreementPenalty.Set(penalty) }

// RecordReconnect increments the reconnect counter.
func RecordReconnect() { reconnectTotal.Inc() }

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
