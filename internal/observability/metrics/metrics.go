// Package metrics exposes zkpayd's Prometheus collectors. A Metrics value
// satisfies the observer interfaces of the session registry, the proof
// processor, the verification coordinator, the settlement trigger and the
// dispatcher, so components never import Prometheus directly.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ZKPay-Chain/internal/proof"
	"ZKPay-Chain/internal/settlement"
	"ZKPay-Chain/internal/verify"
)

const namespace = "zkpay"

// Metrics groups every collector registered by zkpayd.
type Metrics struct {
	gatherer prometheus.Gatherer

	sessionsLive   prometheus.Gauge
	sessionsTotal  prometheus.Counter
	proofs         *prometheus.CounterVec
	proofLatency   *prometheus.HistogramVec
	droppedEvents  *prometheus.CounterVec
	verifications  *prometheus.CounterVec
	submitRetries  *prometheus.CounterVec
	settlements    *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
	inboundFrames  *prometheus.CounterVec
	rejectedFrames *prometheus.CounterVec
}

// New registers all collectors on reg. A nil reg uses a fresh registry, which
// keeps tests independent of the process-wide default.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		sessionsLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "live",
			Help:      "Sessions currently open",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "opened_total",
			Help:      "Sessions opened since start",
		}),
		proofs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proof",
			Name:      "results_total",
			Help:      "Proof results by backend kind and terminal status",
		}, []string{"kind", "status"}),
		proofLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proof",
			Name:      "generation_seconds",
			Help:      "Wall time spent in the proof engine",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"kind"}),
		droppedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "dropped_events_total",
			Help:      "Outbound events discarded because their session was no longer live",
		}, []string{"event"}),
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "verdicts_total",
			Help:      "Terminal verification verdicts by chain",
		}, []string{"chain", "verdict", "reason"}),
		submitRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "submit_retries_total",
			Help:      "Retried verification submissions by chain",
		}, []string{"chain"}),
		settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "records_total",
			Help:      "Settlement records by status",
		}, []string{"status"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests processed",
		}, []string{"handler", "method", "code"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"handler", "method"}),
		inboundFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "inbound_messages_total",
			Help:      "Inbound session messages by final dispatch stage",
		}, []string{"stage"}),
		rejectedFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "rejected_messages_total",
			Help:      "Inbound messages rejected before routing, by error code",
		}, []string{"code"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SessionOpened implements session.Observer.
func (m *Metrics) SessionOpened() {
	m.sessionsLive.Inc()
	m.sessionsTotal.Inc()
}

// SessionClosed implements session.Observer.
func (m *Metrics) SessionClosed() {
	m.sessionsLive.Dec()
}

// ObserveProof implements backend.Observer.
func (m *Metrics) ObserveProof(kind proof.Kind, status proof.Status, elapsed time.Duration) {
	m.proofs.WithLabelValues(string(kind), string(status)).Inc()
	if status == proof.StatusComplete {
		m.proofLatency.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
	}
}

// EventDropped counts an outbound event discarded for a closed session.
func (m *Metrics) EventDropped(event string) {
	m.droppedEvents.WithLabelValues(event).Inc()
}

// MessageHandled counts an inbound message by the stage it ended in.
func (m *Metrics) MessageHandled(stage string) {
	m.inboundFrames.WithLabelValues(stage).Inc()
}

// MessageRejected counts a validation rejection by error code.
func (m *Metrics) MessageRejected(code string) {
	m.rejectedFrames.WithLabelValues(code).Inc()
}

// ObserveVerification implements verify.Observer.
func (m *Metrics) ObserveVerification(chain string, verdict verify.Verdict, reason string) {
	m.verifications.WithLabelValues(chain, string(verdict), reason).Inc()
}

// ObserveSubmissionRetry implements verify.Observer.
func (m *Metrics) ObserveSubmissionRetry(chain string) {
	m.submitRetries.WithLabelValues(chain).Inc()
}

// ObserveSettlement implements settlement.Observer.
func (m *Metrics) ObserveSettlement(status settlement.Status) {
	m.settlements.WithLabelValues(string(status)).Inc()
}

// ObserveHTTPRequest records one served HTTP request.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}
