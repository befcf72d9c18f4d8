package telemetry

import "github.com/prometheus/client_golang/prometheus"

const streamgateNamespace string = "streamgate"

var (
	promSessionTotal         prometheus.Gauge
	promNegotiationCounter   *prometheus.CounterVec
	promTranscoderRestarts   prometheus.Counter
	promIceCandidatesCounter *prometheus.CounterVec
	ServiceOperationCounter  *prometheus.CounterVec
)

func init() {
	promSessionTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: streamgateNamespace,
		Subsystem: "session",
		Name:      "total",
	})

	promNegotiationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: streamgateNamespace,
			Subsystem: "signaling",
			Name:      "negotiation_total",
		},
		[]string{"status"},
	)

	promTranscoderRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: streamgateNamespace,
		Subsystem: "transcode",
		Name:      "restarts_total",
	})

	promIceCandidatesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: streamgateNamespace,
			Subsystem: "signaling",
			Name:      "ice_candidates_total",
		},
		[]string{"direction"},
	)

	ServiceOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: streamgateNamespace,
			Subsystem: "node",
			Name:      "service_operation",
		},
		[]string{"type", "status", "error_type"},
	)

	prometheus.MustRegister(promSessionTotal)
	prometheus.MustRegister(promNegotiationCounter)
	prometheus.MustRegister(promTranscoderRestarts)
	prometheus.MustRegister(promIceCandidatesCounter)
	prometheus.MustRegister(ServiceOperationCounter)
}

func SessionStarted() {
	promSessionTotal.Inc()
}

func SessionStopped() {
	promSessionTotal.Dec()
}

func NegotiationSucceeded() {
	promNegotiationCounter.WithLabelValues("connected").Inc()
}

func NegotiationFailed() {
	promNegotiationCounter.WithLabelValues("failed").Inc()
}

func TranscoderRestarted() {
	promTranscoderRestarts.Inc()
}

func IceCandidateReceived() {
	promIceCandidatesCounter.WithLabelValues("client").Inc()
}

func IceCandidateRelayed() {
	promIceCandidatesCounter.WithLabelValues("sfu").Inc()
}
