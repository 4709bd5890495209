// Package metrics holds the Prometheus collectors of the client core.
// Collectors register with the default registry at init; the HTTP bridge
// serves them on /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "hellogpt"

var (
	// QueueOperations counts settled queue operations by outcome
	// (ok, error, fallback, cancelled).
	QueueOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "operations_total",
			Help:      "Queued backend operations by final outcome",
		},
		[]string{"op", "outcome"},
	)

	// QueueRetries counts retry attempts scheduled after a transient failure.
	QueueRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "retries_total",
			Help:      "Retries scheduled after transient failures",
		},
		[]string{"op"},
	)

	// QueueDepth is the number of operations waiting or executing.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Operations waiting or executing",
		},
	)

	// Probes counts health probes by result.
	Probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "probes_total",
			Help:      "Health probes by result",
		},
		[]string{"result"},
	)

	// FallbackActive is 1 while fallback mode is active.
	FallbackActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "fallback_active",
			Help:      "1 while fallback mode is active",
		},
	)

	// StreamSessions counts streaming sessions by lifecycle event.
	StreamSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "sessions_total",
			Help:      "Streaming sessions by lifecycle event (opened, completed, failed, cancelled)",
		},
		[]string{"event"},
	)

	// StreamChunks counts chunks delivered to callers.
	StreamChunks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "chunks_total",
			Help:      "Chunks delivered to stream callers",
		},
	)

	// LoadProgress is the published progress of the current model load.
	LoadProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "modelload",
			Name:      "progress_percent",
			Help:      "Progress of the current model load (0-100)",
		},
	)

	// LoadTransitions counts model load state transitions by target status.
	LoadTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modelload",
			Name:      "transitions_total",
			Help:      "Model load state transitions by target status",
		},
		[]string{"status"},
	)

	// ModelFallbacks counts switches along the fallback model chain by target model.
	ModelFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modelload",
			Name:      "fallbacks_total",
			Help:      "Switches to a fallback model after a terminal failure",
		},
		[]string{"model"},
	)

	// FallbackReplies counts degraded answers by kind (reply, embedding).
	FallbackReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fallback",
			Name:      "responses_total",
			Help:      "Degraded responses served while the backend is unreachable",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		QueueOperations, QueueRetries, QueueDepth,
		Probes, FallbackActive,
		StreamSessions, StreamChunks,
		LoadProgress, LoadTransitions, ModelFallbacks,
		FallbackReplies,
	)
}
