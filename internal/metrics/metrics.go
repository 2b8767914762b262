// Package metrics exposes Prometheus instrumentation for the relay core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveProducers tracks upstream streams currently being driven.
	ActiveProducers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_relay_active_producers",
		Help: "Number of in-flight upstream token streams",
	})

	// StreamsStarted counts producer launches.
	StreamsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_relay_streams_started_total",
		Help: "Total upstream token streams started",
	})

	// StreamsFinished counts producer terminations by final status.
	StreamsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_relay_streams_finished_total",
		Help: "Total streams finished, by terminal status",
	}, []string{"status"})

	// Reconnects counts replayer sessions served to reconnecting clients.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_relay_reconnects_total",
		Help: "Total reconnect replays served",
	})

	// ChunksRelayed counts token chunks pushed to connected clients,
	// heartbeats excluded.
	ChunksRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_relay_chunks_relayed_total",
		Help: "Total content chunks relayed to clients",
	})

	// CacheFlushFailures counts buffer or status writes the cache rejected.
	// The stream keeps going when this happens; reconnects degrade to the
	// database fallback.
	CacheFlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_relay_cache_flush_failures_total",
		Help: "Total failed cache buffer/status writes",
	})

	// Interrupts counts accepted stop requests.
	Interrupts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_relay_interrupts_total",
		Help: "Total accepted interrupt requests",
	})
)

// Handler returns the /metrics exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
