package streaming

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricStdoutBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenstreamer_stdout_bytes_total",
		Help: "Bytes read from the encoder's stdout.",
	})

	metricChunksForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenstreamer_chunks_forwarded_total",
		Help: "Stdout chunks ingested and broadcast to viewers.",
	})

	metricViewers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "screenstreamer_viewers",
		Help: "Currently connected viewers.",
	})

	metricViewersEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenstreamer_viewers_evicted_total",
		Help: "Viewers dropped for send-queue overflow.",
	})

	metricEncoderRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenstreamer_encoder_restarts_total",
		Help: "Encoder respawns after an unexpected exit.",
	})

	metricEncoderCrashes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenstreamer_encoder_crashes_total",
		Help: "Unexpected encoder exits and failed spawns.",
	})

	metricCoordinatorState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "screenstreamer_coordinator_state",
		Help: "Coordinator lifecycle state (1 for the active state).",
	}, []string{"state"})
)

// setStateMetric flips the state gauge so exactly one label reads 1.
func setStateMetric(active State) {
	for s := StateIdle; s <= StateFaulted; s++ {
		val := 0.0
		if s == active {
			val = 1.0
		}
		metricCoordinatorState.WithLabelValues(s.String()).Set(val)
	}
}
