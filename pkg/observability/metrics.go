package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsConverted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nwbconv",
			Subsystem: "batch",
			Name:      "sessions_total",
			Help:      "Total number of session conversions by terminal status",
		},
		[]string{"status"},
	)

	sessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "nwbconv",
			Subsystem: "pipeline",
			Name:      "session_duration_seconds",
			Help:      "Wall time of session conversions",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
	)

	bytesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nwbconv",
			Subsystem: "pipeline",
			Name:      "bytes_processed_total",
			Help:      "Total raw bytes read from source containers",
		},
	)

	samplesMapped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nwbconv",
			Subsystem: "mapper",
			Name:      "samples_mapped_total",
			Help:      "Total samples mapped into canonical records",
		},
		[]string{"modality"},
	)

	samplesInvalidated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nwbconv",
			Subsystem: "mapper",
			Name:      "samples_invalidated_total",
			Help:      "Total samples explicitly marked invalid during mapping",
		},
		[]string{"modality"},
	)

	alignmentFindings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nwbconv",
			Subsystem: "align",
			Name:      "findings_total",
			Help:      "Total alignment findings by kind and severity",
		},
		[]string{"kind", "severity"},
	)

	blocksWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nwbconv",
			Subsystem: "target",
			Name:      "blocks_written_total",
			Help:      "Total blocks written to target containers by section",
		},
		[]string{"section"},
	)

	residentMemory = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nwbconv",
			Subsystem: "batch",
			Name:      "resident_memory_bytes",
			Help:      "Sampled process RSS during a batch run",
		},
	)
)

// RecordSession counts one terminal session outcome.
func RecordSession(status string, durationSeconds float64, bytes int64) {
	sessionsConverted.WithLabelValues(status).Inc()
	sessionDuration.Observe(durationSeconds)
	bytesProcessed.Add(float64(bytes))
}

// RecordMapping counts one chunk mapping outcome.
func RecordMapping(modality string, mapped, invalidated int) {
	samplesMapped.WithLabelValues(modality).Add(float64(mapped))
	if invalidated > 0 {
		samplesInvalidated.WithLabelValues(modality).Add(float64(invalidated))
	}
}

// RecordFinding counts one alignment finding.
func RecordFinding(kind, severity string) {
	alignmentFindings.WithLabelValues(kind, severity).Inc()
}

// RecordBlock counts one block written to a target container.
func RecordBlock(section string) {
	blocksWritten.WithLabelValues(section).Inc()
}

// RecordResidentMemory publishes a sampled RSS value.
func RecordResidentMemory(rss uint64) {
	residentMemory.Set(float64(rss))
}
