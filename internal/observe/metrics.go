// Package observe provides the playback engine's observability primitives:
// OpenTelemetry metric instruments and structured-logging setup.
//
// Metrics are recorded through the OpenTelemetry Metrics API with a
// Prometheus exporter bridge available via [InitProvider]. All recording
// happens off the audio hot path — the mix loop records per chunk, the
// sink worker per append. A nil *Metrics disables instrumentation
// entirely, which is how tests and runs with metrics disabled operate.
package observe

import (
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/proteus-audio/proteus"

// Metrics holds the metric instruments of the playback pipeline. All
// fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ChunkDSPDuration tracks how long the effect chain takes per chunk.
	ChunkDSPDuration metric.Float64Histogram

	// ChunkDuration tracks the audio length of emitted chunks.
	ChunkDuration metric.Float64Histogram

	// Underruns counts mix-loop iterations spent starved for samples
	// after startup.
	Underruns metric.Int64Counter

	// DecodeErrors counts decoder worker failures (each one degrades a
	// track to early end-of-stream).
	DecodeErrors metric.Int64Counter

	// LateAppends counts sink appends arriving later than 1.2× the chunk
	// length they were meant to cover.
	LateAppends metric.Int64Counter

	// SinkQueueDepth tracks the number of chunks queued in the sink.
	SinkQueueDepth metric.Int64UpDownCounter

	// ActiveDecoders tracks the number of live decoder workers.
	ActiveDecoders metric.Int64UpDownCounter
}

// dspLatencyBuckets are histogram boundaries (seconds) sized for per-chunk
// DSP times well below real time.
var dspLatencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
}

// chunkDurationBuckets are histogram boundaries (seconds) around the
// engine's typical chunk cadence.
var chunkDurationBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider]. Returns an error if any instrument creation
// fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ChunkDSPDuration, err = m.Float64Histogram("proteus.chunk.dsp_duration",
		metric.WithDescription("Effect chain processing time per chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(dspLatencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChunkDuration, err = m.Float64Histogram("proteus.chunk.duration",
		metric.WithDescription("Audio length of emitted chunks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(chunkDurationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Underruns, err = m.Int64Counter("proteus.mix.underruns",
		metric.WithDescription("Mix iterations starved for samples after startup."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("proteus.decode.errors",
		metric.WithDescription("Decoder worker failures degraded to early EOS."),
	); err != nil {
		return nil, err
	}
	if met.LateAppends, err = m.Int64Counter("proteus.sink.late_appends",
		metric.WithDescription("Sink appends arriving later than the chunk they cover."),
	); err != nil {
		return nil, err
	}
	if met.SinkQueueDepth, err = m.Int64UpDownCounter("proteus.sink.queue_depth",
		metric.WithDescription("Chunks queued in the output sink."),
	); err != nil {
		return nil, err
	}
	if met.ActiveDecoders, err = m.Int64UpDownCounter("proteus.decode.active",
		metric.WithDescription("Live decoder workers."),
	); err != nil {
		return nil, err
	}
	return met, nil
}
