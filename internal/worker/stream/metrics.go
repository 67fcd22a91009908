package stream

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instrument names.
const (
	metricFrames        = "facepay.stream.frames"
	metricFramesDropped = "facepay.stream.frames_dropped"
	metricFailures      = "facepay.stream.failures"
	metricFaces         = "facepay.stream.faces"
	metricMatches       = "facepay.stream.match_requests"
	metricConnections   = "facepay.stream.connections"
	metricConnected     = "facepay.stream.connections_opened"
	metricAnalysis      = "facepay.stream.analysis_duration"
)

var (
	attrDecode     = metric.WithAttributes(attribute.String("kind", "decode"))
	attrCapability = metric.WithAttributes(attribute.String("kind", "capability"))
)

// Stats is a point-in-time view of pipeline counters.
type Stats struct {
	ActiveConnections  int64 `json:"active_connections"`
	TotalConnections   int64 `json:"total_connections"`
	FramesReceived     int64 `json:"frames_received"`
	FramesAnalyzed     int64 `json:"frames_analyzed"`
	FramesDropped      int64 `json:"frames_dropped"`
	DecodeFailures     int64 `json:"decode_failures"`
	CapabilityFailures int64 `json:"capability_failures"`
	FacesDetected      int64 `json:"faces_detected"`
	MatchRequests      int64 `json:"match_requests"`
}

// Collector reads back the aggregated value of every instrument series.
type Collector interface {
	Values(ctx context.Context) (map[string]float64, error)
}

// Metrics records pipeline activity as OpenTelemetry instruments. Stats are
// read back from the collector that aggregates them. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	collector    Collector
	frames       metric.Int64Counter
	dropped      metric.Int64Counter
	failures     metric.Int64Counter
	faces        metric.Int64Counter
	matches      metric.Int64Counter
	connected    metric.Int64Counter
	connections  metric.Int64UpDownCounter
	analysisTime metric.Float64Histogram
}

// NewMetrics creates the pipeline instruments on meter. collector must read
// the provider meter belongs to; it may be nil, in which case Snapshot
// reports zeros.
func NewMetrics(meter metric.Meter, collector Collector) (*Metrics, error) {
	m := &Metrics{collector: collector}
	var err error

	if m.frames, err = meter.Int64Counter(metricFrames,
		metric.WithDescription("Video frames received from clients")); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter(metricFramesDropped,
		metric.WithDescription("Frames rejected because the processing queue was full")); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter(metricFailures,
		metric.WithDescription("Decode and capability failures")); err != nil {
		return nil, err
	}
	if m.faces, err = meter.Int64Counter(metricFaces,
		metric.WithDescription("Faces detected across all frames")); err != nil {
		return nil, err
	}
	if m.matches, err = meter.Int64Counter(metricMatches,
		metric.WithDescription("Face match requests")); err != nil {
		return nil, err
	}
	if m.connected, err = meter.Int64Counter(metricConnected,
		metric.WithDescription("Stream connections accepted")); err != nil {
		return nil, err
	}
	if m.connections, err = meter.Int64UpDownCounter(metricConnections,
		metric.WithDescription("Live stream connections")); err != nil {
		return nil, err
	}
	if m.analysisTime, err = meter.Float64Histogram(metricAnalysis,
		metric.WithDescription("Time spent detecting and embedding one frame"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

// Snapshot collects the current counter values.
func (m *Metrics) Snapshot(ctx context.Context) Stats {
	if m == nil || m.collector == nil {
		return Stats{}
	}
	v, err := m.collector.Values(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to collect stream metrics")
		return Stats{}
	}
	n := func(key string) int64 { return int64(v[key]) }
	return Stats{
		ActiveConnections:  n(metricConnections),
		TotalConnections:   n(metricConnected),
		FramesReceived:     n(metricFrames),
		FramesAnalyzed:     n(metricAnalysis + ".count"),
		FramesDropped:      n(metricFramesDropped),
		DecodeFailures:     n(metricFailures + "{kind=decode}"),
		CapabilityFailures: n(metricFailures + "{kind=capability}"),
		FacesDetected:      n(metricFaces),
		MatchRequests:      n(metricMatches),
	}
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.connected.Add(context.Background(), 1)
	m.connections.Add(context.Background(), 1)
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.connections.Add(context.Background(), -1)
}

func (m *Metrics) frameReceived() {
	if m == nil {
		return
	}
	m.frames.Add(context.Background(), 1)
}

func (m *Metrics) frameDropped() {
	if m == nil {
		return
	}
	m.dropped.Add(context.Background(), 1)
}

func (m *Metrics) decodeFailed() {
	if m == nil {
		return
	}
	m.failures.Add(context.Background(), 1, attrDecode)
}

func (m *Metrics) capabilityFailed() {
	if m == nil {
		return
	}
	m.failures.Add(context.Background(), 1, attrCapability)
}

func (m *Metrics) frameAnalyzed(ctx context.Context, faces int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.faces.Add(ctx, int64(faces))
	m.analysisTime.Record(ctx, float64(elapsed.Microseconds())/1000)
}

func (m *Metrics) matchRequested() {
	if m == nil {
		return
	}
	m.matches.Add(context.Background(), 1)
}
