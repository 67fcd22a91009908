package stream

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/facepay/internal/vision"
	"github.com/thebtf/facepay/internal/worker/pool"
)

// FrameOutcome is the result of analyzing one frame off the connection task.
type FrameOutcome struct {
	Err     error
	Faces   []vision.FaceDetection
	Elapsed time.Duration
}

// Submitter accepts analysis jobs without blocking.
type Submitter interface {
	TrySubmit(job pool.Job) bool
}

// Pipeline turns video frames into face detection results. Decoding and
// admission run on the connection task; detection and embedding run on the
// worker pool; the outcome is applied back on the connection task by Complete.
type Pipeline struct {
	registry  *Registry
	detector  vision.Detector
	embedder  vision.Embedder
	workers   Submitter
	metrics   *Metrics
	maxPixels int
}

// NewPipeline wires a pipeline. metrics may be nil.
func NewPipeline(registry *Registry, detector vision.Detector, embedder vision.Embedder, workers Submitter, metrics *Metrics) *Pipeline {
	return &Pipeline{
		registry: registry,
		detector: detector,
		embedder: embedder,
		workers:  workers,
		metrics:  metrics,
	}
}

// SetMaxFramePixels bounds the decoded size of a frame. n <= 0 restores
// vision.DefaultMaxFramePixels. Call before the pipeline is used.
func (p *Pipeline) SetMaxFramePixels(n int) {
	p.maxPixels = n
}

// ProcessFrame decodes a base64 frame and queues it for analysis when face
// detection is enabled for the connection.
func (p *Pipeline) ProcessFrame(id, frameData string) {
	p.metrics.frameReceived()

	img, err := vision.DecodeFrame(frameData, p.maxPixels)
	if err != nil {
		p.metrics.decodeFailed()
		log.Debug().Err(err).Str("connectionId", id).Msg("Frame decode failed")
		p.registry.Send(id, newError("Failed to decode frame"))
		return
	}

	enabled, err := p.registry.DetectionEnabled(id)
	if err != nil || !enabled {
		return
	}

	accepted := p.workers.TrySubmit(func(ctx context.Context) {
		outcome := p.Analyze(ctx, img)
		if !p.registry.Deliver(id, outcome) {
			log.Debug().Str("connectionId", id).Msg("Connection gone, discarding frame result")
		}
	})
	if !accepted {
		p.metrics.frameDropped()
		log.Warn().Str("connectionId", id).Msg("Processing queue full, frame dropped")
		p.registry.Send(id, newError("Frame dropped: processing queue full"))
	}
}

// Analyze runs detection and then embedding for every detected face.
// A detector error fails the whole frame. An embedding failure only leaves
// that face without an embedding.
func (p *Pipeline) Analyze(ctx context.Context, img image.Image) FrameOutcome {
	start := time.Now()

	faces, err := p.detector.Detect(ctx, img)
	if err != nil {
		p.metrics.capabilityFailed()
		log.Warn().Err(err).Msg("Face detection failed")
		return FrameOutcome{Err: err, Elapsed: time.Since(start)}
	}

	for i := range faces {
		emb, err := p.embedder.Extract(ctx, img, faces[i].Box)
		switch {
		case err == nil:
			faces[i].Embedding = emb
		case errors.Is(err, vision.ErrNoFace):
			faces[i].Embedding = nil
		default:
			faces[i].Embedding = nil
			p.metrics.capabilityFailed()
			log.Warn().Err(err).Interface("bbox", faces[i].Box).Msg("Embedding extraction failed")
		}
	}

	elapsed := time.Since(start)
	p.metrics.frameAnalyzed(ctx, len(faces), elapsed)
	return FrameOutcome{Faces: faces, Elapsed: elapsed}
}

// Complete applies an analysis outcome on the connection task: it appends the
// new embeddings to the connection cache and sends the detection result.
func (p *Pipeline) Complete(id string, outcome FrameOutcome) {
	if outcome.Err != nil {
		p.registry.Send(id, newError("Frame processing error: "+outcome.Err.Error()))
		return
	}

	result, embeddings := newFaceDetectionResult(outcome.Faces)

	cache, err := p.registry.Cache(id)
	if err != nil {
		return
	}
	cache.Append(embeddings...)

	log.Debug().
		Str("connectionId", id).
		Int("faces", result.FacesDetected).
		Int("embeddings", result.EmbeddingsCount).
		Dur("elapsed", outcome.Elapsed).
		Msg("Frame analyzed")

	p.registry.Send(id, result)
}
