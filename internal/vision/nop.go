package vision

import (
	"context"
	"image"
)

// NopDetector reports no faces. It stands in when no inference backend is
// configured so frames are still accepted and acknowledged.
type NopDetector struct{}

// Detect implements Detector.
func (NopDetector) Detect(context.Context, image.Image) ([]FaceDetection, error) {
	return nil, nil
}

// NopEmbedder never produces an embedding.
type NopEmbedder struct{}

// Extract implements Embedder.
func (NopEmbedder) Extract(context.Context, image.Image, BBox) (Embedding, error) {
	return nil, ErrNoFace
}
