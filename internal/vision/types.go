// Package vision defines the face detection and embedding capabilities used by
// the stream pipeline, plus frame decoding and an HTTP inference client.
package vision

import (
	"context"
	"errors"
	"image"

	json "github.com/goccy/go-json"
)

var (
	// ErrDecodeFailure is returned when frame bytes cannot be decoded into an image.
	ErrDecodeFailure = errors.New("failed to decode frame")

	// ErrNoFace is returned by an Embedder when no usable face crop exists for a
	// bounding box (zero-area box, box outside the image, no face in the crop).
	ErrNoFace = errors.New("no usable face crop")
)

// BBox is a pixel-space rectangle locating a face within an image.
type BBox struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Rect converts the box into an image.Rectangle.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// Empty reports whether the box covers no pixels.
func (b BBox) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}

// MarshalJSON encodes the box as [x, y, width, height].
func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{b.X, b.Y, b.Width, b.Height})
}

// UnmarshalJSON decodes a box from [x, y, width, height].
func (b *BBox) UnmarshalJSON(data []byte) error {
	var v [4]int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*b = BBox{X: v[0], Y: v[1], Width: v[2], Height: v[3]}
	return nil
}

// Embedding is a fixed-length vector summarizing a face's identity.
type Embedding []float32

// Clone returns an independent copy of the embedding.
func (e Embedding) Clone() Embedding {
	if e == nil {
		return nil
	}
	out := make(Embedding, len(e))
	copy(out, e)
	return out
}

// FaceDetection is one detected face. Embedding is nil when none was extracted.
type FaceDetection struct {
	Embedding  Embedding
	Box        BBox
	Confidence float64
}

// Detector finds faces in an image.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]FaceDetection, error)
}

// Embedder extracts an identity embedding for the face inside box.
// It returns ErrNoFace when the box yields no usable crop.
type Embedder interface {
	Extract(ctx context.Context, img image.Image, box BBox) (Embedding, error)
}
