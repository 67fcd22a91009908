package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const (
	// DefaultInferenceTimeout bounds a single detect or embed round trip.
	DefaultInferenceTimeout = 10 * time.Second

	// DefaultMinConfidence drops detections below this score.
	DefaultMinConfidence = 0.5

	inferenceJPEGQuality = 90
)

// InferenceConfig configures an InferenceClient.
type InferenceConfig struct {
	BaseURL       string        // e.g. http://localhost:9000
	Timeout       time.Duration // per request (default DefaultInferenceTimeout)
	MinConfidence float64       // detections below are discarded
}

// InferenceClient talks to an HTTP inference sidecar that hosts the face
// detector and embedding models. It implements both Detector and Embedder.
//
// Sidecar contract:
//
//	POST /detect  (image/jpeg) -> {"faces":[{"bbox":[x,y,w,h],"confidence":0.97}]}
//	POST /embed   (image/jpeg face crop) -> {"embedding":[...]} or {"embedding":null}
type InferenceClient struct {
	client        *http.Client
	baseURL       string
	minConfidence float64
}

// Compile-time checks.
var (
	_ Detector = (*InferenceClient)(nil)
	_ Embedder = (*InferenceClient)(nil)
)

type detectResponse struct {
	Faces []struct {
		BBox       BBox    `json:"bbox"`
		Confidence float64 `json:"confidence"`
	} `json:"faces"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewInferenceClient creates a client for the sidecar at cfg.BaseURL.
func NewInferenceClient(cfg InferenceConfig) (*InferenceClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("inference base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultInferenceTimeout
	}
	return &InferenceClient{
		client:        &http.Client{Timeout: timeout},
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		minConfidence: cfg.MinConfidence,
	}, nil
}

// Detect implements Detector.
func (c *InferenceClient) Detect(ctx context.Context, img image.Image) ([]FaceDetection, error) {
	var resp detectResponse
	if err := c.post(ctx, "/detect", img, &resp); err != nil {
		return nil, err
	}

	faces := make([]FaceDetection, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		if f.Confidence < c.minConfidence {
			continue
		}
		faces = append(faces, FaceDetection{Box: f.BBox, Confidence: f.Confidence})
	}
	return faces, nil
}

// Extract implements Embedder. The crop is cut locally so only the face region
// crosses the wire.
func (c *InferenceClient) Extract(ctx context.Context, img image.Image, box BBox) (Embedding, error) {
	crop, ok := Crop(img, box)
	if !ok {
		return nil, ErrNoFace
	}

	var resp embedResponse
	if err := c.post(ctx, "/embed", crop, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, ErrNoFace
	}
	return Embedding(resp.Embedding), nil
}

func (c *InferenceClient) post(ctx context.Context, path string, img image.Image, out any) error {
	var body bytes.Buffer
	if err := jpeg.Encode(&body, img, &jpeg.Options{Quality: inferenceJPEGQuality}); err != nil {
		return fmt.Errorf("encode frame for %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return fmt.Errorf("create inference request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send inference request to %s: %w", c.baseURL+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodySnippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("inference API error (path=%s, status=%d): %s",
			path, resp.StatusCode, strings.TrimSpace(string(bodySnippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode inference response from %s: %w", path, err)
	}
	return nil
}

// Crop returns the part of img inside box, clipped to the image bounds.
// ok is false when nothing of the box lies inside the image.
func Crop(img image.Image, box BBox) (image.Image, bool) {
	if box.Empty() {
		return nil, false
	}
	r := box.Rect().Add(img.Bounds().Min).Intersect(img.Bounds())
	if r.Empty() {
		return nil, false
	}

	if sub, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(r), true
	}

	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst, true
}
