package stream

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/facepay/internal/vision"
	"github.com/thebtf/facepay/internal/worker/pool"
)

// fakeSink records every message written to it.
type fakeSink struct {
	msgs   chan []byte
	fail   atomic.Bool
	closed atomic.Bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{msgs: make(chan []byte, 128)}
}

func (s *fakeSink) WriteMessage(data []byte) error {
	if s.fail.Load() {
		return errors.New("broken pipe")
	}
	s.msgs <- data
	return nil
}

func (s *fakeSink) Close() error {
	s.closed.Store(true)
	return nil
}

// next returns the next message written to the sink, decoded.
func (s *fakeSink) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-s.msgs:
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

// expectNone asserts that nothing else is written within a short window.
func (s *fakeSink) expectNone(t *testing.T) {
	t.Helper()
	select {
	case data := <-s.msgs:
		t.Fatalf("unexpected message: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

// register adds a sink and consumes its connection_established message.
func register(t *testing.T, r *Registry) (string, *fakeSink) {
	t.Helper()
	sink := newFakeSink()
	id, err := r.Register(sink)
	require.NoError(t, err)
	msg := sink.next(t)
	require.Equal(t, TypeConnectionEstablished, msg["type"])
	return id, sink
}

type fakeDetector struct {
	err   error
	faces []vision.FaceDetection
	calls atomic.Int32
}

func (d *fakeDetector) Detect(context.Context, image.Image) ([]vision.FaceDetection, error) {
	d.calls.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	out := make([]vision.FaceDetection, len(d.faces))
	copy(out, d.faces)
	return out, nil
}

// blockingDetector holds every Detect call until release is closed.
type blockingDetector struct {
	started chan struct{}
	release chan struct{}
	faces   []vision.FaceDetection
	once    sync.Once
}

func newBlockingDetector(faces []vision.FaceDetection) *blockingDetector {
	return &blockingDetector{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
		faces:   faces,
	}
}

func (d *blockingDetector) Detect(ctx context.Context, _ image.Image) ([]vision.FaceDetection, error) {
	d.started <- struct{}{}
	select {
	case <-d.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out := make([]vision.FaceDetection, len(d.faces))
	copy(out, d.faces)
	return out, nil
}

func (d *blockingDetector) unblock() {
	d.once.Do(func() { close(d.release) })
}

// fakeEmbedder returns the embedding keyed by the box X coordinate.
type fakeEmbedder struct {
	byX map[int]vision.Embedding
	err map[int]error
}

func (e *fakeEmbedder) Extract(_ context.Context, _ image.Image, box vision.BBox) (vision.Embedding, error) {
	if err, ok := e.err[box.X]; ok {
		return nil, err
	}
	if emb, ok := e.byX[box.X]; ok {
		return emb, nil
	}
	return nil, vision.ErrNoFace
}

// captureSubmitter holds jobs until the test runs them.
type captureSubmitter struct {
	jobs   []pool.Job
	mu     sync.Mutex
	reject bool
}

func (s *captureSubmitter) TrySubmit(job pool.Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return false
	}
	s.jobs = append(s.jobs, job)
	return true
}

func (s *captureSubmitter) runAll() {
	s.mu.Lock()
	jobs := s.jobs
	s.jobs = nil
	s.mu.Unlock()
	for _, job := range jobs {
		job(context.Background())
	}
}

func (s *captureSubmitter) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// testFrame returns a base64-encoded PNG.
func testFrame(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for x := 0; x < 64; x++ {
		img.Set(x, x%48, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func twoFaces() []vision.FaceDetection {
	return []vision.FaceDetection{
		{Box: vision.BBox{X: 1, Y: 2, Width: 10, Height: 12}, Confidence: 0.98},
		{Box: vision.BBox{X: 30, Y: 4, Width: 8, Height: 9}, Confidence: 0.71},
	}
}
