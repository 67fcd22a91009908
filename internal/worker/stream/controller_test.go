package stream

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/facepay/internal/vision"
	"github.com/thebtf/facepay/internal/worker/pool"
)

func newTestController(t *testing.T, f *pipelineFixture, threshold float64) *Controller {
	t.Helper()
	return NewController(f.registry, f.pipeline, ControllerConfig{
		MatchThreshold: func() float64 { return threshold },
	})
}

func TestController_MalformedMessagesKeepConnection(t *testing.T) {
	f := newPipelineFixture(t)
	c := newTestController(t, f, 0.6)
	id, sink := register(t, f.registry)

	for _, raw := range []string{`not json`, `{"type":"nope"}`, `{"type":"video_frame"}`, `{}`} {
		c.Handle(id, []byte(raw))
		msg := sink.next(t)
		assert.Equal(t, TypeError, msg["type"], raw)
		assert.NotEmpty(t, msg["message"])
	}
	assert.Equal(t, 1, f.registry.Count())
}

func TestController_Toggle(t *testing.T) {
	f := newPipelineFixture(t)
	c := newTestController(t, f, 0.6)
	id, sink := register(t, f.registry)

	c.Handle(id, []byte(`{"type":"toggle_face_detection","enabled":true}`))

	msg := sink.next(t)
	assert.Equal(t, TypeFaceDetectionToggled, msg["type"])
	assert.Equal(t, true, msg["enabled"])

	enabled, err := f.registry.DetectionEnabled(id)
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestController_MatchFace(t *testing.T) {
	f := newPipelineFixture(t)
	c := newTestController(t, f, 0.6)
	id, sink := register(t, f.registry)

	c.Handle(id, []byte(`{"type":"match_face","embedding":[1,0,0]}`))
	msg := sink.next(t)
	assert.Equal(t, TypeFaceMatchResult, msg["type"])
	assert.Equal(t, false, msg["match_found"])
	assert.Equal(t, "No stored faces to match against", msg["message"])

	cache, err := f.registry.Cache(id)
	require.NoError(t, err)
	cache.Append(vision.Embedding{0, 1, 0}, vision.Embedding{1, 0, 0}, vision.Embedding{1, 0, 0})

	c.Handle(id, []byte(`{"type":"match_face","embedding":[2,0,0]}`))
	msg = sink.next(t)
	assert.Equal(t, true, msg["match_found"])
	assert.EqualValues(t, 1, msg["match_index"])
	assert.InDelta(t, 1.0, msg["confidence"], 1e-6)

	c.Handle(id, []byte(`{"type":"match_face","embedding":[0,0,1]}`))
	msg = sink.next(t)
	assert.Equal(t, false, msg["match_found"])
	assert.Equal(t, "No matching face found", msg["message"])
	_, hasIndex := msg["match_index"]
	assert.False(t, hasIndex)
}

func TestController_MatchUsesCurrentThreshold(t *testing.T) {
	f := newPipelineFixture(t)
	var threshold atomic.Value
	threshold.Store(0.6)
	c := NewController(f.registry, f.pipeline, ControllerConfig{
		MatchThreshold: func() float64 { return threshold.Load().(float64) },
	})
	id, sink := register(t, f.registry)

	cache, _ := f.registry.Cache(id)
	cache.Append(vision.Embedding{1, 1, 0})

	c.Handle(id, []byte(`{"type":"match_face","embedding":[1,0,0]}`))
	assert.Equal(t, true, sink.next(t)["match_found"])

	threshold.Store(0.9)
	c.Handle(id, []byte(`{"type":"match_face","embedding":[1,0,0]}`))
	assert.Equal(t, false, sink.next(t)["match_found"])
}

func TestController_ClearThenMatch(t *testing.T) {
	f := newPipelineFixture(t)
	c := newTestController(t, f, 0.6)
	id, sink := register(t, f.registry)

	cache, _ := f.registry.Cache(id)
	cache.Append(vision.Embedding{1, 0, 0})

	c.Handle(id, []byte(`{"type":"clear_face_cache"}`))
	msg := sink.next(t)
	assert.Equal(t, TypeFaceCacheCleared, msg["type"])
	assert.Equal(t, "Face cache cleared", msg["message"])

	c.Handle(id, []byte(`{"type":"match_face","embedding":[1,0,0]}`))
	assert.Equal(t, false, sink.next(t)["match_found"])
}

func TestController_RunWithWorkerPool(t *testing.T) {
	f := newPipelineFixture(t)
	workers := pool.New(2, 4)
	t.Cleanup(func() { _ = workers.Close(context.Background()) })
	f.pipeline = NewPipeline(f.registry, f.detector, f.embedder, workers, f.metrics)
	c := newTestController(t, f, 0.6)

	id, sink := register(t, f.registry)
	inbound := make(chan []byte)
	stopped := make(chan struct{})
	go func() {
		c.Run(context.Background(), id, inbound)
		close(stopped)
	}()

	frame := mustJSON(t, map[string]string{"type": TypeVideoFrame, "frame_data": testFrame(t)})

	inbound <- frame
	inbound <- []byte(`{"type":"toggle_face_detection","enabled":true}`)
	assert.Equal(t, TypeFaceDetectionToggled, sink.next(t)["type"])

	inbound <- frame
	result := sink.next(t)
	assert.Equal(t, TypeFaceDetectionResult, result["type"])
	assert.EqualValues(t, 2, result["embeddings_count"])

	inbound <- []byte(`{"type":"match_face","embedding":[0,3,0]}`)
	match := sink.next(t)
	assert.Equal(t, true, match["match_found"])
	assert.EqualValues(t, 1, match["match_index"])

	close(inbound)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("connection task did not stop")
	}
	assert.Equal(t, 0, f.registry.Count())
}

func TestController_SlowFrameDoesNotBlockControlMessages(t *testing.T) {
	f := newPipelineFixture(t)
	detector := newBlockingDetector(twoFaces())
	workers := pool.New(2, 4)
	t.Cleanup(func() { _ = workers.Close(context.Background()) })
	t.Cleanup(detector.unblock)
	f.pipeline = NewPipeline(f.registry, detector, f.embedder, workers, f.metrics)
	c := newTestController(t, f, 0.6)

	type client struct {
		id      string
		sink    *fakeSink
		inbound chan []byte
	}
	clients := make([]client, 2)
	for i := range clients {
		id, sink := register(t, f.registry)
		inbound := make(chan []byte)
		go c.Run(context.Background(), id, inbound)
		t.Cleanup(func() { close(inbound) })
		clients[i] = client{id: id, sink: sink, inbound: inbound}

		inbound <- []byte(`{"type":"toggle_face_detection","enabled":true}`)
		require.Equal(t, TypeFaceDetectionToggled, sink.next(t)["type"])
	}

	frame := mustJSON(t, map[string]string{"type": TypeVideoFrame, "frame_data": testFrame(t)})
	for _, cl := range clients {
		cl.inbound <- frame
		select {
		case <-detector.started:
		case <-time.After(2 * time.Second):
			t.Fatal("frame analysis did not start")
		}
	}

	// Both frames are stuck in the detector; control messages still answer.
	for _, cl := range clients {
		cl.inbound <- []byte(`{"type":"toggle_face_detection","enabled":true}`)
		assert.Equal(t, TypeFaceDetectionToggled, cl.sink.next(t)["type"])

		cl.inbound <- []byte(`{"type":"match_face","embedding":[1,0,0]}`)
		match := cl.sink.next(t)
		assert.Equal(t, TypeFaceMatchResult, match["type"])
		assert.Equal(t, false, match["match_found"])

		cl.inbound <- []byte(`{"type":"clear_face_cache"}`)
		assert.Equal(t, TypeFaceCacheCleared, cl.sink.next(t)["type"])
	}

	detector.unblock()

	for _, cl := range clients {
		result := cl.sink.next(t)
		assert.Equal(t, TypeFaceDetectionResult, result["type"])
		assert.EqualValues(t, 2, result["embeddings_count"])

		// The late result lands in the cache cleared before it arrived.
		cl.inbound <- []byte(`{"type":"match_face","embedding":[0,3,0]}`)
		match := cl.sink.next(t)
		assert.Equal(t, true, match["match_found"])
		assert.EqualValues(t, 1, match["match_index"])
		cl.sink.expectNone(t)
	}
	assert.Equal(t, 2, f.registry.Count())
}

func TestController_RunStopsOnContext(t *testing.T) {
	f := newPipelineFixture(t)
	c := newTestController(t, f, 0.6)
	id, _ := register(t, f.registry)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		c.Run(ctx, id, make(chan []byte))
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("connection task did not stop")
	}
	assert.Equal(t, 0, f.registry.Count())
}

func TestController_Websocket(t *testing.T) {
	f := newPipelineFixture(t)
	c := newTestController(t, f, 0.6)
	srv := httptest.NewServer(c)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + Route
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	read := func() map[string]any {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	hello := read()
	assert.Equal(t, TypeConnectionEstablished, hello["type"])
	assert.NotEmpty(t, hello["client_id"])
	assert.Equal(t, 1, f.registry.Count())

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"clear_face_cache"}`)))
	assert.Equal(t, TypeFaceCacheCleared, read()["type"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	bad := read()
	assert.Equal(t, TypeError, bad["type"])
	assert.Equal(t, "Unknown message type: bogus", bad["message"])

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return f.registry.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
