package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/facepay/pkg/similarity"
)

// Route is the websocket endpoint path.
const Route = "/ws/face-recognition"

const (
	// DefaultMaxMessageBytes bounds a single inbound message.
	DefaultMaxMessageBytes int64 = 8 << 20

	writeTimeout = 10 * time.Second
)

// State is the lifecycle state of a connection.
type State int

const (
	StateIdle State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "idle"
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	// MatchThreshold returns the current similarity threshold for match_face.
	MatchThreshold  func() float64
	CheckOrigin     func(r *http.Request) bool
	MaxMessageBytes int64
}

// Controller accepts websocket clients and dispatches their messages.
type Controller struct {
	registry        *Registry
	pipeline        *Pipeline
	threshold       func() float64
	upgrader        websocket.Upgrader
	maxMessageBytes int64
}

// NewController creates a controller serving Route.
func NewController(registry *Registry, pipeline *Pipeline, cfg ControllerConfig) *Controller {
	if cfg.MatchThreshold == nil {
		cfg.MatchThreshold = func() float64 { return similarity.DefaultMatchThreshold }
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Controller{
		registry:        registry,
		pipeline:        pipeline,
		threshold:       cfg.MatchThreshold,
		maxMessageBytes: cfg.MaxMessageBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}
	ws.SetReadLimit(c.maxMessageBytes)

	id, err := c.registry.Register(&wsSink{conn: ws})
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Stream connection refused")
		return
	}
	_, done, err := c.registry.Channels(id)
	if err != nil {
		return
	}

	inbound := make(chan []byte)
	go readLoop(ws, id, inbound, done)

	c.Run(context.WithoutCancel(r.Context()), id, inbound)
}

// Run is the connection task. It handles inbound messages and analysis
// outcomes one at a time until inbound closes, the connection is
// unregistered or ctx ends. The connection is unregistered on return.
func (c *Controller) Run(ctx context.Context, id string, inbound <-chan []byte) {
	defer c.registry.Unregister(id)

	results, done, err := c.registry.Channels(id)
	if err != nil {
		return
	}

	state := StateIdle
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case raw, ok := <-inbound:
			if !ok {
				return
			}
			if state == StateIdle {
				state = StateActive
				log.Debug().Str("connectionId", id).Stringer("state", state).Msg("Stream connection active")
			}
			c.Handle(id, raw)
		case outcome := <-results:
			c.pipeline.Complete(id, outcome)
		}
	}
}

// Handle dispatches one inbound message. Invalid messages are answered with
// an error message and never close the connection.
func (c *Controller) Handle(id string, raw []byte) {
	msg, err := ParseInbound(raw)
	if err != nil {
		log.Debug().Err(err).Str("connectionId", id).Msg("Rejected stream message")
		c.registry.Send(id, newError(err.Error()))
		return
	}

	switch msg.Type {
	case TypeVideoFrame:
		c.pipeline.ProcessFrame(id, *msg.FrameData)
	case TypeToggleFaceDetection:
		c.toggleDetection(id, *msg.Enabled)
	case TypeMatchFace:
		c.matchFace(id, msg.Embedding)
	case TypeClearFaceCache:
		c.clearCache(id)
	}
}

func (c *Controller) toggleDetection(id string, enabled bool) {
	if err := c.registry.SetDetectionEnabled(id, enabled); err != nil {
		return
	}
	c.registry.Send(id, FaceDetectionToggled{Type: TypeFaceDetectionToggled, Enabled: enabled})
	log.Info().Str("connectionId", id).Bool("enabled", enabled).Msg("Face detection toggled")
}

func (c *Controller) matchFace(id string, query []float32) {
	c.pipeline.metrics.matchRequested()

	cache, err := c.registry.Cache(id)
	if err != nil {
		return
	}

	stored := cache.Snapshot()
	if len(stored) == 0 {
		c.registry.Send(id, FaceMatchResult{
			Type:    TypeFaceMatchResult,
			Message: "No stored faces to match against",
		})
		return
	}

	candidates := make([][]float32, len(stored))
	for i, e := range stored {
		candidates[i] = e
	}

	match, found := similarity.FindBestMatch(query, candidates, c.threshold())
	if !found {
		c.registry.Send(id, FaceMatchResult{
			Type:    TypeFaceMatchResult,
			Message: "No matching face found",
		})
		return
	}

	c.registry.Send(id, FaceMatchResult{
		Type:       TypeFaceMatchResult,
		MatchFound: true,
		MatchIndex: &match.Index,
		Confidence: &match.Similarity,
	})
}

func (c *Controller) clearCache(id string) {
	cache, err := c.registry.Cache(id)
	if err != nil {
		return
	}
	cache.Clear()
	c.registry.Send(id, FaceCacheCleared{Type: TypeFaceCacheCleared, Message: "Face cache cleared"})
	log.Info().Str("connectionId", id).Msg("Face cache cleared")
}

// readLoop forwards websocket messages until the socket fails or done closes.
func readLoop(ws *websocket.Conn, id string, inbound chan<- []byte, done <-chan struct{}) {
	defer close(inbound)
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("connectionId", id).Msg("Websocket read failed")
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		select {
		case inbound <- data:
		case <-done:
			return
		}
	}
}

// wsSink adapts a websocket connection to Sink.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) WriteMessage(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSink) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return s.conn.Close()
}
