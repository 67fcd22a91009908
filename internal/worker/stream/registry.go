// Package stream implements the real-time face stream: the connection
// registry, per-connection embedding caches, the frame pipeline and the
// websocket controller.
package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnknownConnection is returned for operations on an unregistered id.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrRegistryClosed is returned by Register once Shutdown has begun.
	ErrRegistryClosed = errors.New("registry closed")
)

// DefaultOutboundBuffer is the number of pending outbound messages per connection.
const DefaultOutboundBuffer = 32

// Sink is the write side of a client connection. WriteMessage is only ever
// called from one goroutine at a time.
type Sink interface {
	WriteMessage(data []byte) error
	Close() error
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	CacheCapacity  int
	OutboundBuffer int
	ResultBuffer   int
}

// connection is the registry's per-client state.
type connection struct {
	sink        Sink
	cache       *EmbeddingCache
	outbound    chan []byte
	results     chan FrameOutcome
	done        chan struct{}
	connectedAt time.Time
	id          string
	closeOnce   sync.Once
	detection   atomic.Bool
}

func (c *connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Registry tracks live connections and routes messages to them.
// Sending to an unknown or removed connection is a silent no-op.
type Registry struct {
	conns    map[string]*connection
	metrics  *Metrics
	farewell []byte
	cfg      RegistryConfig
	mu       sync.RWMutex
	closed   bool
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(cfg RegistryConfig, metrics *Metrics) *Registry {
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = DefaultCacheCapacity
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = DefaultOutboundBuffer
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = 8
	}
	return &Registry{
		conns:   make(map[string]*connection),
		cfg:     cfg,
		metrics: metrics,
	}
}

// Register adds a connection writing to sink and returns its id. Face
// detection starts disabled. connection_established is always the first
// message the sink receives. After Shutdown the sink only receives the
// shutdown message, is closed, and ErrRegistryClosed is returned.
func (r *Registry) Register(sink Sink) (string, error) {
	id := uuid.NewString()
	conn := &connection{
		id:          id,
		sink:        sink,
		cache:       NewEmbeddingCache(r.cfg.CacheCapacity),
		outbound:    make(chan []byte, r.cfg.OutboundBuffer),
		results:     make(chan FrameOutcome, r.cfg.ResultBuffer),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}

	if data, err := json.Marshal(newConnectionEstablished(id)); err == nil {
		conn.outbound <- data
	}

	r.mu.Lock()
	if r.closed {
		farewell := r.farewell
		r.mu.Unlock()
		if farewell != nil {
			_ = sink.WriteMessage(farewell)
		}
		_ = sink.Close()
		return "", ErrRegistryClosed
	}
	r.conns[id] = conn
	total := len(r.conns)
	r.mu.Unlock()

	go r.writeLoop(conn)
	r.metrics.connectionOpened()

	log.Info().
		Str("connectionId", id).
		Int("totalConnections", total).
		Msg("Stream client connected")

	return id, nil
}

// Unregister removes a connection and releases its cache. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	conn, exists := r.conns[id]
	if exists {
		delete(r.conns, id)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if !exists {
		return
	}
	conn.close()
	r.metrics.connectionClosed()

	log.Info().
		Str("connectionId", id).
		Dur("connected", time.Since(conn.connectedAt)).
		Int("totalConnections", total).
		Msg("Stream client disconnected")
}

// Send queues msg for delivery to one connection.
func (r *Registry) Send(id string, msg any) {
	conn := r.lookup(id)
	if conn == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("connectionId", id).Msg("Failed to marshal stream message")
		return
	}
	select {
	case conn.outbound <- data:
	case <-conn.done:
	}
}

// Broadcast queues msg for every live connection. Connections whose outbound
// buffer is full miss the message.
func (r *Registry) Broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal broadcast message")
		return
	}
	r.broadcast(data)
}

func (r *Registry) broadcast(data []byte) {
	for _, conn := range r.snapshot() {
		select {
		case <-conn.done:
		case conn.outbound <- data:
		default:
			log.Debug().Str("connectionId", conn.id).Msg("Outbound buffer full, broadcast skipped")
		}
	}
}

// Cache returns the embedding cache of a connection.
func (r *Registry) Cache(id string) (*EmbeddingCache, error) {
	conn := r.lookup(id)
	if conn == nil {
		return nil, ErrUnknownConnection
	}
	return conn.cache, nil
}

// SetDetectionEnabled turns face detection on or off for a connection.
func (r *Registry) SetDetectionEnabled(id string, enabled bool) error {
	conn := r.lookup(id)
	if conn == nil {
		return ErrUnknownConnection
	}
	conn.detection.Store(enabled)
	return nil
}

// DetectionEnabled reports whether face detection is on for a connection.
func (r *Registry) DetectionEnabled(id string) (bool, error) {
	conn := r.lookup(id)
	if conn == nil {
		return false, ErrUnknownConnection
	}
	return conn.detection.Load(), nil
}

// Deliver hands a frame outcome to the connection's task. It reports false when
// the connection is gone, in which case the outcome is discarded.
func (r *Registry) Deliver(id string, outcome FrameOutcome) bool {
	conn := r.lookup(id)
	if conn == nil {
		return false
	}
	select {
	case conn.results <- outcome:
		return true
	case <-conn.done:
		return false
	}
}

// Channels returns the outcome stream and the done signal of a connection.
func (r *Registry) Channels(id string) (<-chan FrameOutcome, <-chan struct{}, error) {
	conn := r.lookup(id)
	if conn == nil {
		return nil, nil, ErrUnknownConnection
	}
	return conn.results, conn.done, nil
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Shutdown stops accepting connections, queues farewell (when non-nil) for
// every live connection and closes them all. Connections registering
// afterwards receive farewell and are closed immediately.
func (r *Registry) Shutdown(farewell any) {
	var data []byte
	if farewell != nil {
		var err error
		if data, err = json.Marshal(farewell); err != nil {
			log.Error().Err(err).Msg("Failed to marshal shutdown message")
			data = nil
		}
	}

	r.mu.Lock()
	r.closed = true
	r.farewell = data
	r.mu.Unlock()

	if data != nil {
		r.broadcast(data)
	}
	r.CloseAll()
}

// CloseAll unregisters every connection. Pending outbound messages are
// flushed before each sink is closed.
func (r *Registry) CloseAll() {
	for _, conn := range r.snapshot() {
		r.Unregister(conn.id)
	}
}

func (r *Registry) lookup(id string) *connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

func (r *Registry) snapshot() []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// writeLoop is the only writer of a connection's sink.
func (r *Registry) writeLoop(conn *connection) {
	defer func() {
		if err := conn.sink.Close(); err != nil {
			log.Debug().Err(err).Str("connectionId", conn.id).Msg("Sink close failed")
		}
	}()

	for {
		select {
		case data := <-conn.outbound:
			if err := conn.sink.WriteMessage(data); err != nil {
				log.Debug().
					Str("connectionId", conn.id).
					Err(err).
					Msg("Failed to write to stream client, removing")
				r.Unregister(conn.id)
				return
			}
		case <-conn.done:
			r.flush(conn)
			return
		}
	}
}

func (r *Registry) flush(conn *connection) {
	for {
		select {
		case data := <-conn.outbound:
			if err := conn.sink.WriteMessage(data); err != nil {
				return
			}
		default:
			return
		}
	}
}
