// Package worker provides the FacePay HTTP service: the real-time face stream
// endpoint plus the user, merchant and transaction API.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/metric"

	"github.com/thebtf/facepay/internal/config"
	"github.com/thebtf/facepay/internal/db/gorm"
	"github.com/thebtf/facepay/internal/telemetry"
	"github.com/thebtf/facepay/internal/vision"
	"github.com/thebtf/facepay/internal/watcher"
	"github.com/thebtf/facepay/internal/worker/pool"
	"github.com/thebtf/facepay/internal/worker/stream"
)

// Service configuration constants
const (
	// DefaultHTTPTimeout is the default timeout for API requests.
	DefaultHTTPTimeout = 30 * time.Second

	// MaxRequestBodyBytes bounds API request bodies.
	MaxRequestBodyBytes = 1 << 20

	meterName = "github.com/thebtf/facepay"
)

// Service is the main FacePay service orchestrator.
type Service struct {
	version string
	config  *config.Config

	// Database (set by initializeAsync)
	store        *gorm.Store
	users        *gorm.UserStore
	merchants    *gorm.MerchantStore
	transactions *gorm.TransactionStore

	// Stream pipeline
	registry   *stream.Registry
	pipeline   *stream.Pipeline
	controller *stream.Controller
	workers    *pool.Pool
	metrics    *stream.Metrics
	telemetry  *telemetry.Provider
	threshold  atomic.Uint64 // math.Float64bits of the match threshold

	// HTTP server
	router      *chi.Mux
	server      *http.Server
	rateLimiter *PerClientRateLimiter
	startTime   time.Time

	// Lifecycle
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once

	// Initialization state (for deferred init)
	ready     atomic.Bool
	initError error
	initMu    sync.RWMutex
}

// NewService creates the service with deferred database initialization.
// The stream endpoint and health routes work immediately; the API routes
// answer 503 until the store is ready.
func NewService(cfg *config.Config, version string) (*Service, error) {
	if cfg == nil {
		cfg = config.Get()
	}

	telem := telemetry.New()
	meter := telem.Meter(meterName)
	metrics, err := stream.NewMetrics(meter, telem)
	if err != nil {
		return nil, fmt.Errorf("create stream metrics: %w", err)
	}

	detector, embedder, err := newCapabilities(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	svc := &Service{
		version:     version,
		config:      cfg,
		metrics:     metrics,
		telemetry:   telem,
		workers:     pool.New(cfg.PoolSize, cfg.QueueDepth),
		router:      chi.NewRouter(),
		rateLimiter: NewPerClientRateLimiter(cfg.RateLimit, cfg.RateBurst),
		ctx:         ctx,
		cancel:      cancel,
		startTime:   time.Now(),
	}
	svc.SetMatchThreshold(cfg.MatchThreshold)

	svc.registry = stream.NewRegistry(stream.RegistryConfig{
		CacheCapacity: cfg.CacheCapacity,
		ResultBuffer:  svc.workers.Size() * 2,
	}, metrics)
	svc.pipeline = stream.NewPipeline(svc.registry, detector, embedder, svc.workers, metrics)
	svc.pipeline.SetMaxFramePixels(cfg.MaxFramePixels)
	svc.controller = stream.NewController(svc.registry, svc.pipeline, stream.ControllerConfig{
		MatchThreshold:  svc.MatchThreshold,
		MaxMessageBytes: cfg.MaxMessageBytes,
	})

	if err := svc.registerGauges(meter); err != nil {
		cancel()
		return nil, fmt.Errorf("register gauges: %w", err)
	}

	svc.setupMiddleware()
	svc.setupRoutes()

	// Settings reload is independent of the store.
	if err := config.EnsureDataDir(); err != nil {
		log.Warn().Err(err).Msg("Failed to create data dir")
	}
	svc.startSettingsWatcher()

	go svc.initializeAsync()

	return svc, nil
}

// newCapabilities picks the face detector and embedder. Without an inference
// URL every frame reports zero faces.
func newCapabilities(cfg *config.Config) (vision.Detector, vision.Embedder, error) {
	if cfg.InferenceURL == "" {
		log.Warn().Msg("No inference URL configured - face detection will report no faces")
		return vision.NopDetector{}, vision.NopEmbedder{}, nil
	}
	client, err := vision.NewInferenceClient(vision.InferenceConfig{
		BaseURL:       cfg.InferenceURL,
		Timeout:       cfg.InferenceTimeout,
		MinConfidence: cfg.MinConfidence,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create inference client: %w", err)
	}
	log.Info().Str("url", cfg.InferenceURL).Msg("Using inference sidecar for face detection")
	return client, client, nil
}

func (s *Service) registerGauges(meter metric.Meter) error {
	if _, err := meter.Int64ObservableGauge("facepay.pool.queued",
		metric.WithDescription("Frames waiting for a worker"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.workers.Stats().Queued)
			return nil
		})); err != nil {
		return err
	}
	if _, err := meter.Int64ObservableGauge("facepay.pool.in_flight",
		metric.WithDescription("Frames being analyzed"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.workers.Stats().InFlight)
			return nil
		})); err != nil {
		return err
	}
	return nil
}

// MeterProvider returns the provider backing /api/stats so the process can
// install it globally.
func (s *Service) MeterProvider() metric.MeterProvider {
	return s.telemetry.MeterProvider()
}

// initializeAsync opens the database in the background.
func (s *Service) initializeAsync() {
	log.Info().Msg("Starting async initialization...")

	if err := config.EnsureAll(); err != nil {
		s.setInitError(fmt.Errorf("ensure data dir: %w", err))
		return
	}

	store, err := gorm.NewStore(gorm.Config{
		DSN:      s.config.DBDSN,
		MaxConns: s.config.MaxConns,
	})
	if err != nil {
		s.setInitError(fmt.Errorf("init database: %w", err))
		return
	}

	s.initMu.Lock()
	if s.ctx.Err() != nil {
		s.initMu.Unlock()
		_ = store.Close()
		return
	}
	s.store = store
	s.users = gorm.NewUserStore(store)
	s.merchants = gorm.NewMerchantStore(store)
	s.transactions = gorm.NewTransactionStore(store)
	s.initMu.Unlock()

	s.ready.Store(true)
	log.Info().Str("dialect", store.Dialect()).Msg("Async initialization complete - service ready")
}

// startSettingsWatcher hot-reloads the match threshold when settings change.
func (s *Service) startSettingsWatcher() {
	path := config.SettingsPath()
	w, err := watcher.New(path, 0, s.reloadConfig)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create settings watcher")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.Run(s.ctx)
	}()
	log.Info().Str("path", path).Msg("Settings file watcher started")
}

// reloadConfig applies settings that can change without a restart.
func (s *Service) reloadConfig() {
	cfg, err := config.Reload()
	if err != nil {
		log.Warn().Err(err).Msg("Settings reload failed, keeping current values")
		return
	}
	old := s.MatchThreshold()
	if cfg.MatchThreshold != old {
		s.SetMatchThreshold(cfg.MatchThreshold)
		log.Info().
			Float64("old", old).
			Float64("new", cfg.MatchThreshold).
			Msg("Match threshold updated")
	}
}

// MatchThreshold returns the similarity a match_face candidate must exceed.
func (s *Service) MatchThreshold() float64 {
	return math.Float64frombits(s.threshold.Load())
}

// SetMatchThreshold replaces the match threshold for subsequent requests.
func (s *Service) SetMatchThreshold(v float64) {
	s.threshold.Store(math.Float64bits(v))
}

// setInitError records an initialization error.
func (s *Service) setInitError(err error) {
	s.initMu.Lock()
	s.initError = err
	s.initMu.Unlock()
	log.Error().Err(err).Msg("Async initialization failed")
}

// GetInitError returns any initialization error.
func (s *Service) GetInitError() error {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initError
}

// setupMiddleware configures HTTP middleware.
func (s *Service) setupMiddleware() {
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(SecurityHeaders)
}

// setupRoutes configures HTTP routes.
func (s *Service) setupRoutes() {
	// Websocket stream; no timeout, the connection is long-lived.
	s.router.Get(stream.Route, s.controller.ServeHTTP)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(DefaultHTTPTimeout))

		r.Get("/", s.handleIndex)
		r.Get("/health", s.handleHealth)
		r.Get("/api/health", s.handleHealth)
		r.Get("/api/version", s.handleVersion)
		r.Get("/api/ready", s.handleReady)
		r.Get("/api/stats", s.handleStats)
	})

	// Routes that require the database
	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(DefaultHTTPTimeout))
		r.Use(s.requireReady)
		r.Use(MaxBodySize(MaxRequestBodyBytes))
		r.Use(RequireJSONContentType)
		r.Use(PerClientRateLimitMiddleware(s.rateLimiter))

		r.Route("/users", func(r chi.Router) {
			r.Post("/", s.handleCreateUser)
			r.Get("/", s.handleListUsers)
			r.Get("/{id}", s.handleGetUser)
			r.Patch("/{id}", s.handleUpdateUser)
			r.Post("/{id}/verify-pin", s.handleVerifyPin)
		})
		r.Route("/merchants", func(r chi.Router) {
			r.Post("/", s.handleCreateMerchant)
			r.Get("/", s.handleListMerchants)
			r.Get("/{id}", s.handleGetMerchant)
			r.Patch("/{id}", s.handleUpdateMerchant)
		})
		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", s.handleCreateTransaction)
			r.Get("/", s.handleListTransactions)
			r.Get("/{id}", s.handleGetTransaction)
		})
	})
}

// Handler returns the HTTP handler serving all routes.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server. Database initialization continues in the
// background.
func (s *Service) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	log.Info().
		Int("port", s.config.Port).
		Int("pid", os.Getpid()).
		Int("poolSize", s.workers.Size()).
		Str("stream", stream.Route).
		Msg("FacePay HTTP server started (initialization in progress)")

	return nil
}

// Shutdown tells stream clients the server is going away, closes their
// connections, stops the HTTP server, drains the worker pool and closes the
// database.
func (s *Service) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.cancel()

		// Late upgrades are refused with the same notice.
		s.registry.Shutdown(stream.ServerShutdown{
			Type:    stream.TypeServerShutdown,
			Message: "Server is shutting down",
		})

		if s.server != nil {
			if err := s.server.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("HTTP server shutdown error")
				shutdownErr = err
			}
		}

		if err := s.workers.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Worker pool did not drain before deadline")
			shutdownErr = errors.Join(shutdownErr, err)
		}

		s.initMu.Lock()
		store := s.store
		s.initMu.Unlock()
		if store != nil {
			if err := store.Close(); err != nil {
				log.Error().Err(err).Msg("Database close error")
			}
		}

		s.wg.Wait()

		if err := s.telemetry.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown error")
		}
		log.Info().Msg("FacePay service shutdown complete")
	})
	return shutdownErr
}
