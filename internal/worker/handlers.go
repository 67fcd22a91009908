package worker

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/facepay/internal/db/gorm"
	"github.com/thebtf/facepay/internal/worker/pool"
	"github.com/thebtf/facepay/internal/worker/stream"
)

// DefaultListLimit is the page size for list endpoints without ?limit=.
const DefaultListLimit = 100

// writeJSON writes data as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// decodeJSON reads the request body into dst. It answers the request itself
// and returns false when the body is unusable.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// pathID parses the {id} URL parameter.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// storeError maps store sentinels to HTTP statuses. notFound and duplicate
// are the resource-specific messages for ErrNotFound and ErrDuplicate.
func storeError(w http.ResponseWriter, r *http.Request, err error, notFound, duplicate string) {
	switch {
	case errors.Is(err, gorm.ErrNotFound):
		http.Error(w, notFound, http.StatusNotFound)
	case errors.Is(err, gorm.ErrDuplicate):
		http.Error(w, duplicate, http.StatusBadRequest)
	case errors.Is(err, gorm.ErrInsufficientBalance):
		http.Error(w, "Insufficient balance", http.StatusBadRequest)
	default:
		log.Error().Err(err).
			Str("requestId", GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Store operation failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// handleIndex describes the service and where its endpoints live.
func (s *Service) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "FacePay real-time face recognition service",
		"version": s.version,
		"features": []string{
			"user_management",
			"payment_simulation",
			"websocket_realtime",
			"face_recognition",
		},
		"endpoints": map[string]string{
			"websocket":    stream.Route,
			"users":        "/users",
			"merchants":    "/merchants",
			"transactions": "/transactions",
			"health":       "/health",
			"stats":        "/api/stats",
		},
	})
}

// handleHealth answers 200 as soon as the process is up, even while the
// database is still opening. Use /api/ready for a full readiness check.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	} else if err := s.GetInitError(); err != nil {
		status = "error"
	}

	resp := map[string]any{
		"status":  status,
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.ready.Load() {
		s.initMu.RLock()
		store := s.store
		s.initMu.RUnlock()
		if store != nil {
			resp["database"] = store.HealthCheck(r.Context())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// handleReady returns 200 only when fully initialized.
func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		if err := s.GetInitError(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Error(w, "service initializing", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statsResponse is the body of GET /api/stats.
type statsResponse struct {
	Telemetry         map[string]float64 `json:"telemetry"`
	Uptime            string             `json:"uptime"`
	Stream            stream.Stats       `json:"stream"`
	RateLimit         RateLimitStats     `json:"rate_limit"`
	Pool              pool.Stats         `json:"pool"`
	MatchThreshold    float64            `json:"match_threshold"`
	ActiveConnections int                `json:"active_connections"`
	Ready             bool               `json:"ready"`
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	values, err := s.telemetry.Values(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to collect telemetry")
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Telemetry:         values,
		Uptime:            time.Since(s.startTime).Round(time.Second).String(),
		Stream:            s.metrics.Snapshot(r.Context()),
		RateLimit:         s.rateLimiter.Stats(),
		Pool:              s.workers.Stats(),
		MatchThreshold:    s.MatchThreshold(),
		ActiveConnections: s.registry.Count(),
		Ready:             s.ready.Load(),
	})
}

// requireReady answers 503 until the database is open.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			if err := s.GetInitError(); err != nil {
				http.Error(w, "service initialization failed: "+err.Error(), http.StatusInternalServerError)
				return
			}
			http.Error(w, "service initializing", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}
