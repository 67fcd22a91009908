// Package config provides configuration management for FacePay.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

const (
	// DefaultPort is the default HTTP port.
	DefaultPort = 8000

	// DefaultMatchThreshold is the cosine similarity a match must exceed.
	DefaultMatchThreshold = 0.6

	// DefaultMaxMessageBytes bounds one websocket message (8 MiB).
	DefaultMaxMessageBytes = 8 << 20

	// DefaultMaxFramePixels bounds the decoded size of one video frame.
	DefaultMaxFramePixels = 4096 * 4096
)

// Config holds the application configuration.
type Config struct {
	// HTTP settings
	Port      int     `json:"port"`
	RateLimit float64 `json:"rate_limit"` // requests per second per client on CRUD routes
	RateBurst int     `json:"rate_burst"`

	// Database settings
	DBDSN    string `json:"db_dsn"`
	MaxConns int    `json:"max_conns"`

	// Stream pipeline settings
	PoolSize        int     `json:"pool_size"`
	QueueDepth      int     `json:"queue_depth"`
	CacheCapacity   int     `json:"cache_capacity"`
	MatchThreshold  float64 `json:"match_threshold"`
	MaxMessageBytes int64   `json:"max_message_bytes"`
	MaxFramePixels  int     `json:"max_frame_pixels"`

	// Inference sidecar settings (empty URL = detection reports no faces)
	InferenceURL     string        `json:"inference_url"`
	InferenceTimeout time.Duration `json:"inference_timeout"`
	MinConfidence    float64       `json:"min_confidence"`

	LogLevel string `json:"log_level"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// DataDir returns the data directory path (~/.facepay, or $FACEPAY_DATA_DIR).
func DataDir() string {
	if dir := os.Getenv("FACEPAY_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".facepay")
}

// DBPath returns the default SQLite database file path.
func DBPath() string {
	return filepath.Join(DataDir(), "facepay.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings creates a default settings file if it doesn't exist.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	defaultSettings := `{
  "FACEPAY_PORT": 8000,
  "FACEPAY_POOL_SIZE": 4,
  "FACEPAY_QUEUE_DEPTH": 64,
  "FACEPAY_MATCH_THRESHOLD": 0.6,
  "FACEPAY_INFERENCE_URL": ""
}
`
	return os.WriteFile(path, []byte(defaultSettings), 0600)
}

// EnsureAll ensures all required directories and files exist.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Port:             DefaultPort,
		RateLimit:        20,
		RateBurst:        40,
		DBDSN:            DBPath(),
		MaxConns:         10,
		PoolSize:         4,
		QueueDepth:       64,
		CacheCapacity:    10,
		MatchThreshold:   DefaultMatchThreshold,
		MaxMessageBytes:  DefaultMaxMessageBytes,
		MaxFramePixels:   DefaultMaxFramePixels,
		InferenceTimeout: 10 * time.Second,
		MinConfidence:    0.5,
		LogLevel:         "info",
	}
}

// Load loads configuration from the settings file and the environment.
func Load() (*Config, error) {
	return LoadFrom(SettingsPath())
}

// LoadFrom builds a configuration from defaults, the settings file at path
// and FACEPAY_* environment variables, in that order. A missing file is not
// an error; an unreadable or malformed one is.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read settings: %w", err)
	default:
		var settings map[string]any
		if err := json.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("parse settings %s: %w", path, err)
		}
		applySettings(cfg, settings)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applySettings(cfg *Config, settings map[string]any) {
	if v, ok := settings["FACEPAY_PORT"].(float64); ok && v > 0 {
		cfg.Port = int(v)
	}
	if v, ok := settings["FACEPAY_DB_DSN"].(string); ok && v != "" {
		cfg.DBDSN = v
	}
	if v, ok := settings["FACEPAY_DB_MAX_CONNS"].(float64); ok && v > 0 {
		cfg.MaxConns = int(v)
	}
	if v, ok := settings["FACEPAY_POOL_SIZE"].(float64); ok && v > 0 {
		cfg.PoolSize = int(v)
	}
	if v, ok := settings["FACEPAY_QUEUE_DEPTH"].(float64); ok && v >= 0 {
		cfg.QueueDepth = int(v)
	}
	if v, ok := settings["FACEPAY_CACHE_CAPACITY"].(float64); ok && v > 0 {
		cfg.CacheCapacity = int(v)
	}
	if v, ok := settings["FACEPAY_MATCH_THRESHOLD"].(float64); ok && v >= -1 && v <= 1 {
		cfg.MatchThreshold = v
	}
	if v, ok := settings["FACEPAY_MAX_MESSAGE_BYTES"].(float64); ok && v > 0 {
		cfg.MaxMessageBytes = int64(v)
	}
	if v, ok := settings["FACEPAY_MAX_FRAME_PIXELS"].(float64); ok && v > 0 {
		cfg.MaxFramePixels = int(v)
	}
	if v, ok := settings["FACEPAY_INFERENCE_URL"].(string); ok {
		cfg.InferenceURL = v
	}
	if v, ok := settings["FACEPAY_INFERENCE_TIMEOUT_SECONDS"].(float64); ok && v > 0 {
		cfg.InferenceTimeout = time.Duration(v * float64(time.Second))
	}
	if v, ok := settings["FACEPAY_MIN_CONFIDENCE"].(float64); ok && v >= 0 && v <= 1 {
		cfg.MinConfidence = v
	}
	if v, ok := settings["FACEPAY_LOG_LEVEL"].(string); ok && v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v, ok := settings["FACEPAY_RATE_LIMIT"].(float64); ok && v > 0 {
		cfg.RateLimit = v
	}
	if v, ok := settings["FACEPAY_RATE_BURST"].(float64); ok && v > 0 {
		cfg.RateBurst = int(v)
	}
}

func applyEnv(cfg *Config) {
	if p, ok := envInt("FACEPAY_PORT"); ok && p > 0 {
		cfg.Port = p
	}
	if v := os.Getenv("FACEPAY_DB_DSN"); v != "" {
		cfg.DBDSN = v
	}
	if n, ok := envInt("FACEPAY_POOL_SIZE"); ok && n > 0 {
		cfg.PoolSize = n
	}
	if n, ok := envInt("FACEPAY_MAX_FRAME_PIXELS"); ok && n > 0 {
		cfg.MaxFramePixels = n
	}
	if v := os.Getenv("FACEPAY_INFERENCE_URL"); v != "" {
		cfg.InferenceURL = v
	}
	if v := os.Getenv("FACEPAY_MATCH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= -1 && f <= 1 {
			cfg.MatchThreshold = f
		}
	}
	if v := os.Getenv("FACEPAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	configOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
			applyEnv(cfg)
		}
		configMu.Lock()
		globalConfig = cfg
		configMu.Unlock()
	})

	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// Reload re-reads the settings file and replaces the global configuration.
// On error the previous configuration stays in place.
func Reload() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	configOnce.Do(func() {})
	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()
	return cfg, nil
}
