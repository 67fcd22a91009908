// Package gorm provides GORM-based persistence for FacePay users, merchants
// and payment transactions.
package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique column already holds the value.
	ErrDuplicate = errors.New("duplicate record")
	// ErrInsufficientBalance is returned when a wallet cannot cover a payment.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Store wraps the GORM connection shared by the entity stores.
type Store struct {
	healthCacheTime time.Time
	DB              *gorm.DB
	sqlDB           *sql.DB
	cachedHealth    *HealthInfo
	dialect         string
	healthCacheTTL  time.Duration
	healthCacheMu   sync.RWMutex
}

// Config holds database configuration.
type Config struct {
	DSN      string          // postgres://… selects PostgreSQL, anything else is a SQLite path
	MaxConns int             // Maximum number of open connections (default: 10, SQLite: 1)
	LogLevel logger.LogLevel // GORM log level (logger.Silent for production)
}

// IsPostgresDSN reports whether dsn addresses a PostgreSQL server.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// NewStore opens the database, configures the pool and runs migrations.
func NewStore(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	dialector, dialect := openDialector(cfg.DSN)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(cfg.LogLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm %s: %w", dialect, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	if dialect == "sqlite" {
		// One writer at a time; concurrent connections only produce SQLITE_BUSY.
		maxConns = 1
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(max(maxConns/2, 1))
	sqlDB.SetConnMaxLifetime(1 * time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	if err := runMigrations(db); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.Debug().Str("dialect", dialect).Int("maxConns", maxConns).Msg("Database ready")

	return &Store{
		DB:             db,
		sqlDB:          sqlDB,
		dialect:        dialect,
		healthCacheTTL: 5 * time.Second,
	}, nil
}

func openDialector(dsn string) (gorm.Dialector, string) {
	if IsPostgresDSN(dsn) {
		return postgres.Open(dsn), "postgres"
	}
	if !strings.Contains(dsn, "_pragma=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	return sqlite.Open(dsn), "sqlite"
}

// Dialect returns "postgres" or "sqlite".
func (s *Store) Dialect() string {
	return s.dialect
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping() error {
	return s.sqlDB.Ping()
}

// HealthCheck reports connectivity, query latency and pool usage. Results are
// cached for a few seconds to keep frequent probes cheap.
func (s *Store) HealthCheck(ctx context.Context) *HealthInfo {
	s.healthCacheMu.RLock()
	if s.cachedHealth != nil && time.Since(s.healthCacheTime) < s.healthCacheTTL {
		cached := s.cachedHealth
		s.healthCacheMu.RUnlock()
		return cached
	}
	s.healthCacheMu.RUnlock()

	info := s.performHealthCheck(ctx)

	s.healthCacheMu.Lock()
	s.cachedHealth = info
	s.healthCacheTime = time.Now()
	s.healthCacheMu.Unlock()

	return info
}

func (s *Store) performHealthCheck(ctx context.Context) *HealthInfo {
	info := &HealthInfo{
		Status:    "healthy",
		Dialect:   s.dialect,
		Timestamp: time.Now(),
	}

	stats := s.sqlDB.Stats()
	info.OpenConnections = stats.OpenConnections
	info.InUse = stats.InUse

	start := time.Now()
	var one int
	err := s.sqlDB.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	info.QueryLatency = time.Since(start)

	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
		return info
	}
	if info.QueryLatency > 50*time.Millisecond {
		info.Status = "degraded"
		info.Warning = fmt.Sprintf("Slow query latency: %v", info.QueryLatency)
	}
	return info
}

// HealthInfo contains database health check results.
type HealthInfo struct {
	Timestamp       time.Time     `json:"timestamp"`
	Status          string        `json:"status"`
	Dialect         string        `json:"dialect"`
	Error           string        `json:"error,omitempty"`
	Warning         string        `json:"warning,omitempty"`
	QueryLatency    time.Duration `json:"query_latency_ns"`
	OpenConnections int           `json:"open_connections"`
	InUse           int           `json:"in_use"`
}

// DefaultQueryTimeout bounds a single store call.
const DefaultQueryTimeout = 5 * time.Second

// withTimeout wraps ctx with DefaultQueryTimeout and logs slow operations.
func withTimeout(ctx context.Context, operation string) (context.Context, context.CancelFunc) {
	timeoutCtx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	start := time.Now()

	return timeoutCtx, func() {
		elapsed := time.Since(start)
		cancel()
		if elapsed > 100*time.Millisecond {
			log.Warn().
				Str("operation", operation).
				Dur("elapsed", elapsed).
				Msg("Slow database operation")
		}
	}
}

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// translateError maps driver and GORM errors onto the package sentinels.
func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicate
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value") {
		return ErrDuplicate
	}
	return err
}
