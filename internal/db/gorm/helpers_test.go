package gorm

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestParsePaginationParams(t *testing.T) {
	tests := []struct {
		query string
		want  PaginationParams
	}{
		{"", PaginationParams{Limit: 50}},
		{"?limit=10&offset=20", PaginationParams{Limit: 10, Offset: 20}},
		{"?limit=-1&offset=-5", PaginationParams{Limit: 50}},
		{"?limit=abc", PaginationParams{Limit: 50}},
		{"?limit=5000", PaginationParams{Limit: MaxPaginationLimit}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/users"+tt.query, nil)
			assert.Equal(t, tt.want, ParsePaginationParams(r, 50))
		})
	}
}

func TestIsPostgresDSN(t *testing.T) {
	assert.True(t, IsPostgresDSN("postgres://u:p@localhost/facepay"))
	assert.True(t, IsPostgresDSN("postgresql://localhost/facepay"))
	assert.False(t, IsPostgresDSN("/tmp/facepay.db"))
	assert.False(t, IsPostgresDSN("file:facepay.db?cache=shared"))
}

func TestOpenDialectorAddsPragmas(t *testing.T) {
	d, name := openDialector("/tmp/x.db")
	assert.Equal(t, "sqlite", name)
	assert.Equal(t, "sqlite", d.Name())

	_, name = openDialector("postgres://localhost/facepay")
	assert.Equal(t, "postgres", name)
}

func TestTranslateError(t *testing.T) {
	assert.NoError(t, translateError(nil))
	assert.ErrorIs(t, translateError(gorm.ErrRecordNotFound), ErrNotFound)
	assert.ErrorIs(t, translateError(gorm.ErrDuplicatedKey), ErrDuplicate)
	assert.ErrorIs(t, translateError(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})), ErrDuplicate)
	assert.ErrorIs(t, translateError(errors.New("UNIQUE constraint failed: users.email")), ErrDuplicate)
	assert.ErrorIs(t, translateError(ErrInsufficientBalance), ErrInsufficientBalance)

	other := errors.New("disk full")
	assert.Equal(t, other, translateError(other))
}
