package gorm

import (
	"net/http"
	"strconv"
)

// MaxPaginationLimit is the maximum allowed limit for list queries.
const MaxPaginationLimit = 1000

// PaginationParams holds pagination parameters.
type PaginationParams struct {
	Limit  int
	Offset int
}

// ParsePaginationParams reads limit and offset from the query string.
// Missing or invalid values fall back to defaultLimit and 0; limit is capped
// at MaxPaginationLimit.
func ParsePaginationParams(r *http.Request, defaultLimit int) PaginationParams {
	p := PaginationParams{Limit: defaultLimit}
	q := r.URL.Query()
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		p.Limit = l
	}
	if p.Limit > MaxPaginationLimit {
		p.Limit = MaxPaginationLimit
	}
	if o, err := strconv.Atoi(q.Get("offset")); err == nil && o >= 0 {
		p.Offset = o
	}
	return p
}

func (p PaginationParams) normalize() PaginationParams {
	if p.Limit <= 0 || p.Limit > MaxPaginationLimit {
		p.Limit = MaxPaginationLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
