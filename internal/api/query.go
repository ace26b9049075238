package api

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 1000
)

// Pagination is a parsed limit/offset pair.
type Pagination struct {
	Limit  int
	Offset int
}

// Page is the envelope of every list endpoint.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ParsePagination reads ?limit= and ?offset=. A zero or missing limit
// means the default page size.
func ParsePagination(r *http.Request) (Pagination, error) {
	q := r.URL.Query()
	limit, err := queryInt(q, "limit", maxPageLimit)
	if err != nil {
		return Pagination{}, err
	}
	if limit == 0 {
		limit = defaultPageLimit
	}
	offset, err := queryInt(q, "offset", math.MaxInt)
	if err != nil {
		return Pagination{}, err
	}
	return Pagination{Limit: limit, Offset: offset}, nil
}

func queryInt(q url.Values, key string, upper int) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: must be a non-negative integer", key)
	}
	if n > upper {
		return 0, fmt.Errorf("%s: must be <= %d", key, upper)
	}
	return n, nil
}

// paginate cuts one page out of items. The result is never nil.
func paginate[T any](items []T, p Pagination) Page[T] {
	page := Page[T]{Items: []T{}, Total: len(items), Limit: p.Limit, Offset: p.Offset}
	if p.Offset < len(items) {
		end := min(p.Offset+p.Limit, len(items))
		page.Items = items[p.Offset:end]
	}
	return page
}

// Sorting is a parsed ?sort_by= / ?sort_order= pair.
type Sorting struct {
	Field string
	Desc  bool
}

// ParseSorting validates sort_by against allowed and sort_order against
// asc/desc.
func ParseSorting(r *http.Request, allowed []string, defaultField string) (Sorting, error) {
	s := Sorting{Field: defaultField}
	q := r.URL.Query()
	if v := q.Get("sort_by"); v != "" {
		if !slices.Contains(allowed, v) {
			return s, fmt.Errorf("sort_by: must be one of %s", strings.Join(allowed, ", "))
		}
		s.Field = v
	}
	switch strings.ToLower(q.Get("sort_order")) {
	case "", "asc":
	case "desc":
		s.Desc = true
	default:
		return s, fmt.Errorf("sort_order: must be 'asc' or 'desc'")
	}
	return s, nil
}

// order flips a comparison result for descending sorts.
func (s Sorting) order(c int) int {
	if s.Desc {
		return -c
	}
	return c
}

// ParseBoolQuery parses an optional boolean query parameter; nil means the
// parameter was absent.
func ParseBoolQuery(r *http.Request, key string) (*bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("%s: must be true or false", key)
	}
	return &b, nil
}
