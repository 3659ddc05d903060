// Package pagination reads list windows from query strings. Request and room
// listings page by offset; room messages page by sequence cursor.
package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100

	// MaxMessages bounds one page of room history.
	MaxMessages = 200
)

// Params is an offset window.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset=. Malformed or out of range values
// fall back to defaults.
func FromContext(c echo.Context) Params {
	return Params{
		Limit:  clamp(c.QueryParam("limit"), DefaultLimit, MaxLimit),
		Offset: max(atoi(c.QueryParam("offset")), 0),
	}
}

// Cursor is a window over an append-only sequence: items with seq > After.
type Cursor struct {
	After int64
	Limit int
}

// CursorFromContext reads ?after= and ?limit=. A malformed cursor is an
// error rather than a restart from zero.
func CursorFromContext(c echo.Context) (Cursor, error) {
	cur := Cursor{Limit: clamp(c.QueryParam("limit"), MaxMessages, MaxMessages)}
	if raw := c.QueryParam("after"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			return Cursor{}, fmt.Errorf("after must be a non-negative sequence number")
		}
		cur.After = after
	}
	return cur, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func clamp(raw string, def, upper int) int {
	n := atoi(raw)
	if n <= 0 {
		return def
	}
	return min(n, upper)
}

// Response wraps an offset page. Data is never null in JSON.
type Response[T any] struct {
	Data    []T  `json:"data"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

func NewResponse[T any](data []T, total, limit, offset int) *Response[T] {
	if data == nil {
		data = []T{}
	}
	return &Response[T]{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

// CursorResponse wraps a cursor page. NextAfter is the cursor for the
// following call; it equals the request cursor when the page is empty.
type CursorResponse[T any] struct {
	Data      []T   `json:"data"`
	NextAfter int64 `json:"next_after"`
}

func NewCursorResponse[T any](data []T, after int64, seq func(T) int64) *CursorResponse[T] {
	if data == nil {
		data = []T{}
	}
	next := after
	if n := len(data); n > 0 {
		next = seq(data[n-1])
	}
	return &CursorResponse[T]{Data: data, NextAfter: next}
}
