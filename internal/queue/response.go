package queue

import (
	"github.com/jayclf/Volley/internal/cache"
	"github.com/jayclf/Volley/pkg/types"
)

// Handler is the per-request capability set supplied by the caller: how to
// turn a raw network response into a value, and where results go. Parsing
// runs on dispatcher goroutines; delivery callbacks run on the delivery
// executor.
type Handler interface {
	// ParseResponse turns a raw response into a Response. A failure is
	// expressed as an error-variant Response, not a panic.
	ParseResponse(resp *types.NetworkResponse) *Response

	// ParseError gives the handler a chance to refine an error before
	// delivery. Most handlers return err unchanged.
	ParseError(err error) error

	// DeliverResponse receives the parsed value on the delivery executor.
	DeliverResponse(value any)

	// DeliverError receives the terminal error on the delivery executor.
	DeliverError(err error)
}

// Response is the outcome of parsing one network (or cached) response:
// either a value with an optional entry to cache, or an error.
type Response struct {
	// Value is the parsed result when Err is nil.
	Value any

	// CacheEntry, when non-nil on a success, is written to the cache for
	// requests that allow caching.
	CacheEntry *cache.Entry

	// Intermediate marks a delivery that will be followed by another one
	// (a soft-TTL cache hit whose refresh is in flight).
	Intermediate bool

	// Err is set on failures.
	Err error
}

// NewResponse builds a success response.
func NewResponse(value any, entry *cache.Entry) *Response {
	return &Response{Value: value, CacheEntry: entry}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(err error) *Response {
	return &Response{Err: err}
}

// IsSuccess reports whether the response carries a value.
func (r *Response) IsSuccess() bool { return r.Err == nil }
