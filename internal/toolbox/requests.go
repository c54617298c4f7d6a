// Package toolbox provides ready-made request types over the pipeline core:
// plain strings, JSON documents, and HTML link extraction, plus a bootstrap
// helper that assembles a working queue.
package toolbox

import (
	"encoding/json"
	"fmt"

	"github.com/jayclf/Volley/internal/cache"
	"github.com/jayclf/Volley/internal/queue"
	"github.com/jayclf/Volley/pkg/types"
)

// ParseFunc turns a raw network response into a typed value.
type ParseFunc[T any] func(resp *types.NetworkResponse) (T, error)

// Listener receives the typed result on the delivery executor.
type Listener[T any] func(value T)

// ErrorListener receives the terminal error on the delivery executor.
type ErrorListener func(err error)

// handler adapts a typed parser and listeners to the queue's Handler
// capability set. Cache entries are derived from the response headers.
type handler[T any] struct {
	parse   ParseFunc[T]
	onValue Listener[T]
	onError ErrorListener
}

func (h *handler[T]) ParseResponse(resp *types.NetworkResponse) *queue.Response {
	value, err := h.parse(resp)
	if err != nil {
		return queue.NewErrorResponse(queue.NewParseError(err))
	}
	return queue.NewResponse(value, cache.ParseCacheHeaders(resp))
}

func (h *handler[T]) ParseError(err error) error { return err }

func (h *handler[T]) DeliverResponse(value any) {
	if h.onValue == nil {
		return
	}
	typed, ok := value.(T)
	if !ok {
		return
	}
	h.onValue(typed)
}

func (h *handler[T]) DeliverError(err error) {
	if h.onError != nil {
		h.onError(err)
	}
}

// NewTypedRequest builds a request around an arbitrary typed parser.
func NewTypedRequest[T any](method, url string, parse ParseFunc[T], onValue Listener[T], onError ErrorListener) *queue.Request {
	return queue.NewRequest(method, url, &handler[T]{
		parse:   parse,
		onValue: onValue,
		onError: onError,
	})
}

// NewStringRequest fetches url and delivers the body as a string.
func NewStringRequest(url string, onValue Listener[string], onError ErrorListener) *queue.Request {
	return NewTypedRequest(queue.MethodGet, url,
		func(resp *types.NetworkResponse) (string, error) {
			return string(resp.Data), nil
		},
		onValue, onError)
}

// NewJSONRequest issues method against url, optionally posting body as
// JSON, and decodes the response body into T.
func NewJSONRequest[T any](method, url string, body any, onValue Listener[T], onError ErrorListener) (*queue.Request, error) {
	req := NewTypedRequest(method, url,
		func(resp *types.NetworkResponse) (T, error) {
			var value T
			if err := json.Unmarshal(resp.Data, &value); err != nil {
				return value, fmt.Errorf("decode json body: %w", err)
			}
			return value, nil
		},
		onValue, onError)

	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode json body: %w", err)
		}
		req.SetBody(encoded, "application/json")
	}
	return req, nil
}
