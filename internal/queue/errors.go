package queue

import (
	"errors"
	"time"

	"github.com/jayclf/Volley/pkg/types"
)

// pipelineError is the base type for every failure delivered by the pipeline. It
// optionally carries the raw response that produced it and the wall-clock
// time spent on the network.
type pipelineError struct {
	// Response is the raw HTTP response when one was received.
	Response *types.NetworkResponse

	// NetworkTime is the duration of the network phase, retries included.
	NetworkTime time.Duration

	message string
	cause   error
}

func (e *pipelineError) Error() string {
	switch {
	case e.message != "" && e.cause != nil:
		return e.message + ": " + e.cause.Error()
	case e.message != "":
		return e.message
	case e.cause != nil:
		return e.cause.Error()
	default:
		return "request failed"
	}
}

func (e *pipelineError) Unwrap() error { return e.cause }

func (e *pipelineError) setNetworkTime(d time.Duration) { e.NetworkTime = d }

// TimeoutError reports a socket or connect timeout. Retriable.
type TimeoutError struct{ pipelineError }

// NoConnectionError reports an I/O failure before any response was
// obtained. Terminal.
type NoConnectionError struct{ pipelineError }

// NetworkError reports an I/O failure after response headers were received
// but before a body could be read. Terminal.
type NetworkError struct{ pipelineError }

// AuthFailureError reports a 401 or 403 response. Retriable.
type AuthFailureError struct{ pipelineError }

// RedirectError reports a 301 or 302 response whose Location has already
// been applied to the request. Retriable.
type RedirectError struct{ pipelineError }

// ServerError reports any other non-2xx response. Terminal.
type ServerError struct{ pipelineError }

// ParseError reports a body the request's parser could not handle.
type ParseError struct{ pipelineError }

// BadURLError reports a malformed request URL; a programmer error.
type BadURLError struct{ pipelineError }

func newTimeoutError() *TimeoutError {
	return &TimeoutError{pipelineError{message: "request timed out"}}
}

func newNoConnectionError(cause error) *NoConnectionError {
	return &NoConnectionError{pipelineError{message: "no connection", cause: cause}}
}

func newNetworkError(cause error) *NetworkError {
	return &NetworkError{pipelineError{message: "network failure", cause: cause}}
}

func newAuthFailureError(resp *types.NetworkResponse) *AuthFailureError {
	return &AuthFailureError{pipelineError{message: "authentication failure", Response: resp}}
}

func newRedirectError(resp *types.NetworkResponse) *RedirectError {
	return &RedirectError{pipelineError{message: "redirected", Response: resp}}
}

func newServerError(resp *types.NetworkResponse) *ServerError {
	return &ServerError{pipelineError{message: "server error", Response: resp}}
}

// NewParseError wraps a parser failure; toolbox request types use it when a
// body does not decode.
func NewParseError(cause error) *ParseError {
	return &ParseError{pipelineError{message: "unparseable response", cause: cause}}
}

func newBadURLError(cause error) *BadURLError {
	return &BadURLError{pipelineError{message: "bad url", cause: cause}}
}

// wrapError coerces an arbitrary error into a pipelineError, leaving
// existing pipeline errors untouched.
func wrapError(err error) error {
	var pe interface{ setNetworkTime(time.Duration) }
	if errors.As(err, &pe) {
		return err
	}
	return &pipelineError{cause: err}
}

// withNetworkTime stamps the network duration onto a pipeline error.
func withNetworkTime(err error, d time.Duration) error {
	var pe interface{ setNetworkTime(time.Duration) }
	if errors.As(err, &pe) {
		pe.setNetworkTime(d)
	}
	return err
}
