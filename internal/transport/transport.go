// Package transport executes single HTTP exchanges for the request
// pipeline. The pipeline drives retries and redirects itself, so the
// transport performs exactly one attempt per call and never follows
// redirects on its own.
package transport

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// ErrBadURL marks a request whose URL could not be parsed or targets an
// unsupported scheme. It is a programmer error and never retried.
var ErrBadURL = errors.New("bad request url")

// Plan is the fully-resolved description of one HTTP attempt: concrete
// method, effective URL, merged headers, buffered body, and the attempt
// timeout dictated by the caller's retry policy.
type Plan struct {
	Method      string
	URL         string
	Header      map[string]string
	Body        []byte
	ContentType string
	Timeout     time.Duration
}

// Response is the raw result of one attempt. Body is decoded
// (gzip/deflate/br) but unread; the caller owns closing it.
type Response struct {
	StatusCode    int
	Headers       map[string]string
	Body          io.ReadCloser
	ContentLength int64
}

// Transport executes one HTTP exchange.
type Transport interface {
	Perform(ctx context.Context, plan Plan) (*Response, error)
}

// Options controls HTTPTransport construction.
type Options struct {
	UserAgent    string
	Headers      map[string]string
	ProxyURL     string
	MaxBodyBytes int64
}

// HTTPTransport implements Transport over net/http. The client carries no
// global timeout; each attempt's deadline comes from the plan.
type HTTPTransport struct {
	client       *http.Client
	userAgent    string
	extraHeaders map[string]string
}

// NewHTTPTransport constructs an HTTP transport using the provided options.
func NewHTTPTransport(opts Options) (*HTTPTransport, error) {
	rt := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}

	if strings.TrimSpace(opts.ProxyURL) != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		rt.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{
		Transport: rt,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &HTTPTransport{
		client:       client,
		userAgent:    opts.UserAgent,
		extraHeaders: headers,
	}, nil
}

// Perform executes one attempt described by plan.
func (t *HTTPTransport) Perform(ctx context.Context, plan Plan) (*Response, error) {
	parsed, err := url.Parse(plan.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadURL, plan.URL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrBadURL, parsed.Scheme)
	}

	if plan.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, plan.Timeout)
		defer cancel()
	}

	var body io.Reader
	if len(plan.Body) > 0 {
		body = bytes.NewReader(plan.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, plan.Method, plan.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadURL, err)
	}

	if t.userAgent != "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range t.extraHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range plan.Header {
		httpReq.Header.Set(k, v)
	}
	if plan.ContentType != "" && len(plan.Body) > 0 {
		httpReq.Header.Set("Content-Type", plan.ContentType)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	respBody := decodeBody(resp)
	contentLength := resp.ContentLength
	if _, decoded := respBody.(*decodedBody); decoded {
		contentLength = -1
	}
	return &Response{
		StatusCode:    resp.StatusCode,
		Headers:       flattenHeaders(resp.Header),
		Body:          respBody,
		ContentLength: contentLength,
	}, nil
}

// decodeBody wraps the response body in the matching decompressor. The
// content length no longer applies once a codec is in play.
func decodeBody(resp *http.Response) io.ReadCloser {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return resp.Body
		}
		return &decodedBody{Reader: gz, closers: []io.Closer{gz, resp.Body}}
	case "br":
		return &decodedBody{Reader: brotli.NewReader(resp.Body), closers: []io.Closer{resp.Body}}
	case "deflate":
		fl := flate.NewReader(resp.Body)
		return &decodedBody{Reader: fl, closers: []io.Closer{fl, resp.Body}}
	default:
		return resp.Body
	}
}

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (d *decodedBody) Close() error {
	var first error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

// IsTimeout reports whether err represents a socket or connect timeout for
// the attempt.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
