package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jayclf/Volley/internal/bufpool"
	"github.com/jayclf/Volley/internal/cache"
	"github.com/jayclf/Volley/internal/transport"
	"github.com/jayclf/Volley/pkg/types"
)

// Requests slower than this are logged even outside debug level.
const slowRequestThreshold = 3 * time.Second

// networkDispatcher is one worker of the network stage pool.
type networkDispatcher struct {
	queue    *blockingQueue
	fetcher  *networkFetcher
	cache    cache.Cache
	delivery ResponseDelivery
	log      *slog.Logger
	ctx      context.Context
}

func (d *networkDispatcher) run() {
	for {
		req, ok := d.queue.Take()
		if !ok {
			return
		}
		d.process(req)
	}
}

func (d *networkDispatcher) process(req *Request) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("network dispatcher panic", "url", req.OriginURL(), "panic", rec)
			err := withNetworkTime(wrapError(fmt.Errorf("internal error: %v", rec)), time.Since(start))
			d.delivery.PostError(req, err)
		}
	}()

	if req.IsCanceled() {
		req.finish("network-discard-cancelled")
		return
	}

	raw, err := d.fetcher.perform(d.ctx, req)
	if err != nil {
		err = withNetworkTime(wrapError(err), time.Since(start))
		d.delivery.PostError(req, req.parseError(err))
		return
	}

	// A 304 whose response was already delivered (the soft-TTL
	// intermediate) carries nothing new for the caller.
	if raw.NotModified && req.HasResponseDelivered() {
		req.finish("not-modified")
		return
	}

	resp := req.parseResponse(raw)

	if req.ShouldCache() && resp.CacheEntry != nil {
		d.cache.Put(req.CacheKey(), resp.CacheEntry)
	}

	req.markDelivered()
	d.delivery.PostResponse(req, resp)
}

// networkFetcher drives one request through the transport, handling
// conditional revalidation, redirects, and the retry policy. Shared by all
// workers.
type networkFetcher struct {
	transport transport.Transport
	pool      *bufpool.Pool
	limiter   *transport.HostLimiter
	log       *slog.Logger
}

func (f *networkFetcher) perform(ctx context.Context, req *Request) (*types.NetworkResponse, error) {
	start := time.Now()

	for {
		if err := f.limiter.WaitURL(ctx, req.URL()); err != nil {
			return nil, newNoConnectionError(err)
		}

		headers := map[string]string{}
		addCacheHeaders(headers, req.CacheEntry())
		for k, v := range req.Headers() {
			headers[k] = v
		}

		httpResp, err := f.transport.Perform(ctx, transport.Plan{
			Method:      req.HTTPMethod(),
			URL:         req.URL(),
			Header:      headers,
			Body:        req.Body(),
			ContentType: req.ContentType(),
			Timeout:     req.Timeout(),
		})
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrBadURL):
				return nil, newBadURLError(err)
			case transport.IsTimeout(err):
				if rerr := f.attemptRetry("timeout", req, newTimeoutError()); rerr != nil {
					return nil, rerr
				}
				continue
			default:
				return nil, newNoConnectionError(err)
			}
		}

		statusCode := httpResp.StatusCode
		respHeaders := httpResp.Headers

		if statusCode == http.StatusNotModified {
			httpResp.Body.Close()
			entry := req.CacheEntry()
			if entry == nil {
				// 304 with nothing stored locally: signal not-modified
				// with the headers we did get.
				return &types.NetworkResponse{
					StatusCode:  statusCode,
					Data:        []byte{},
					Headers:     respHeaders,
					NotModified: true,
					NetworkTime: time.Since(start),
				}, nil
			}
			// A 304 does not repeat every header; layer the fresh ones
			// over the stored set, new values winning.
			for k, v := range respHeaders {
				entry.ResponseHeaders[k] = v
			}
			return &types.NetworkResponse{
				StatusCode:  statusCode,
				Data:        entry.Data,
				Headers:     entry.ResponseHeaders,
				NotModified: true,
				NetworkTime: time.Since(start),
			}, nil
		}

		if statusCode == http.StatusMovedPermanently || statusCode == http.StatusFound {
			req.SetRedirectURL(respHeaders["Location"])
		}

		body, readErr := bufpool.ReadAll(httpResp.Body, httpResp.ContentLength, f.pool)
		httpResp.Body.Close()
		if readErr != nil {
			if transport.IsTimeout(readErr) {
				if rerr := f.attemptRetry("timeout", req, newTimeoutError()); rerr != nil {
					return nil, rerr
				}
				continue
			}
			// Headers arrived but the body could not be read.
			return nil, newNetworkError(readErr)
		}

		elapsed := time.Since(start)
		f.logSlowRequest(req, statusCode, len(body), elapsed)

		if statusCode >= 200 && statusCode <= 299 {
			return &types.NetworkResponse{
				StatusCode:  statusCode,
				Data:        body,
				Headers:     respHeaders,
				NetworkTime: elapsed,
			}, nil
		}

		raw := &types.NetworkResponse{
			StatusCode:  statusCode,
			Data:        body,
			Headers:     respHeaders,
			NetworkTime: elapsed,
		}
		switch {
		case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
			if rerr := f.attemptRetry("auth", req, newAuthFailureError(raw)); rerr != nil {
				return nil, rerr
			}
		case statusCode == http.StatusMovedPermanently || statusCode == http.StatusFound:
			f.log.Debug("request redirected", "from", req.OriginURL(), "to", req.URL())
			if rerr := f.attemptRetry("redirect", req, newRedirectError(raw)); rerr != nil {
				return nil, rerr
			}
		default:
			return nil, newServerError(raw)
		}
	}
}

// attemptRetry consults the request's retry policy; the returned error is
// non-nil once attempts are exhausted.
func (f *networkFetcher) attemptRetry(reason string, req *Request, cause error) error {
	policy := req.RetryPolicy()
	oldTimeout := req.Timeout()
	if err := policy.Retry(cause); err != nil {
		f.log.Debug("retry exhausted", "reason", reason, "url", req.URL(), "timeout", oldTimeout)
		return err
	}
	f.log.Debug("retrying request", "reason", reason, "url", req.URL(), "timeout", oldTimeout)
	return nil
}

func (f *networkFetcher) logSlowRequest(req *Request, status, size int, elapsed time.Duration) {
	if elapsed > slowRequestThreshold {
		f.log.Warn("slow request",
			"url", req.URL(), "lifetime", elapsed, "size", size,
			"status", status, "retries", req.RetryPolicy().CurrentRetryCount())
	}
}

// addCacheHeaders builds the conditional headers for revalidating entry.
func addCacheHeaders(headers map[string]string, entry *cache.Entry) {
	if entry == nil {
		return
	}
	if entry.ETag != "" {
		headers["If-None-Match"] = entry.ETag
	}
	if entry.LastModified > 0 {
		t := time.UnixMilli(entry.LastModified).UTC()
		headers["If-Modified-Since"] = t.Format(http.TimeFormat)
	}
}
