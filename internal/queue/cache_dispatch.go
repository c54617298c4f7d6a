package queue

import (
	"log/slog"

	"github.com/jayclf/Volley/internal/cache"
	"github.com/jayclf/Volley/pkg/types"
)

// cacheDispatcher is the single worker draining the cache queue. Fresh hits
// are handed straight to delivery; misses and stale hits move to the
// network queue, the latter with the stored entry attached for
// revalidation.
type cacheDispatcher struct {
	cacheQueue   *blockingQueue
	networkQueue *blockingQueue
	cache        cache.Cache
	delivery     ResponseDelivery
	log          *slog.Logger
}

func (d *cacheDispatcher) run() {
	d.cache.Initialize()

	for {
		req, ok := d.cacheQueue.Take()
		if !ok {
			return
		}
		d.process(req)
	}
}

// process handles one request; unexpected panics are logged and swallowed
// so the dispatcher keeps running.
func (d *cacheDispatcher) process(req *Request) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("cache dispatcher panic", "url", req.OriginURL(), "panic", rec)
		}
	}()

	if req.IsCanceled() {
		req.finish("cache-discard-canceled")
		return
	}

	if req.adminClear {
		d.cache.Clear()
		d.delivery.PostResponse(req, NewResponse(nil, nil))
		return
	}

	entry := d.cache.Get(req.CacheKey())
	if entry == nil {
		d.log.Debug("cache miss", "key", req.CacheKey())
		d.networkQueue.Put(req)
		return
	}

	if entry.IsExpired() {
		d.log.Debug("cache hit expired", "key", req.CacheKey())
		req.SetCacheEntry(entry)
		d.networkQueue.Put(req)
		return
	}

	resp := req.parseResponse(types.NewNetworkResponse(entry.Data, entry.ResponseHeaders))

	if !entry.RefreshNeeded() {
		d.log.Debug("cache hit", "key", req.CacheKey())
		d.delivery.PostResponse(req, resp)
		return
	}

	// Soft-TTL hit: deliver the cached value now, then refresh over the
	// network. The re-enqueue runs after the intermediate delivery so the
	// two responses are observed in order.
	d.log.Debug("cache hit needs refresh", "key", req.CacheKey())
	req.SetCacheEntry(entry)
	resp.Intermediate = true
	d.delivery.PostResponse(req, resp, func() {
		d.networkQueue.Put(req)
	})
}
