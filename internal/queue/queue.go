// Package queue implements the request pipeline core: a priority request
// scheduler with in-flight coalescing, a cache dispatch stage, a pool of
// network dispatch workers with retry and redirect handling, and ordered
// response delivery on a caller-chosen executor.
package queue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jayclf/Volley/internal/bufpool"
	"github.com/jayclf/Volley/internal/cache"
	"github.com/jayclf/Volley/internal/transport"
	"github.com/jayclf/Volley/pkg/types"
)

// DefaultNetworkWorkers is the number of concurrent network dispatchers
// unless configured otherwise.
const DefaultNetworkWorkers = 4

// Default byte-buffer pool budget used while assembling response bodies.
const defaultPoolBytes = 4096

// FinishedListener is notified once per request when it finishes.
type FinishedListener interface {
	OnRequestFinished(req *Request)
}

// RequestFilter selects requests for batch cancellation.
type RequestFilter func(req *Request) bool

// Options configures a RequestQueue.
type Options struct {
	// Cache stores responses; required.
	Cache cache.Cache

	// Transport executes HTTP exchanges; required.
	Transport transport.Transport

	// Workers is the network worker count; 0 selects the default of 4.
	Workers int

	// Delivery overrides response delivery entirely. When nil, an
	// ExecutorDelivery over Executor (or an owned SerialExecutor) is used.
	Delivery ResponseDelivery

	// Executor receives delivery tasks when Delivery is nil.
	Executor Executor

	// Limiter, when set, throttles network attempts per host.
	Limiter *transport.HostLimiter

	// PoolBytes bounds the body-assembly buffer pool; 0 selects a small
	// default.
	PoolBytes int

	// Logger receives pipeline diagnostics; nil discards them.
	Logger *slog.Logger
}

// RequestQueue owns the dispatch queues and worker lifecycles. Add may be
// called from any goroutine, before or after Start.
type RequestQueue struct {
	cache     cache.Cache
	transport transport.Transport
	delivery  ResponseDelivery
	limiter   *transport.HostLimiter
	pool      *bufpool.Pool
	log       *slog.Logger
	workers   int

	seq atomic.Int64

	currentMu sync.Mutex
	current   map[*Request]struct{}

	// waiting maps a cache key with a request in flight to its queued
	// followers; a key present with a nil slice means "in flight, no
	// followers yet".
	waitingMu sync.Mutex
	waiting   map[string][]*Request

	cacheQueue   *blockingQueue
	networkQueue *blockingQueue

	listenersMu sync.Mutex
	listeners   []FinishedListener

	runMu       sync.Mutex
	running     bool
	stopWorkers context.CancelFunc
	workerWG    sync.WaitGroup
	ownExecutor *SerialExecutor
	executor    Executor
}

// New builds a stopped RequestQueue. Requests added before Start wait in
// the dispatch queues until Start launches the dispatchers.
func New(opts Options) *RequestQueue {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultNetworkWorkers
	}
	poolBytes := opts.PoolBytes
	if poolBytes <= 0 {
		poolBytes = defaultPoolBytes
	}

	q := &RequestQueue{
		cache:        opts.Cache,
		transport:    opts.Transport,
		delivery:     opts.Delivery,
		limiter:      opts.Limiter,
		pool:         bufpool.New(poolBytes),
		log:          logger,
		workers:      workers,
		current:      make(map[*Request]struct{}),
		waiting:      make(map[string][]*Request),
		cacheQueue:   newBlockingQueue(),
		networkQueue: newBlockingQueue(),
		executor:     opts.Executor,
	}
	return q
}

// Start launches the cache dispatcher and the network workers, stopping any
// previous generation first. Queued requests survive a stop/start cycle.
func (q *RequestQueue) Start() {
	q.Stop()

	q.runMu.Lock()
	defer q.runMu.Unlock()

	if q.delivery == nil {
		executor := q.executor
		if executor == nil {
			q.ownExecutor = NewSerialExecutor(0)
			executor = q.ownExecutor
		}
		q.delivery = NewExecutorDelivery(executor)
	}

	q.cacheQueue.reopen()
	q.networkQueue.reopen()

	ctx, cancel := context.WithCancel(context.Background())
	q.stopWorkers = cancel

	cd := &cacheDispatcher{
		cacheQueue:   q.cacheQueue,
		networkQueue: q.networkQueue,
		cache:        q.cache,
		delivery:     q.delivery,
		log:          q.log,
	}
	q.workerWG.Add(1)
	go func() {
		defer q.workerWG.Done()
		cd.run()
	}()

	fetcher := &networkFetcher{
		transport: q.transport,
		pool:      q.pool,
		limiter:   q.limiter,
		log:       q.log,
	}
	for i := 0; i < q.workers; i++ {
		nd := &networkDispatcher{
			queue:    q.networkQueue,
			fetcher:  fetcher,
			cache:    q.cache,
			delivery: q.delivery,
			log:      q.log,
			ctx:      ctx,
		}
		q.workerWG.Add(1)
		go func() {
			defer q.workerWG.Done()
			nd.run()
		}()
	}
	q.running = true
}

// Stop shuts down the dispatchers, waking any blocked queue takes and
// canceling in-flight transport attempts. Idempotent.
func (q *RequestQueue) Stop() {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if !q.running {
		return
	}
	q.running = false

	q.cacheQueue.Close()
	q.networkQueue.Close()
	if q.stopWorkers != nil {
		q.stopWorkers()
	}
	q.workerWG.Wait()

	if q.ownExecutor != nil {
		q.ownExecutor.Close()
		q.ownExecutor = nil
		q.delivery = nil
	}
}

// Add admits a request: it is bound to this queue, sequenced, and routed to
// the cache stage, the network stage, or the coalescing holding area.
func (q *RequestQueue) Add(req *Request) *Request {
	req.setQueue(q)
	q.currentMu.Lock()
	q.current[req] = struct{}{}
	q.currentMu.Unlock()

	req.setSequence(q.seq.Add(1))

	if req.adminClear {
		q.cacheQueue.Put(req)
		return req
	}

	// Uncacheable requests cannot coalesce; straight to the network.
	if !req.ShouldCache() {
		q.networkQueue.Put(req)
		return req
	}

	key := req.CacheKey()
	q.waitingMu.Lock()
	if followers, inFlight := q.waiting[key]; inFlight {
		q.waiting[key] = append(followers, req)
		q.waitingMu.Unlock()
		q.log.Debug("request coalesced behind in-flight twin", "key", key)
		return req
	}
	q.waiting[key] = nil
	q.waitingMu.Unlock()

	q.cacheQueue.Put(req)
	return req
}

// finish is invoked (exactly once) by Request.finish.
func (q *RequestQueue) finish(req *Request, tag string) {
	q.currentMu.Lock()
	delete(q.current, req)
	q.currentMu.Unlock()

	q.listenersMu.Lock()
	listeners := make([]FinishedListener, len(q.listeners))
	copy(listeners, q.listeners)
	q.listenersMu.Unlock()
	for _, l := range listeners {
		l.OnRequestFinished(req)
	}

	q.log.Debug("request finished", "url", req.OriginURL(), "tag", tag)

	if !req.ShouldCache() {
		return
	}

	// Release any coalesced followers onto the cache stage so they can
	// reuse the entry this request installed.
	key := req.CacheKey()
	q.waitingMu.Lock()
	followers, had := q.waiting[key]
	if had {
		delete(q.waiting, key)
	}
	q.waitingMu.Unlock()
	if len(followers) > 0 {
		q.log.Debug("releasing coalesced requests", "key", key, "count", len(followers))
		for _, follower := range followers {
			q.cacheQueue.Put(follower)
		}
	}
}

// CancelAll cancels every tracked request matched by filter.
func (q *RequestQueue) CancelAll(filter RequestFilter) {
	q.currentMu.Lock()
	defer q.currentMu.Unlock()
	for req := range q.current {
		if filter(req) {
			req.Cancel()
		}
	}
}

// CancelAllWithTag cancels every tracked request carrying tag (compared
// with ==, so pointer tags match by identity and string tags by value). A
// nil tag is a programming error.
func (q *RequestQueue) CancelAllWithTag(tag any) {
	if tag == nil {
		panic("queue: CancelAllWithTag requires a non-nil tag")
	}
	q.CancelAll(func(req *Request) bool {
		return req.Tag() == tag
	})
}

// ClearCache empties the cache from the cache dispatcher's goroutine so the
// wipe serializes with other cache work. The optional callback runs on the
// delivery executor once the cache is empty.
func (q *RequestQueue) ClearCache(callback func()) {
	req := NewRequest(MethodGet, "", &clearCacheHandler{callback: callback})
	req.SetPriority(PriorityImmediate)
	req.SetShouldCache(false)
	req.adminClear = true
	q.Add(req)
}

// AddFinishedListener registers a listener notified on every finish.
func (q *RequestQueue) AddFinishedListener(l FinishedListener) {
	q.listenersMu.Lock()
	q.listeners = append(q.listeners, l)
	q.listenersMu.Unlock()
}

// RemoveFinishedListener unregisters l; unknown listeners are ignored.
func (q *RequestQueue) RemoveFinishedListener(l FinishedListener) {
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()
	for i, existing := range q.listeners {
		if existing == l {
			q.listeners = append(q.listeners[:i], q.listeners[i+1:]...)
			return
		}
	}
}

// Cache exposes the queue's cache instance.
func (q *RequestQueue) Cache() cache.Cache { return q.cache }

// clearCacheHandler carries the ClearCache callback through the normal
// delivery path.
type clearCacheHandler struct {
	callback func()
}

func (h *clearCacheHandler) ParseResponse(_ *types.NetworkResponse) *Response {
	return NewResponse(nil, nil)
}

func (h *clearCacheHandler) ParseError(err error) error { return err }

func (h *clearCacheHandler) DeliverResponse(any) {
	if h.callback != nil {
		h.callback()
	}
}

func (h *clearCacheHandler) DeliverError(error) {}
