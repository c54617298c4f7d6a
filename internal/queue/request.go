package queue

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jayclf/Volley/internal/cache"
	"github.com/jayclf/Volley/pkg/types"
)

// HTTP methods understood by the pipeline. MethodGetOrPost is the legacy
// unspecified method: it resolves to POST when a body is present and GET
// otherwise.
const (
	MethodGet       = "GET"
	MethodPost      = "POST"
	MethodPut       = "PUT"
	MethodDelete    = "DELETE"
	MethodHead      = "HEAD"
	MethodOptions   = "OPTIONS"
	MethodTrace     = "TRACE"
	MethodPatch     = "PATCH"
	MethodGetOrPost = "GET_OR_POST"
)

// Priority orders requests within the dispatch queues.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityImmediate
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityImmediate:
		return "IMMEDIATE"
	default:
		return "UNKNOWN"
	}
}

var identifierCounter atomic.Int64

// Request describes one logical HTTP request moving through the pipeline.
// The descriptor fields (method, URL, headers, body) are set before Add and
// not mutated afterwards; lifecycle state is owned by the queue and the
// stage currently holding the request.
type Request struct {
	method      string
	url         string
	identifier  string
	headers     map[string]string
	body        []byte
	contentType string

	handler     Handler
	retryPolicy RetryPolicy
	priority    Priority
	shouldCache bool
	tag         any
	cacheKey    string

	// adminClear routes the request straight to the cache dispatcher,
	// which clears the cache instead of reading it.
	adminClear bool

	mu          sync.Mutex
	redirectURL string
	cacheEntry  *cache.Entry
	queue       *RequestQueue
	seq         int64
	seqSet      bool

	canceled  atomic.Bool
	delivered atomic.Bool
	finished  atomic.Bool
}

// NewRequest creates a request for method and url whose results are routed
// through handler. The zero configuration is a cacheable, normal-priority
// request with the default retry policy.
func NewRequest(method, url string, handler Handler) *Request {
	return &Request{
		method:      method,
		url:         url,
		identifier:  newIdentifier(method, url),
		handler:     handler,
		retryPolicy: NewDefaultRetryPolicy(),
		priority:    PriorityNormal,
		shouldCache: true,
	}
}

// newIdentifier derives a unique id from the request coordinates, the
// wall clock, and a process-wide counter.
func newIdentifier(method, url string) string {
	seed := fmt.Sprintf("Request:%s:%s:%d:%d",
		method, url, time.Now().UnixMilli(), identifierCounter.Add(1)-1)
	sum := sha1.Sum([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// Identifier returns the request's unique id.
func (r *Request) Identifier() string { return r.identifier }

// Method returns the request method as given, legacy value included.
func (r *Request) Method() string { return r.method }

// HTTPMethod resolves the method actually sent on the wire.
func (r *Request) HTTPMethod() string {
	if r.method == MethodGetOrPost {
		if len(r.body) > 0 {
			return MethodPost
		}
		return MethodGet
	}
	return r.method
}

// URL returns the effective URL: the redirect target once one has been
// set, otherwise the original URL.
func (r *Request) URL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.redirectURL != "" {
		return r.redirectURL
	}
	return r.url
}

// OriginURL always returns the URL the request was created with.
func (r *Request) OriginURL() string { return r.url }

// SetRedirectURL records the target of a 3xx response; subsequent attempts
// go there.
func (r *Request) SetRedirectURL(url string) {
	r.mu.Lock()
	r.redirectURL = url
	r.mu.Unlock()
}

// CacheKey identifies the cached resource for this request.
func (r *Request) CacheKey() string {
	if r.cacheKey != "" {
		return r.cacheKey
	}
	return r.method + ":" + r.url
}

// SetCacheKey overrides the default method:url cache key.
func (r *Request) SetCacheKey(key string) *Request {
	r.cacheKey = key
	return r
}

// SetHeaders sets extra request headers.
func (r *Request) SetHeaders(h map[string]string) *Request {
	r.headers = h
	return r
}

// Headers returns the extra request headers, possibly nil.
func (r *Request) Headers() map[string]string { return r.headers }

// SetBody sets the request body and its content type.
func (r *Request) SetBody(body []byte, contentType string) *Request {
	r.body = body
	r.contentType = contentType
	return r
}

// Body returns the buffered request body.
func (r *Request) Body() []byte { return r.body }

// ContentType returns the body content type.
func (r *Request) ContentType() string { return r.contentType }

// SetPriority sets the dispatch priority.
func (r *Request) SetPriority(p Priority) *Request {
	r.priority = p
	return r
}

// Priority returns the dispatch priority.
func (r *Request) Priority() Priority { return r.priority }

// SetShouldCache controls whether responses are cached and whether the
// request is eligible for coalescing.
func (r *Request) SetShouldCache(should bool) *Request {
	r.shouldCache = should
	return r
}

// ShouldCache reports whether responses to this request may be cached.
func (r *Request) ShouldCache() bool { return r.shouldCache }

// SetTag attaches an opaque token used for batch cancellation.
func (r *Request) SetTag(tag any) *Request {
	r.tag = tag
	return r
}

// Tag returns the cancellation tag.
func (r *Request) Tag() any { return r.tag }

// SetRetryPolicy replaces the retry policy.
func (r *Request) SetRetryPolicy(p RetryPolicy) *Request {
	r.retryPolicy = p
	return r
}

// RetryPolicy returns the retry policy.
func (r *Request) RetryPolicy() RetryPolicy { return r.retryPolicy }

// Timeout returns the current per-attempt timeout, delegated to the retry
// policy.
func (r *Request) Timeout() time.Duration {
	return r.retryPolicy.CurrentTimeout()
}

// Cancel flags the request. Dispatchers and the delivery stage observe the
// flag; no further user callback fires once it has been seen at delivery.
// Idempotent and non-blocking.
func (r *Request) Cancel() { r.canceled.Store(true) }

// IsCanceled reports whether Cancel has been called.
func (r *Request) IsCanceled() bool { return r.canceled.Load() }

func (r *Request) markDelivered() { r.delivered.Store(true) }

// HasResponseDelivered reports whether a response has been posted for this
// request.
func (r *Request) HasResponseDelivered() bool { return r.delivered.Load() }

// SetCacheEntry attaches the stored entry consulted for revalidation.
func (r *Request) SetCacheEntry(e *cache.Entry) {
	r.mu.Lock()
	r.cacheEntry = e
	r.mu.Unlock()
}

// CacheEntry returns the attached cache entry, if any.
func (r *Request) CacheEntry() *cache.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cacheEntry
}

func (r *Request) setQueue(q *RequestQueue) {
	r.mu.Lock()
	r.queue = q
	r.mu.Unlock()
}

func (r *Request) setSequence(seq int64) {
	r.mu.Lock()
	r.seq = seq
	r.seqSet = true
	r.mu.Unlock()
}

// Sequence returns the queue-assigned sequence number. It panics when read
// before the request has been added to a queue; that is a programming
// error, not a runtime condition.
func (r *Request) Sequence() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.seqSet {
		panic("queue: Sequence read before the request was added to a queue")
	}
	return r.seq
}

// less orders requests priority-major (higher first), sequence-minor
// (earlier first).
func (r *Request) less(other *Request) bool {
	if r.priority != other.priority {
		return r.priority > other.priority
	}
	return r.seq < other.seq
}

// finish marks the request complete exactly once, releasing it from its
// queue and dropping the handler so listener chains are not retained.
func (r *Request) finish(tag string) {
	if !r.finished.CompareAndSwap(false, true) {
		return
	}
	r.mu.Lock()
	q := r.queue
	r.mu.Unlock()
	if q != nil {
		q.finish(r, tag)
	}
	r.mu.Lock()
	r.handler = nil
	r.mu.Unlock()
}

func (r *Request) currentHandler() Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler
}

// parseResponse runs the handler's parser, converting a panic into an
// error-variant response so one bad parser cannot kill a dispatcher.
func (r *Request) parseResponse(raw *types.NetworkResponse) (resp *Response) {
	h := r.currentHandler()
	if h == nil {
		return NewErrorResponse(&pipelineError{message: "request already finished"})
	}
	defer func() {
		if rec := recover(); rec != nil {
			resp = NewErrorResponse(NewParseError(fmt.Errorf("parser panic: %v", rec)))
		}
	}()
	return h.ParseResponse(raw)
}

// parseError runs the handler's error hook, defaulting to identity.
func (r *Request) parseError(err error) error {
	h := r.currentHandler()
	if h == nil {
		return err
	}
	if refined := h.ParseError(err); refined != nil {
		return refined
	}
	return err
}

func (r *Request) deliverResponse(value any) {
	if h := r.currentHandler(); h != nil {
		h.DeliverResponse(value)
	}
}

func (r *Request) deliverError(err error) {
	if h := r.currentHandler(); h != nil {
		h.DeliverError(err)
	}
}

func (r *Request) String() string {
	mark := "[ ]"
	if r.IsCanceled() {
		mark = "[X]"
	}
	seq := "-"
	r.mu.Lock()
	if r.seqSet {
		seq = strconv.FormatInt(r.seq, 10)
	}
	r.mu.Unlock()
	return mark + " " + r.URL() + " " + r.priority.String() + " " + seq
}
