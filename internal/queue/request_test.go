package queue

import (
	"testing"

	"github.com/jayclf/Volley/pkg/types"
)

type nopHandler struct{}

func (nopHandler) ParseResponse(resp *types.NetworkResponse) *Response {
	return NewResponse(string(resp.Data), nil)
}
func (nopHandler) ParseError(err error) error { return err }
func (nopHandler) DeliverResponse(any)        {}
func (nopHandler) DeliverError(error)         {}

func TestCacheKeyDefault(t *testing.T) {
	r := NewRequest(MethodGet, "http://example.com/a", nopHandler{})
	if got := r.CacheKey(); got != "GET:http://example.com/a" {
		t.Fatalf("cache key: %q", got)
	}
	r.SetCacheKey("custom")
	if got := r.CacheKey(); got != "custom" {
		t.Fatalf("overridden cache key: %q", got)
	}
}

func TestURLFollowsRedirect(t *testing.T) {
	r := NewRequest(MethodGet, "http://example.com/a", nopHandler{})
	if r.URL() != "http://example.com/a" {
		t.Fatalf("url: %q", r.URL())
	}
	r.SetRedirectURL("http://example.com/b")
	if r.URL() != "http://example.com/b" {
		t.Fatalf("url after redirect: %q", r.URL())
	}
	if r.OriginURL() != "http://example.com/a" {
		t.Fatalf("origin url must not change: %q", r.OriginURL())
	}
}

func TestHTTPMethodLegacyResolution(t *testing.T) {
	r := NewRequest(MethodGetOrPost, "http://example.com", nopHandler{})
	if got := r.HTTPMethod(); got != MethodGet {
		t.Fatalf("bodyless legacy method should be GET, got %q", got)
	}
	r.SetBody([]byte("a=1"), "application/x-www-form-urlencoded")
	if got := r.HTTPMethod(); got != MethodPost {
		t.Fatalf("legacy method with body should be POST, got %q", got)
	}
	if got := NewRequest(MethodDelete, "u", nopHandler{}).HTTPMethod(); got != MethodDelete {
		t.Fatalf("explicit methods pass through, got %q", got)
	}
}

func TestSequencePanicsBeforeAssignment(t *testing.T) {
	r := NewRequest(MethodGet, "http://example.com", nopHandler{})
	defer func() {
		if recover() == nil {
			t.Fatal("Sequence before assignment must panic")
		}
	}()
	r.Sequence()
}

func TestOrderingPriorityThenSequence(t *testing.T) {
	mk := func(p Priority, seq int64) *Request {
		r := NewRequest(MethodGet, "u", nopHandler{})
		r.SetPriority(p)
		r.setSequence(seq)
		return r
	}
	high := mk(PriorityHigh, 10)
	low := mk(PriorityLow, 1)
	normalOld := mk(PriorityNormal, 2)
	normalNew := mk(PriorityNormal, 3)

	if !high.less(low) {
		t.Fatal("higher priority must order first regardless of sequence")
	}
	if !normalOld.less(normalNew) {
		t.Fatal("equal priority must order by sequence")
	}
	if normalNew.less(normalOld) {
		t.Fatal("ordering must be asymmetric")
	}
}

func TestIdentifiersAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewRequest(MethodGet, "http://example.com", nopHandler{}).Identifier()
		if seen[id] {
			t.Fatalf("duplicate identifier %q", id)
		}
		seen[id] = true
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	r := NewRequest(MethodGet, "u", nopHandler{})
	if r.IsCanceled() {
		t.Fatal("fresh request must not be canceled")
	}
	r.Cancel()
	r.Cancel()
	if !r.IsCanceled() {
		t.Fatal("canceled flag lost")
	}
}

func TestBlockingQueueOrdersTakes(t *testing.T) {
	q := newBlockingQueue()
	mk := func(p Priority, seq int64) *Request {
		r := NewRequest(MethodGet, "u", nopHandler{})
		r.SetPriority(p)
		r.setSequence(seq)
		return r
	}
	first := mk(PriorityNormal, 1)
	second := mk(PriorityNormal, 2)
	urgent := mk(PriorityImmediate, 3)

	q.Put(first)
	q.Put(second)
	q.Put(urgent)

	wantOrder := []*Request{urgent, first, second}
	for i, want := range wantOrder {
		got, ok := q.Take()
		if !ok {
			t.Fatalf("take %d: queue closed", i)
		}
		if got != want {
			t.Fatalf("take %d: wrong request (seq %d)", i, got.Sequence())
		}
	}
}

func TestBlockingQueueCloseWakesAndPreserves(t *testing.T) {
	q := newBlockingQueue()
	done := make(chan bool)
	go func() {
		_, ok := q.Take()
		done <- ok
	}()
	q.Close()
	if ok := <-done; ok {
		t.Fatal("take on closed queue should report closed")
	}

	r := NewRequest(MethodGet, "u", nopHandler{})
	r.setSequence(1)
	q.Put(r)
	q.reopen()
	if got, ok := q.Take(); !ok || got != r {
		t.Fatal("queued request should survive close/reopen")
	}
}
