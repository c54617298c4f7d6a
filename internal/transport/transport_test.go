package transport

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func perform(t *testing.T, tr *HTTPTransport, plan Plan) (*Response, []byte) {
	t.Helper()
	resp, err := tr.Perform(context.Background(), plan)
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func newTransport(t *testing.T) *HTTPTransport {
	t.Helper()
	tr, err := NewHTTPTransport(Options{UserAgent: "volley-test/1"})
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestPerformGET(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("X-Marker", "yes")
		io.WriteString(w, "hello")
	}))
	defer srv.Close()

	resp, body := perform(t, newTransport(t), Plan{Method: http.MethodGet, URL: srv.URL})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if string(body) != "hello" {
		t.Fatalf("body: %q", body)
	}
	if resp.Headers["X-Marker"] != "yes" {
		t.Fatalf("headers not flattened: %v", resp.Headers)
	}
	if gotUA != "volley-test/1" {
		t.Fatalf("user agent not sent: %q", gotUA)
	}
}

func TestPerformSendsPlanHeadersAndBody(t *testing.T) {
	var gotCond, gotCT, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCond = r.Header.Get("If-None-Match")
		gotCT = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer srv.Close()

	perform(t, newTransport(t), Plan{
		Method:      http.MethodPost,
		URL:         srv.URL,
		Header:      map[string]string{"If-None-Match": `"tag"`},
		Body:        []byte("a=1"),
		ContentType: "application/x-www-form-urlencoded",
	})
	if gotCond != `"tag"` {
		t.Fatalf("conditional header missing: %q", gotCond)
	}
	if gotCT != "application/x-www-form-urlencoded" {
		t.Fatalf("content type: %q", gotCT)
	}
	if gotBody != "a=1" {
		t.Fatalf("body: %q", gotBody)
	}
}

func TestPerformDecodesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		io.WriteString(gz, "compressed payload")
		gz.Close()
	}))
	defer srv.Close()

	_, body := perform(t, newTransport(t), Plan{Method: http.MethodGet, URL: srv.URL})
	if string(body) != "compressed payload" {
		t.Fatalf("gzip not decoded: %q", body)
	}
}

func TestPerformDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	resp, _ := perform(t, newTransport(t), Plan{Method: http.MethodGet, URL: srv.URL})
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("redirect was followed, status %d", resp.StatusCode)
	}
	if resp.Headers["Location"] != "/elsewhere" {
		t.Fatalf("location header lost: %v", resp.Headers)
	}
}

func TestPerformBadURL(t *testing.T) {
	tr := newTransport(t)
	if _, err := tr.Perform(context.Background(), Plan{Method: http.MethodGet, URL: "ftp://example.com"}); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
	_, err := tr.Perform(context.Background(), Plan{Method: http.MethodGet, URL: "http://exa mple.com/%"})
	if err == nil {
		t.Fatal("expected error for malformed url")
	}
}

func TestPerformTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	tr := newTransport(t)
	_, err := tr.Perform(context.Background(), Plan{
		Method:  http.MethodGet,
		URL:     srv.URL,
		Timeout: 50 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTimeout(err) {
		t.Fatalf("IsTimeout should classify %v", err)
	}
}

func TestProtocolVersion(t *testing.T) {
	v := ProtocolVersion{Protocol: "HTTP", Major: 1, Minor: 1}
	if got := v.ForVersion(1, 1); got != v {
		t.Fatalf("ForVersion should reuse matching version, got %v", got)
	}
	v2 := v.ForVersion(2, 0)
	if v2.Major != 2 || v2.Minor != 0 || v2.Protocol != "HTTP" {
		t.Fatalf("ForVersion built %v", v2)
	}
	if v.CompareTo(v2) >= 0 {
		t.Fatal("HTTP/1.1 should order before HTTP/2.0")
	}
	if v2.String() != "HTTP/2.0" {
		t.Fatalf("String: %q", v2.String())
	}
}

func TestHostLimiterDelay(t *testing.T) {
	hl := NewHostLimiter(60*time.Millisecond, RateLimit{})
	ctx := context.Background()

	if err := hl.Wait(ctx, "example.com"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := hl.Wait(ctx, "example.com"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("second wait returned too fast: %v", elapsed)
	}

	// A different host is not throttled by the first one.
	start = time.Now()
	if err := hl.Wait(ctx, "other.example"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 30*time.Millisecond {
		t.Fatalf("unrelated host throttled: %v", elapsed)
	}
}

func TestHostLimiterCancel(t *testing.T) {
	hl := NewHostLimiter(time.Second, RateLimit{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := hl.Wait(ctx, "example.com"); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := hl.Wait(ctx, "example.com"); err == nil {
		t.Fatal("expected context error")
	}
}

func TestNilLimiterIsNoop(t *testing.T) {
	var hl *HostLimiter
	if err := hl.WaitURL(context.Background(), "http://example.com/x"); err != nil {
		t.Fatal(err)
	}
}
