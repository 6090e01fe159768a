package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/khanhnv2901/urlinspect/internal/config"
	"github.com/khanhnv2901/urlinspect/internal/shared/constants"
	ierr "github.com/khanhnv2901/urlinspect/internal/shared/errors"
)

func testClient() *Client {
	cfg := config.Default().Fetcher
	cfg.RetryDelay = time.Millisecond
	cfg.ChallengeBackoff = time.Millisecond
	return New(cfg, zap.NewNop())
}

func TestFetchSimpleGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); !strings.Contains(got, "urlinspect") {
			t.Errorf("User-Agent = %q", got)
		}
		w.Header().Set("X-Test", "yes")
		fmt.Fprint(w, "<html><body>hello</body></html>")
	}))
	defer srv.Close()

	c := testClient()
	res, err := c.Fetch(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Errorf("Status = %d", res.Status)
	}
	if res.FinalURL != srv.URL {
		t.Errorf("FinalURL = %q, want %q", res.FinalURL, srv.URL)
	}
	if len(res.RedirectChain) != 0 {
		t.Errorf("RedirectChain = %v, want empty", res.RedirectChain)
	}
	if res.Headers.Get("X-Test") != "yes" {
		t.Error("response headers not captured")
	}
	if !strings.Contains(string(res.Body), "hello") {
		t.Error("body not captured")
	}
	if res.Latency < 0 {
		t.Error("negative latency")
	}
}

func TestFetchRecordsRedirectChain(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "done")
	})

	c := testClient()
	res, err := c.Fetch(context.Background(), srv.URL+"/a", Options{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.RedirectChain) != 2 {
		t.Fatalf("RedirectChain has %d hops, want 2", len(res.RedirectChain))
	}
	first := res.RedirectChain[0]
	if first.From != srv.URL+"/a" || first.To != srv.URL+"/b" || first.Status != http.StatusMovedPermanently {
		t.Errorf("hop 0 = %+v", first)
	}
	if res.FinalURL != srv.URL+"/final" {
		t.Errorf("FinalURL = %q", res.FinalURL)
	}
	if string(res.Body) != "done" {
		t.Errorf("Body = %q", res.Body)
	}
}

func TestFetchRedirectLoopHitsCap(t *testing.T) {
	var hops int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hops, 1)
		http.Redirect(w, r, fmt.Sprintf("/loop/%d", n), http.StatusFound)
	}))
	defer srv.Close()

	c := testClient()
	_, err := c.Fetch(context.Background(), srv.URL, Options{})
	if err == nil {
		t.Fatal("Fetch succeeded on a redirect loop")
	}
	if !errors.Is(err, ierr.ErrTooManyRedirects) {
		t.Errorf("err = %v, want ErrTooManyRedirects", err)
	}
	ie, ok := ierr.AsInspection(err)
	if !ok || ie.Kind != ierr.KindNetwork {
		t.Errorf("kind = %v, want %s", err, ierr.KindNetwork)
	}
}

func TestFetchBodyCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, constants.MaxBodyBytes+4096))
	}))
	defer srv.Close()

	c := testClient()
	res, err := c.Fetch(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Body) != constants.MaxBodyBytes {
		t.Errorf("len(Body) = %d, want %d", len(res.Body), constants.MaxBodyBytes)
	}
	if !res.Truncated {
		t.Error("Truncated = false for an oversized body")
	}
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			// Drop the connection without a response.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("server does not support hijacking")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("hijack: %v", err)
			}
			conn.Close()
			return
		}
		fmt.Fprint(w, "recovered")
	}))
	defer srv.Close()

	c := testClient()
	res, err := c.Fetch(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("Fetch after transient failures: %v", err)
	}
	if string(res.Body) != "recovered" {
		t.Errorf("Body = %q", res.Body)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestFetchGivesUpAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj := w.(http.Hijacker)
		conn, _, _ := hj.Hijack()
		conn.Close()
	}))
	defer srv.Close()

	c := testClient()
	_, err := c.Fetch(context.Background(), srv.URL, Options{})
	if err == nil {
		t.Fatal("Fetch succeeded against a dead server")
	}
	ie, ok := ierr.AsInspection(err)
	if !ok || ie.Kind != ierr.KindNetwork {
		t.Errorf("err = %v, want %s", err, ierr.KindNetwork)
	}
	if !ie.Recoverable() {
		t.Error("network failure reported as unrecoverable")
	}
}

func TestFetchChallengeBackoffRetriesOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Server", "cloudflare")
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, "Checking your browser before accessing")
			return
		}
		fmt.Fprint(w, "real content")
	}))
	defer srv.Close()

	c := testClient()
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	res, err := c.Fetch(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Status != http.StatusOK || string(res.Body) != "real content" {
		t.Errorf("got status %d body %q after challenge retry", res.Status, res.Body)
	}
	if len(slept) != 1 || slept[0] != time.Millisecond {
		t.Errorf("backoff sleeps = %v, want one challenge backoff", slept)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("server saw %d calls, want 2", got)
	}
}

func TestFetchChallengePersistsReturnsChallengedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cf-Ray", "abc123")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "Just a moment...")
	}))
	defer srv.Close()

	c := testClient()
	c.sleep = func(context.Context, time.Duration) error { return nil }

	res, err := c.Fetch(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	// A persistent challenge is still a response, not an error.
	if res.Status != http.StatusServiceUnavailable {
		t.Errorf("Status = %d", res.Status)
	}
}

func TestFetchHonorsContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := testClient()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Fetch(ctx, srv.URL, Options{})
	if err == nil {
		t.Fatal("Fetch ignored the context deadline")
	}
	ie, ok := ierr.AsInspection(err)
	if !ok || ie.Kind != ierr.KindTimeout {
		t.Errorf("err = %v, want %s", err, ierr.KindTimeout)
	}
}

func TestTransportRecycled(t *testing.T) {
	cfg := config.Default().Fetcher
	cfg.RecycleInterval = time.Minute
	c := New(cfg, zap.NewNop())

	base := time.Now()
	c.now = func() time.Time { return base }
	first := c.httpClient()
	if c.httpClient() != first {
		t.Fatal("client recycled before the interval")
	}
	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if c.httpClient() == first {
		t.Fatal("client not recycled after the interval")
	}
}

func TestIsChallengeRequiresStatusAndMarker(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		want   bool
	}{
		{"plain 403", Result{Status: 403, Headers: http.Header{}}, false},
		{"cloudflare 403", Result{Status: 403, Headers: http.Header{"Server": {"cloudflare"}}}, true},
		{"cf-ray 429", Result{Status: 429, Headers: http.Header{"Cf-Ray": {"x"}}}, true},
		{"body marker 503", Result{Status: 503, Headers: http.Header{}, Body: []byte("Just a moment")}, true},
		{"marker on 200", Result{Status: 200, Headers: http.Header{}, Body: []byte("just a moment")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isChallenge(&tt.result); got != tt.want {
				t.Errorf("isChallenge = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOptionsOverrideHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.Header.Get("Accept"))
	}))
	defer srv.Close()

	c := testClient()
	h := http.Header{}
	h.Set("Accept", "application/dns-json")
	res, err := c.Fetch(context.Background(), srv.URL, Options{Header: h})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(res.Body) != "application/dns-json" {
		t.Errorf("Accept seen by server = %q", res.Body)
	}
}
