package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/khanhnv2901/urlinspect/internal/inspector"
	ierr "github.com/khanhnv2901/urlinspect/internal/shared/errors"
)

// fakeService records the last call and returns canned results.
type fakeService struct {
	lastURL  string
	lastURLs []string
	lastTier string
	lastOpts inspector.Options
	report   *inspector.Report
	outcome  *inspector.BatchOutcome
	runErr   error
	batchErr error
}

func (f *fakeService) Run(ctx context.Context, identity, tier, rawURL string, opts inspector.Options) (*inspector.Report, error) {
	f.lastURL = rawURL
	f.lastTier = tier
	f.lastOpts = opts
	if f.runErr != nil {
		return nil, f.runErr
	}
	if f.report != nil {
		return f.report, nil
	}
	return &inspector.Report{URL: rawURL, Success: true, HTTPStatus: 200}, nil
}

func (f *fakeService) RunBatch(ctx context.Context, identity, tier string, urls []string, opts inspector.Options) (*inspector.BatchOutcome, error) {
	f.lastURLs = urls
	f.lastTier = tier
	f.lastOpts = opts
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	if f.outcome != nil {
		return f.outcome, nil
	}
	reports := make([]*inspector.Report, len(urls))
	for i, u := range urls {
		reports[i] = &inspector.Report{URL: u, Success: true, HTTPStatus: 200}
	}
	return &inspector.BatchOutcome{Reports: reports, Processed: len(urls)}, nil
}

func newTestServer(svc *fakeService) *Server {
	return NewServer(Config{
		Service: svc,
		Logger:  zap.NewNop(),
		Version: "test",
	})
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestInspectGetRequiresURL(t *testing.T) {
	srv := newTestServer(&fakeService{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/inspect", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestInspectGetEnvelope(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(svc)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/inspect?url=https://example.org", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if !env.Success || env.TotalProcessed != 1 || len(env.Results) != 1 {
		t.Errorf("envelope = %+v", env)
	}
	if env.RequestID == "" || env.ScanID == "" {
		t.Error("envelope missing request or scan id")
	}
	if rec.Header().Get("X-Request-ID") != env.RequestID {
		t.Error("request id header and envelope disagree")
	}
	if svc.lastURL != "https://example.org" {
		t.Errorf("service saw url %q", svc.lastURL)
	}
	if svc.lastTier != "free" {
		t.Errorf("tier = %q, want free default", svc.lastTier)
	}
}

func TestInspectGetFeatureFlags(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(svc)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/api/inspect?url=https://example.org&dns=false&whois=false&timeout=8000&tls=true&geo=1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	opts := svc.lastOpts
	if !opts.SkipDNS || !opts.SkipWhois {
		t.Errorf("flags with value false not skipped: %+v", opts)
	}
	// Anything except the literal "false" keeps the subsystem enabled.
	if opts.SkipTLS || opts.SkipGeo || opts.SkipCT || opts.SkipAnalysis {
		t.Errorf("enabled flags wrongly skipped: %+v", opts)
	}
	if opts.Timeout != 8*time.Second {
		t.Errorf("Timeout = %v", opts.Timeout)
	}
}

func TestInspectGetSecurityRejection(t *testing.T) {
	svc := &fakeService{runErr: ierr.Security("address 10.0.0.5 is in a private or reserved range")}
	srv := newTestServer(svc)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/inspect?url=http://10.0.0.5/", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.5") {
		t.Errorf("response leaked the address: %s", rec.Body.String())
	}
}

func TestInspectGetQuotaRejection(t *testing.T) {
	svc := &fakeService{runErr: ierr.RateLimit("burst limit exceeded, slow down", 7*time.Second)}
	srv := newTestServer(svc)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/inspect?url=https://example.org", nil))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "7" {
		t.Errorf("Retry-After = %q, want 7", got)
	}
}

func TestInspectPostBatch(t *testing.T) {
	svc := &fakeService{
		outcome: &inspector.BatchOutcome{
			Reports: []*inspector.Report{
				{URL: "https://a.example.org", Success: true, HTTPStatus: 200},
				{URL: "http://127.0.0.1/", Success: false, Error: "blocked"},
			},
			Errors:    []inspector.ItemError{{Index: 1, URL: "http://127.0.0.1/", Reason: "blocked"}},
			Processed: 2,
		},
	}
	srv := newTestServer(svc)
	body := `{"urls":["https://a.example.org","http://127.0.0.1/"],"dns":false,"timeout_ms":6000}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/inspect", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if env.Summary == nil || env.Summary.TotalURLs != 2 ||
		env.Summary.SuccessfulScans != 1 || env.Summary.FailedScans != 1 {
		t.Errorf("Summary = %+v", env.Summary)
	}
	if len(env.Errors) != 1 {
		t.Errorf("Errors = %+v", env.Errors)
	}
	if !svc.lastOpts.SkipDNS || svc.lastOpts.Timeout != 6*time.Second {
		t.Errorf("opts = %+v", svc.lastOpts)
	}
}

func TestInspectPostSingleURLField(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(svc)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/inspect",
		strings.NewReader(`{"url":"https://example.org"}`))
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(svc.lastURLs) != 1 || svc.lastURLs[0] != "https://example.org" {
		t.Errorf("urls = %v", svc.lastURLs)
	}
}

func TestInspectPostBadBody(t *testing.T) {
	srv := newTestServer(&fakeService{})
	tests := []string{
		`not json`,
		`{"urls":[]}`,
		`{}`,
	}
	for _, body := range tests {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/inspect", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestInspectMethodNotAllowed(t *testing.T) {
	srv := newTestServer(&fakeService{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/inspect", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestTierHeaderForwarded(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(svc)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/inspect?url=https://example.org", nil)
	req.Header.Set("X-Tier", "premium")
	srv.ServeHTTP(rec, req)

	if svc.lastTier != "premium" {
		t.Errorf("tier = %q", svc.lastTier)
	}
}

func TestAuthToken(t *testing.T) {
	srv := NewServer(Config{
		Service:   &fakeService{},
		AuthToken: "sekrit",
		Logger:    zap.NewNop(),
	})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/inspect?url=https://example.org", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/inspect?url=https://example.org", nil)
	req.Header.Set("X-Auth-Token", "sekrit")
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with token = %d, want 200", rec.Code)
	}

	// Health stays open for probes.
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200 without auth", rec.Code)
	}
}

func TestTransportRateLimit(t *testing.T) {
	srv := NewServer(Config{
		Service:   &fakeService{},
		Logger:    zap.NewNop(),
		RateLimit: 1,
		RateBurst: 2,
	})

	var saw429 bool
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.RemoteAddr = "198.51.100.7:1234"
		srv.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			saw429 = true
		}
	}
	if !saw429 {
		t.Error("burst of requests never hit the transport rate limit")
	}

	// A different client keeps its own bucket.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.RemoteAddr = "198.51.100.8:1234"
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("fresh client status = %d, want 200", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(&fakeService{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/inspect", nil)
	req.Header.Set("Origin", "https://dashboard.example.org")
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("preflight missing CORS headers")
	}
}

func TestStatusAndMetrics(t *testing.T) {
	srv := newTestServer(&fakeService{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", rec.Code)
	}
	var status map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status["version"] != "test" {
		t.Errorf("version = %v", status["version"])
	}

	// Drive one scan so the counters move.
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/inspect?url=https://example.org", nil))

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	var metrics map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&metrics); err != nil {
		t.Fatal(err)
	}
	if metrics["scans_total"].(float64) < 1 {
		t.Errorf("scans_total = %v", metrics["scans_total"])
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote    string
		forwarded string
		want      string
	}{
		{"192.0.2.1:5000", "", "192.0.2.1"},
		{"192.0.2.1:5000", "203.0.113.9", "203.0.113.9"},
		{"192.0.2.1:5000", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remote
		if tt.forwarded != "" {
			r.Header.Set("X-Forwarded-For", tt.forwarded)
		}
		if got := clientIP(r); got != tt.want {
			t.Errorf("clientIP(%q, %q) = %q, want %q", tt.remote, tt.forwarded, got, tt.want)
		}
	}
}
