// Package api exposes the inspection service over HTTP. The surface is a
// stdlib mux behind a middleware chain: request ID, logging, transport rate
// limiting, CORS and optional token auth.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/khanhnv2901/urlinspect/internal/api/middleware"
	"github.com/khanhnv2901/urlinspect/internal/inspector"
	ierr "github.com/khanhnv2901/urlinspect/internal/shared/errors"
)

// maxRequestBody caps POST bodies; a batch of URLs never needs more.
const maxRequestBody = 64 << 10

// Summary aggregates batch outcomes for the envelope.
type Summary struct {
	TotalURLs       int `json:"total_urls"`
	SuccessfulScans int `json:"successful_scans"`
	FailedScans     int `json:"failed_scans"`
}

// Envelope is the standard response wrapper for inspection endpoints.
type Envelope struct {
	Success          bool                  `json:"success"`
	Timestamp        time.Time             `json:"timestamp"`
	RequestID        string                `json:"request_id"`
	ScanID           string                `json:"scan_id,omitempty"`
	Results          []*inspector.Report   `json:"results"`
	TotalProcessed   int                   `json:"total_processed"`
	ProcessingTimeMs int64                 `json:"processing_time_ms"`
	Summary          *Summary              `json:"summary,omitempty"`
	Errors           []inspector.ItemError `json:"errors,omitempty"`
}

// inspectRequest is the POST /api/inspect body. Feature flags follow the
// query-parameter convention: only an explicit false disables a subsystem.
type inspectRequest struct {
	URL       string   `json:"url,omitempty"`
	URLs      []string `json:"urls,omitempty"`
	TimeoutMs int      `json:"timeout_ms,omitempty"`
	TLS       *bool    `json:"tls,omitempty"`
	DNS       *bool    `json:"dns,omitempty"`
	Geo       *bool    `json:"geo,omitempty"`
	Whois     *bool    `json:"whois,omitempty"`
	CT        *bool    `json:"ct,omitempty"`
	Analysis  *bool    `json:"analysis,omitempty"`
}

// InspectionService is the pipeline surface the handlers call into.
type InspectionService interface {
	Run(ctx context.Context, identity, tier, rawURL string, opts inspector.Options) (*inspector.Report, error)
	RunBatch(ctx context.Context, identity, tier string, urls []string, opts inspector.Options) (*inspector.BatchOutcome, error)
}

// Config wires the server's dependencies.
type Config struct {
	Service     InspectionService
	AuthToken   string
	Logger      *zap.Logger
	CORSOrigins []string // Allowed CORS origins (empty = allow all)
	RateLimit   int      // Requests per second per IP (0 = disabled)
	RateBurst   int      // Burst size for rate limiter
	Version     string
}

// Server is the HTTP front of the inspection service.
type Server struct {
	cfg      Config
	mux      *http.ServeMux
	limiters *rateLimiterMap
	started  time.Time

	requestCount atomic.Int64
	scanCount    atomic.Int64
	errorCount   atomic.Int64
}

// NewServer builds the server and registers its routes.
func NewServer(cfg Config) *Server {
	srv := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		limiters: newRateLimiterMap(),
		started:  time.Now(),
	}
	srv.routes()
	return srv
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Middleware chain: RequestID -> Logging -> RateLimit -> CORS -> Handler
	handler := middleware.RequestID(s.withLogging(s.withRateLimit(s.withCORS(s.mux))))
	handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.Handle("/api/inspect", s.withAuth(http.HandlerFunc(s.handleInspect)))
	s.mux.Handle("/api/status", s.withAuth(http.HandlerFunc(s.handleStatus)))
	s.mux.Handle("/api/metrics", s.withAuth(http.HandlerFunc(s.handleMetrics)))
	s.mux.Handle("/api/health", http.HandlerFunc(s.handleHealth))
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	s.requestCount.Add(1)
	switch r.Method {
	case http.MethodGet:
		s.handleInspectGet(w, r)
	case http.MethodPost:
		s.handleInspectPost(w, r)
	default:
		s.methodNotAllowed(w, r)
	}
}

func (s *Server) handleInspectGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rawURL := q.Get("url")
	if rawURL == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("url parameter is required"))
		return
	}

	opts := optionsFromQuery(q)
	identity, tier := s.caller(r)
	start := time.Now()

	report, err := s.cfg.Service.Run(r.Context(), identity, tier, rawURL, opts)
	if err != nil {
		s.writeInspectionError(w, r, err)
		return
	}
	s.scanCount.Add(1)

	writeJSON(w, http.StatusOK, Envelope{
		Success:          true,
		Timestamp:        time.Now().UTC(),
		RequestID:        middleware.GetRequestID(r.Context()),
		ScanID:           uuid.NewString(),
		Results:          []*inspector.Report{report},
		TotalProcessed:   1,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleInspectPost(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req inspectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}

	urls := req.URLs
	if len(urls) == 0 && req.URL != "" {
		urls = []string{req.URL}
	}
	if len(urls) == 0 {
		s.writeError(w, r, http.StatusBadRequest, errors.New("urls must be a non-empty array"))
		return
	}

	opts := optionsFromBody(req)
	identity, tier := s.caller(r)
	start := time.Now()

	outcome, err := s.cfg.Service.RunBatch(r.Context(), identity, tier, urls, opts)
	if err != nil {
		s.writeInspectionError(w, r, err)
		return
	}
	s.scanCount.Add(int64(outcome.Processed))

	summary := &Summary{TotalURLs: outcome.Processed}
	for _, report := range outcome.Reports {
		if report.Success && report.Error == "" {
			summary.SuccessfulScans++
		} else {
			summary.FailedScans++
		}
	}

	writeJSON(w, http.StatusOK, Envelope{
		Success:          true,
		Timestamp:        time.Now().UTC(),
		RequestID:        middleware.GetRequestID(r.Context()),
		ScanID:           uuid.NewString(),
		Results:          outcome.Reports,
		TotalProcessed:   outcome.Processed,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		Summary:          summary,
		Errors:           outcome.Errors,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.cfg.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"features": map[string]bool{
			"tls":      true,
			"dns":      true,
			"geo":      true,
			"whois":    true,
			"ct":       true,
			"analysis": true,
		},
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests_total": s.requestCount.Load(),
		"scans_total":    s.scanCount.Load(),
		"errors_total":   s.errorCount.Load(),
		"rate_limiters":  s.limiters.size(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// caller derives the admission identity and tier for a request. The tier
// header is advisory; unknown values fall back to the free tier inside the
// admission store.
func (s *Server) caller(r *http.Request) (identity, tier string) {
	identity = clientIP(r)
	tier = r.Header.Get("X-Tier")
	if tier == "" {
		tier = "free"
	}
	return identity, tier
}

// writeInspectionError maps the error taxonomy onto HTTP statuses:
// validation and security to 400, quota to 429 with Retry-After, anything
// else to 500.
func (s *Server) writeInspectionError(w http.ResponseWriter, r *http.Request, err error) {
	s.errorCount.Add(1)
	ie, ok := ierr.AsInspection(err)
	if !ok {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	switch ie.Kind {
	case ierr.KindValidation, ierr.KindSecurity:
		s.writeError(w, r, http.StatusBadRequest, errors.New(ierr.Sanitize(ie.Message)))
	case ierr.KindRateLimit:
		retryAfter := int(ie.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.writeError(w, r, http.StatusTooManyRequests, errors.New(ie.Message))
	default:
		s.writeError(w, r, http.StatusInternalServerError, err)
	}
}

// optionsFromQuery reads the feature flags and timeout. Flags default on;
// only the literal string "false" disables a subsystem.
func optionsFromQuery(q map[string][]string) inspector.Options {
	get := func(name string) string {
		if vals := q[name]; len(vals) > 0 {
			return vals[0]
		}
		return ""
	}
	opts := inspector.Options{
		SkipTLS:      get("tls") == "false",
		SkipDNS:      get("dns") == "false",
		SkipGeo:      get("geo") == "false",
		SkipWhois:    get("whois") == "false",
		SkipCT:       get("ct") == "false",
		SkipAnalysis: get("analysis") == "false",
	}
	if ms, err := strconv.Atoi(get("timeout")); err == nil && ms > 0 {
		opts.Timeout = time.Duration(ms) * time.Millisecond
	}
	return opts
}

func optionsFromBody(req inspectRequest) inspector.Options {
	disabled := func(flag *bool) bool { return flag != nil && !*flag }
	opts := inspector.Options{
		SkipTLS:      disabled(req.TLS),
		SkipDNS:      disabled(req.DNS),
		SkipGeo:      disabled(req.Geo),
		SkipWhois:    disabled(req.Whois),
		SkipCT:       disabled(req.CT),
		SkipAnalysis: disabled(req.Analysis),
	}
	if req.TimeoutMs > 0 {
		opts.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	return opts
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(lrw, r)

		duration := time.Since(start)
		if s.cfg.Logger != nil {
			requestID := middleware.GetRequestID(r.Context())
			s.cfg.Logger.Info("http_request",
				zap.String("request_id", requestID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Int("status", lrw.statusCode),
				zap.Duration("duration", duration),
				zap.Int64("bytes", lrw.bytesWritten),
			)
		}
	})
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RateLimit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		limiter := s.limiters.getLimiter(ip, s.cfg.RateLimit, s.cfg.RateBurst)
		if !limiter.Allow() {
			if s.cfg.Logger != nil {
				s.requestLogger(r).Warn("rate_limit_exceeded",
					zap.String("client_ip", ip),
				)
			}
			s.writeError(w, r, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		allowOrigin := "*"
		if len(s.cfg.CORSOrigins) > 0 {
			allowed := false
			for _, allowedOrigin := range s.cfg.CORSOrigins {
				if allowedOrigin == origin {
					allowed = true
					allowOrigin = origin
					break
				}
			}
			if !allowed {
				allowOrigin = ""
			}
		}

		if allowOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Auth-Token, X-Tier")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.cfg.AuthToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Auth-Token")
		// Constant-time comparison to prevent timing attacks.
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			s.writeError(w, r, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	msg := err.Error()

	// 5xx details stay server-side.
	if status >= 500 {
		if s.cfg.Logger != nil {
			s.requestLogger(r).Error("internal_server_error",
				zap.Error(err),
				zap.Int("status", status),
			)
		}
		msg = "internal server error"
	}

	writeJSON(w, status, map[string]any{
		"success":    false,
		"error":      msg,
		"request_id": middleware.GetRequestID(r.Context()),
	})
}

func (s *Server) requestLogger(r *http.Request) *zap.Logger {
	if s.cfg.Logger == nil {
		return zap.NewNop()
	}
	return s.cfg.Logger.With(
		zap.String("request_id", middleware.GetRequestID(r.Context())),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// clientIP extracts the caller address, honoring X-Forwarded-For from
// proxied requests.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.Index(forwarded, ","); idx > 0 {
			ip = strings.TrimSpace(forwarded[:idx])
		} else {
			ip = strings.TrimSpace(forwarded)
		}
	}
	if idx := strings.LastIndex(ip, ":"); idx > 0 {
		ip = ip[:idx]
	}
	return ip
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type rateLimiterMap struct {
	mu       sync.RWMutex
	limiters map[string]*ipLimiter
}

func newRateLimiterMap() *rateLimiterMap {
	m := &rateLimiterMap{
		limiters: make(map[string]*ipLimiter),
	}
	// Stale limiters are dropped in the background.
	go m.cleanupLoop()
	return m
}

func (m *rateLimiterMap) getLimiter(ip string, rps, burst int) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	limiter, exists := m.limiters[ip]
	if !exists {
		limiter = &ipLimiter{
			limiter:  rate.NewLimiter(rate.Limit(rps), burst),
			lastSeen: time.Now(),
		}
		m.limiters[ip] = limiter
	} else {
		limiter.lastSeen = time.Now()
	}

	return limiter.limiter
}

func (m *rateLimiterMap) size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.limiters)
}

func (m *rateLimiterMap) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		for ip, limiter := range m.limiters {
			if time.Since(limiter.lastSeen) > 5*time.Minute {
				delete(m.limiters, ip)
			}
		}
		m.mu.Unlock()
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytesWritten += int64(n)
	return n, err
}
