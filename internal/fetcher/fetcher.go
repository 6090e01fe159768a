// Package fetcher provides the resilient HTTP client used for every
// outbound page fetch: pooled keep-alive transport with periodic wholesale
// recycling, manual redirect accounting, anti-bot challenge backoff and
// bounded retries for transient transport failures.
package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/khanhnv2901/urlinspect/internal/config"
	"github.com/khanhnv2901/urlinspect/internal/shared/constants"
	ierr "github.com/khanhnv2901/urlinspect/internal/shared/errors"
)

// RedirectHop records one followed redirect.
type RedirectHop struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Status int    `json:"status"`
}

// Result is the outcome of a successful fetch. Body is capped at
// constants.MaxBodyBytes; Truncated reports whether the cap was hit.
type Result struct {
	Status        int
	FinalURL      string
	RedirectChain []RedirectHop
	Headers       http.Header
	Body          []byte
	Truncated     bool
	Latency       time.Duration
	TLS           *tls.ConnectionState
}

// Options tweak a single fetch. The zero value is a plain GET.
type Options struct {
	Method string
	Header http.Header
}

// Doer is the fetch surface consumed by probe clients and the orchestrator.
type Doer interface {
	Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error)
}

// Client is the production Doer. Safe for concurrent use.
type Client struct {
	cfg    config.FetcherConfig
	logger *zap.Logger

	mu        sync.Mutex
	transport *http.Transport
	client    *http.Client
	bornAt    time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Client from configuration.
func New(cfg config.FetcherConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}
	c.transport, c.client = c.buildClient()
	c.bornAt = c.now()
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) buildClient() (*http.Transport, *http.Client) {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          c.cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   c.cfg.MaxConnsPerHost,
		MaxConnsPerHost:       c.cfg.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	client := &http.Client{
		Transport: transport,
		// Redirects are followed manually so every hop is recorded.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return transport, client
}

// httpClient returns the shared client, recycling the whole transport once
// it has been alive past the recycle interval. Recycling wholesale instead
// of per-connection clears any pooled connections that a middlebox has
// silently dropped.
func (c *Client) httpClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.RecycleInterval > 0 && c.now().Sub(c.bornAt) >= c.cfg.RecycleInterval {
		old := c.transport
		c.transport, c.client = c.buildClient()
		c.bornAt = c.now()
		go old.CloseIdleConnections()
		c.logger.Debug("recycled http transport")
	}
	return c.client
}

// Fetch retrieves rawURL, following up to MaxRedirectHops redirects and
// retrying transient failures. The context deadline bounds the whole
// attempt sequence including backoffs.
func (c *Client) Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	var lastErr error
	challengeRetried := false
	attempts := c.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := c.fetchOnce(ctx, method, rawURL, opts.Header)
		if err == nil {
			if isChallenge(result) && !challengeRetried {
				challengeRetried = true
				c.logger.Info("anti-bot challenge detected, backing off",
					zap.String("url", rawURL), zap.Int("status", result.Status))
				if serr := c.sleep(ctx, c.cfg.ChallengeBackoff); serr != nil {
					return result, nil
				}
				// One extra attempt after the backoff; the challenged
				// response is still usable if the retry fails too.
				retried, rerr := c.fetchOnce(ctx, method, rawURL, opts.Header)
				if rerr == nil {
					return retried, nil
				}
				return result, nil
			}
			return result, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ierr.Timeout("fetch " + hostOf(rawURL))
		}
		if !isTransient(err) {
			break
		}
		if attempt < attempts {
			c.logger.Debug("transient fetch failure, retrying",
				zap.String("url", rawURL), zap.Int("attempt", attempt), zap.Error(err))
			if serr := c.sleep(ctx, time.Duration(attempt)*c.cfg.RetryDelay); serr != nil {
				return nil, ierr.Timeout("fetch " + hostOf(rawURL))
			}
		}
	}

	if errors.Is(lastErr, ierr.ErrTooManyRedirects) {
		return nil, ierr.Network("redirect limit exceeded", lastErr)
	}
	return nil, ierr.Network("fetch failed", lastErr)
}

// fetchOnce performs a single fetch, walking redirects by hand.
func (c *Client) fetchOnce(ctx context.Context, method, rawURL string, header http.Header) (*Result, error) {
	client := c.httpClient()
	start := c.now()
	current := rawURL
	var chain []RedirectHop

	for hop := 0; ; hop++ {
		req, err := http.NewRequestWithContext(ctx, method, current, nil)
		if err != nil {
			return nil, err
		}
		c.applyHeaders(req, header)

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}

		if isRedirect(resp.StatusCode) {
			location := resp.Header.Get("Location")
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if location == "" {
				return nil, errors.New("redirect without location header")
			}
			next, err := resolveRedirect(current, location)
			if err != nil {
				return nil, err
			}
			if hop >= constants.MaxRedirectHops-1 {
				return nil, ierr.ErrTooManyRedirects
			}
			chain = append(chain, RedirectHop{From: current, To: next, Status: resp.StatusCode})
			current = next
			continue
		}

		limited := io.LimitReader(resp.Body, constants.MaxBodyBytes+1)
		body, err := io.ReadAll(limited)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		truncated := false
		if len(body) > constants.MaxBodyBytes {
			body = body[:constants.MaxBodyBytes]
			truncated = true
		}

		return &Result{
			Status:        resp.StatusCode,
			FinalURL:      current,
			RedirectChain: chain,
			Headers:       resp.Header,
			Body:          body,
			Truncated:     truncated,
			Latency:       c.now().Sub(start),
			TLS:           resp.TLS,
		}, nil
	}
}

func (c *Client) applyHeaders(req *http.Request, extra http.Header) {
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	for key, values := range extra {
		req.Header.Del(key)
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func resolveRedirect(base, location string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(ref).String(), nil
}

var challengeMarkers = []string{
	"cf-browser-verification",
	"cf_chl_opt",
	"challenge-platform",
	"checking your browser",
	"just a moment",
	"ddos protection by",
}

// isChallenge recognizes anti-bot interstitials: a challenge status code
// together with a challenge header or a telltale body marker.
func isChallenge(r *Result) bool {
	switch r.Status {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
	default:
		return false
	}
	server := strings.ToLower(r.Headers.Get("Server"))
	if strings.Contains(server, "cloudflare") || r.Headers.Get("Cf-Ray") != "" {
		return true
	}
	body := strings.ToLower(string(r.Body))
	for _, marker := range challengeMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

var transientMessages = []string{
	"connection reset",
	"connection refused",
	"no such host",
	"broken pipe",
	"eof",
	"tls handshake timeout",
	"i/o timeout",
}

// isTransient classifies transport errors worth retrying. Context
// cancellation is never transient: the caller's deadline owns it.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ierr.ErrTooManyRedirects) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMessages {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return u.Host
	}
	return "target"
}
