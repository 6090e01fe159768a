// Package inspector orchestrates one URL inspection: validation, admission,
// the mandatory page fetch and the concurrent best-effort probes, merged
// into a single report. The contract is "always return a report": subsystem
// failures degrade fields, they never abort the request.
package inspector

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/khanhnv2901/urlinspect/internal/admission"
	"github.com/khanhnv2901/urlinspect/internal/analyzer"
	"github.com/khanhnv2901/urlinspect/internal/config"
	"github.com/khanhnv2901/urlinspect/internal/fetcher"
	"github.com/khanhnv2901/urlinspect/internal/probe"
	ierr "github.com/khanhnv2901/urlinspect/internal/shared/errors"
	"github.com/khanhnv2901/urlinspect/internal/validator"
)

// Status marks how a subsystem section ended up in the report.
type Status string

const (
	StatusOK                  Status = "ok"
	StatusTimeout             Status = "timeout"
	StatusUpstreamUnavailable Status = "upstream_unavailable"
	StatusNotRequested        Status = "not_requested"
	StatusError               Status = "error"
)

// Section is the per-subsystem outcome marker. A missing subsystem is
// always represented by one of these, never by a silent null.
type Section struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Report is the merged outcome of one inspection.
type Report struct {
	URL            string                `json:"url"`
	FinalURL       string                `json:"final_url,omitempty"`
	Success        bool                  `json:"success"`
	HTTPStatus     int                   `json:"http_status"`
	Error          string                `json:"error,omitempty"`
	ResponseTimeMs int64                 `json:"response_time_ms"`
	RedirectChain  []fetcher.RedirectHop `json:"redirect_chain,omitempty"`
	BodyTruncated  bool                  `json:"body_truncated,omitempty"`

	Analysis *analyzer.Report `json:"analysis,omitempty"`

	TLSSection   Section `json:"tls_section"`
	DNSSection   Section `json:"dns_section"`
	GeoSection   Section `json:"geo_section"`
	WhoisSection Section `json:"whois_section"`
	CTSection    Section `json:"ct_section"`

	TLS        *probe.TLSInfo     `json:"tls,omitempty"`
	DNS        []probe.DNSRecord  `json:"dns,omitempty"`
	Geo        *probe.GeoInfo     `json:"geo,omitempty"`
	Whois      *probe.WhoisRecord `json:"whois,omitempty"`
	CT         *probe.CTResult    `json:"ct,omitempty"`
	Subdomains []string           `json:"subdomains,omitempty"`
}

// Options selects subsystems and the overall deadline for one inspection.
// The zero value requests everything with the default timeout.
type Options struct {
	Timeout      time.Duration
	SkipTLS      bool
	SkipDNS      bool
	SkipGeo      bool
	SkipWhois    bool
	SkipCT       bool
	SkipAnalysis bool
}

// ItemError reports one rejected URL inside a batch.
type ItemError struct {
	Index  int    `json:"index"`
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// BatchOutcome is the result of a batch inspection. Reports is positionally
// aligned with the (possibly clamped) input.
type BatchOutcome struct {
	Reports   []*Report   `json:"reports"`
	Errors    []ItemError `json:"errors,omitempty"`
	Clamped   bool        `json:"clamped,omitempty"`
	Processed int         `json:"processed"`
}

// dnsLookup, and the sibling interfaces below, decouple the orchestrator
// from the concrete probe clients so tests can substitute fakes.
type dnsLookup interface {
	Lookup(ctx context.Context, host string) ([]probe.DNSRecord, error)
}

type ctLookup interface {
	Lookup(ctx context.Context, host string) (*probe.CTResult, error)
}

type geoLookup interface {
	Locate(ctx context.Context, host string) (*probe.GeoInfo, error)
}

type whoisLookup interface {
	Lookup(ctx context.Context, domain string) (*probe.WhoisRecord, error)
}

type tlsProber interface {
	Probe(ctx context.Context, host string, port int) (*probe.TLSInfo, error)
}

// Service wires validator, admission store, fetcher and probes into the
// inspection pipeline.
type Service struct {
	cfg       config.InspectionConfig
	validator *validator.Validator
	store     *admission.Store
	fetcher   fetcher.Doer
	dns       dnsLookup
	ct        ctLookup
	geo       geoLookup
	whois     whoisLookup
	tls       tlsProber
	logger    *zap.Logger
	batcher   *batcher
}

// NewService assembles the full production pipeline from configuration.
func NewService(cfg *config.Config, store *admission.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := fetcher.New(cfg.Fetcher, logger.Named("fetcher"))
	v := validator.New(validator.Policy{
		StrictSSRF:                 cfg.Security.StrictSSRF,
		Production:                 cfg.Security.Production,
		AllowPrivateNetworkTesting: cfg.Security.AllowPrivateNetworkTesting,
		BypassDomains:              cfg.Security.AllowedTestDomains,
		AllowedPorts:               cfg.Security.AllowedPorts,
	}, logger.Named("validator"))

	return &Service{
		cfg:       cfg.Inspection,
		validator: v,
		store:     store,
		fetcher:   httpClient,
		dns:       probe.NewDNSClient(httpClient, "", logger.Named("doh")),
		ct:        probe.NewCTClient(httpClient, "", logger.Named("ct")),
		geo:       probe.NewGeoClient(httpClient, "", logger.Named("geo")),
		whois:     probe.NewWhoisClient(logger.Named("whois")),
		tls:       probe.NewTLSProber(logger.Named("tls")),
		logger:    logger,
		batcher:   newBatcher(cfg.Inspection),
	}
}

// Validator exposes the target validator for callers that only need the
// gate, like the status endpoint.
func (s *Service) Validator() *validator.Validator {
	return s.validator
}

// Run inspects a single URL for an identity: validate, reserve admission,
// inspect, release. Validation and admission failures return typed errors;
// everything past admission degrades into the report instead.
func (s *Service) Run(ctx context.Context, identity, tier, rawURL string, opts Options) (*Report, error) {
	verdict := s.validator.Validate(rawURL)
	if !verdict.Allowed {
		return nil, rejectError(verdict)
	}

	decision, err := s.store.CheckAndReserve(identity, tier)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, ierr.RateLimit(decision.Reason, decision.RetryAfter)
	}
	defer s.store.Release(identity)

	return s.inspect(ctx, verdict.SanitizedURL, opts), nil
}

// RunBatch inspects up to the configured maximum of URLs under a single
// admission reservation. Per-URL validation failures become item errors;
// result order matches input order.
func (s *Service) RunBatch(ctx context.Context, identity, tier string, urls []string, opts Options) (*BatchOutcome, error) {
	if len(urls) == 0 {
		return nil, ierr.Validation("urls must be a non-empty array")
	}

	outcome := &BatchOutcome{}
	if len(urls) > s.cfg.MaxBatchSize {
		urls = urls[:s.cfg.MaxBatchSize]
		outcome.Clamped = true
	}

	decision, err := s.store.CheckAndReserve(identity, tier)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, ierr.RateLimit(decision.Reason, decision.RetryAfter)
	}
	defer s.store.Release(identity)

	outcome.Reports = make([]*Report, len(urls))
	targets := make([]string, len(urls))
	for i, raw := range urls {
		verdict := s.validator.Validate(raw)
		if !verdict.Allowed {
			reason := ierr.Sanitize(verdict.Reason)
			outcome.Errors = append(outcome.Errors, ItemError{Index: i, URL: raw, Reason: reason})
			outcome.Reports[i] = &Report{
				URL:          raw,
				Success:      false,
				Error:        reason,
				TLSSection:   Section{Status: StatusNotRequested},
				DNSSection:   Section{Status: StatusNotRequested},
				GeoSection:   Section{Status: StatusNotRequested},
				WhoisSection: Section{Status: StatusNotRequested},
				CTSection:    Section{Status: StatusNotRequested},
			}
			continue
		}
		targets[i] = verdict.SanitizedURL
	}

	s.batcher.run(ctx, targets, func(taskCtx context.Context, i int, target string) {
		outcome.Reports[i] = s.inspect(taskCtx, target, opts)
	})

	// A context that died mid-batch leaves unstarted slots; fill them with
	// degraded reports so positions stay aligned with the input.
	for i, r := range outcome.Reports {
		if r == nil {
			outcome.Reports[i] = &Report{
				URL:          urls[i],
				Success:      true,
				Error:        "inspection deadline exceeded before this target started",
				TLSSection:   Section{Status: StatusTimeout},
				DNSSection:   Section{Status: StatusTimeout},
				GeoSection:   Section{Status: StatusTimeout},
				WhoisSection: Section{Status: StatusTimeout},
				CTSection:    Section{Status: StatusTimeout},
			}
		}
	}
	outcome.Processed = len(outcome.Reports)
	return outcome, nil
}

// clampTimeout bounds a requested deadline to the configured window.
func (s *Service) clampTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return s.cfg.DefaultTimeout
	}
	if requested < s.cfg.MinTimeout {
		return s.cfg.MinTimeout
	}
	if requested > s.cfg.MaxTimeout {
		return s.cfg.MaxTimeout
	}
	return requested
}

type fetchOut struct {
	res *fetcher.Result
	err error
}

type tlsOut struct {
	info *probe.TLSInfo
	err  error
}

type dnsOut struct {
	records []probe.DNSRecord
	err     error
}

type geoOut struct {
	info *probe.GeoInfo
	err  error
}

type whoisOut struct {
	record *probe.WhoisRecord
	err    error
}

type ctOut struct {
	result *probe.CTResult
	err    error
}

// inspect runs the fan-out for one validated target. Every subsystem writes
// into a buffered channel so late finishers never block; results arriving
// after the deadline are simply abandoned.
func (s *Service) inspect(ctx context.Context, target string, opts Options) *Report {
	timeout := s.clampTimeout(opts.Timeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	parsed, err := url.Parse(target)
	if err != nil {
		// The validator already parsed this URL; reaching here means a bug.
		return &Report{URL: target, Success: false, Error: "internal: target unparseable"}
	}
	host := parsed.Hostname()
	port := 443
	if p := parsed.Port(); p != "" {
		port, _ = strconv.Atoi(p)
	}

	report := &Report{URL: target}
	start := time.Now()

	// Probes get a slightly shorter budget than the whole inspection so
	// their timeout classification lands before the global deadline.
	taskBudget := timeout - 250*time.Millisecond
	if taskBudget < time.Second {
		taskBudget = timeout
	}
	taskCtx, taskCancel := context.WithTimeout(ctx, taskBudget)
	defer taskCancel()

	fetchCh := make(chan fetchOut, 1)
	go func() {
		res, err := s.fetcher.Fetch(ctx, target, fetcher.Options{})
		fetchCh <- fetchOut{res, err}
	}()

	tlsCh := make(chan tlsOut, 1)
	if !opts.SkipTLS && parsed.Scheme == "https" {
		go func() {
			info, err := s.tls.Probe(taskCtx, host, port)
			tlsCh <- tlsOut{info, err}
		}()
	}
	dnsCh := make(chan dnsOut, 1)
	if !opts.SkipDNS {
		go func() {
			records, err := s.dns.Lookup(taskCtx, host)
			dnsCh <- dnsOut{records, err}
		}()
	}
	geoCh := make(chan geoOut, 1)
	if !opts.SkipGeo {
		go func() {
			info, err := s.geo.Locate(taskCtx, host)
			geoCh <- geoOut{info, err}
		}()
	}
	whoisCh := make(chan whoisOut, 1)
	if !opts.SkipWhois {
		go func() {
			record, err := s.whois.Lookup(taskCtx, registrableDomain(host))
			whoisCh <- whoisOut{record, err}
		}()
	}
	ctCh := make(chan ctOut, 1)
	if !opts.SkipCT {
		go func() {
			result, err := s.ct.Lookup(taskCtx, host)
			ctCh <- ctOut{result, err}
		}()
	}

	// The fetch is mandatory: wait for it first.
	var fetched *fetcher.Result
	select {
	case out := <-fetchCh:
		if out.err != nil {
			s.logger.Info("mandatory fetch failed, returning degraded report",
				zap.String("url", target), zap.Error(out.err))
			report.Success = true
			report.HTTPStatus = 0
			report.Error = ierr.Sanitize(out.err.Error())
		} else {
			fetched = out.res
		}
	case <-ctx.Done():
		report.Success = true
		report.HTTPStatus = 0
		report.Error = "inspection deadline exceeded before the page fetch completed"
	}

	if fetched != nil {
		report.Success = true
		report.HTTPStatus = fetched.Status
		report.FinalURL = fetched.FinalURL
		report.RedirectChain = fetched.RedirectChain
		report.BodyTruncated = fetched.Truncated
		if !opts.SkipAnalysis {
			report.Analysis = analyzer.Analyze(fetched.Headers, fetched.Body, host)
		}
	}

	// Collect the best-effort sections. Each select falls through to a
	// typed placeholder when the global deadline wins.
	if opts.SkipTLS || parsed.Scheme != "https" {
		report.TLSSection = Section{Status: StatusNotRequested}
	} else {
		select {
		case out := <-tlsCh:
			if out.err != nil {
				report.TLSSection = classify(out.err)
			} else {
				report.TLSSection = Section{Status: StatusOK}
				report.TLS = out.info
			}
		case <-ctx.Done():
			report.TLSSection = Section{Status: StatusTimeout}
		}
	}
	// The fetch may have captured the handshake already; prefer probe data,
	// fall back to the connection state when the probe came up empty.
	if report.TLS == nil && fetched != nil && fetched.TLS != nil && !opts.SkipTLS {
		report.TLS = probe.Summarize(fetched.TLS, time.Now())
		report.TLSSection = Section{Status: StatusOK}
	}

	if opts.SkipDNS {
		report.DNSSection = Section{Status: StatusNotRequested}
	} else {
		select {
		case out := <-dnsCh:
			if out.err != nil {
				report.DNSSection = classify(out.err)
			} else {
				report.DNSSection = Section{Status: StatusOK}
				report.DNS = out.records
			}
		case <-ctx.Done():
			report.DNSSection = Section{Status: StatusTimeout}
		}
	}

	if opts.SkipGeo {
		report.GeoSection = Section{Status: StatusNotRequested}
	} else {
		select {
		case out := <-geoCh:
			if out.err != nil {
				report.GeoSection = classify(out.err)
			} else {
				report.GeoSection = Section{Status: StatusOK}
				report.Geo = out.info
			}
		case <-ctx.Done():
			report.GeoSection = Section{Status: StatusTimeout}
		}
	}

	if opts.SkipWhois {
		report.WhoisSection = Section{Status: StatusNotRequested}
	} else {
		select {
		case out := <-whoisCh:
			if out.err != nil {
				report.WhoisSection = classify(out.err)
			} else {
				report.WhoisSection = Section{Status: StatusOK}
				report.Whois = out.record
			}
		case <-ctx.Done():
			report.WhoisSection = Section{Status: StatusTimeout}
		}
	}

	if opts.SkipCT {
		report.CTSection = Section{Status: StatusNotRequested}
	} else {
		select {
		case out := <-ctCh:
			if out.err != nil {
				report.CTSection = classify(out.err)
			} else {
				report.CTSection = Section{Status: StatusOK}
				report.CT = out.result
				report.Subdomains = out.result.Subdomains
			}
		case <-ctx.Done():
			report.CTSection = Section{Status: StatusTimeout}
		}
	}

	report.ResponseTimeMs = time.Since(start).Milliseconds()
	return report
}

// classify converts a probe failure into its section marker.
func classify(err error) Section {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Section{Status: StatusTimeout}
	}
	if ie, ok := ierr.AsInspection(err); ok {
		switch ie.Kind {
		case ierr.KindTimeout:
			return Section{Status: StatusTimeout}
		case ierr.KindNetwork:
			return Section{Status: StatusUpstreamUnavailable, Reason: ierr.Sanitize(ie.Message)}
		}
	}
	return Section{Status: StatusError, Reason: ierr.Sanitize(err.Error())}
}

// rejectError maps a validation verdict onto the error taxonomy: policy
// blocks are security errors, everything else is plain validation.
func rejectError(verdict validator.Verdict) error {
	reason := ierr.Sanitize(verdict.Reason)
	for _, filter := range verdict.BlockedBy {
		switch filter {
		case validator.FilterParse, validator.FilterProtocol:
			return ierr.Validation(reason)
		}
	}
	if len(verdict.BlockedBy) > 0 {
		return ierr.Security(reason)
	}
	return ierr.Validation(reason)
}

// registrableDomain trims the host down to the part a registry answers for.
// A proper public-suffix list is overkill here; two labels cover the
// common case and WHOIS referrals absorb the rest.
func registrableDomain(host string) string {
	labels := 0
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == '.' {
			labels++
			if labels == 2 {
				return host[i+1:]
			}
		}
	}
	return host
}
