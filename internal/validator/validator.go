package validator

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/yl2chen/cidranger"
	"go.uber.org/zap"
	"golang.org/x/net/idna"

	"github.com/khanhnv2901/urlinspect/internal/shared/constants"
)

// RiskLevel grades how dangerous a rejected target looked.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Filter names reported in Verdict.BlockedBy, in the order checks run.
const (
	FilterEncoding   = "encoding_filter"
	FilterParse      = "parse_error"
	FilterProtocol   = "protocol_filter"
	FilterIP         = "ip_filter"
	FilterDomain     = "domain_filter"
	FilterPort       = "port_filter"
	FilterPattern    = "pattern_filter"
	FilterStrictSSRF = "strict_ssrf"
	FilterRebinding  = "dns_rebinding"
)

// Verdict is the immutable outcome of validating one target URL.
type Verdict struct {
	Allowed      bool      `json:"allowed"`
	Reason       string    `json:"reason,omitempty"`
	RiskLevel    RiskLevel `json:"risk_level"`
	BlockedBy    []string  `json:"blocked_by,omitempty"`
	SanitizedURL string    `json:"-"`
}

// Policy configures the validation gate. Bypass domains and port lists are
// configuration on purpose: they must never be hardcoded into the filters.
type Policy struct {
	StrictSSRF bool
	Production bool
	// AllowPrivateNetworkTesting relaxes the private-range filter for lab
	// environments. Never enable it on an internet-facing deployment.
	AllowPrivateNetworkTesting bool
	// BypassDomains skip the hostname heuristics to keep integration tests
	// deterministic. Every bypass is logged; this is not a trust list.
	BypassDomains []string
	AllowedPorts  []int
}

// Validator is a pure, synchronous SSRF gate. It performs no network I/O,
// so a rejected target never generates any traffic.
type Validator struct {
	policy Policy
	ranger cidranger.Ranger
	logger *zap.Logger
}

// blockedRanges covers private, loopback, link-local, multicast, reserved
// and IPv4-mapped space for both address families.
var blockedRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"0.0.0.0/8",
	"100.64.0.0/10",
	"198.18.0.0/15",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
	"::/128",
	"::ffff:0:0/96",
}

var blockedHostnames = map[string]struct{}{
	"localhost":                {},
	"0.0.0.0":                  {},
	"metadata.google.internal": {},
	"metadata.gce.internal":    {},
	"instance-data":            {},
	"kubernetes.default.svc.cluster.local": {},
	"host.docker.internal":     {},
	"docker.internal":          {},
	"consul":                   {},
	"etcd":                     {},
}

var blockedSuffixes = []string{
	".local",
	".internal",
	".corp",
	".intranet",
	".test",
	".example",
}

var shortURLDomains = []string{
	"bit.ly",
	"bitly.com",
	"tinyurl.com",
	"t.co",
	"goo.gl",
	"short.link",
	"tiny.cc",
	"is.gd",
	"v.gd",
	"ow.ly",
	"buff.ly",
}

var (
	controlCharPattern = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)
	crlfPattern        = regexp.MustCompile(`[\r\n]`)
	hexIPPattern       = regexp.MustCompile(`(?i)0x[0-9a-f]+`)
	decimalIPPattern   = regexp.MustCompile(`^\d{8,10}$`)
	longNumericPattern = regexp.MustCompile(`\d{8,}`)
	longHexSubPattern  = regexp.MustCompile(`(?i)^[0-9a-f]{8,}\.`)
	ipTrailingPattern  = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\.`)
	metadataPattern    = regexp.MustCompile(`(?i)metadata|kubernetes|docker`)
	hostileCharPattern = regexp.MustCompile("[<>'\"\\\\@]")
)

var embeddedSchemes = []string{"file:", "ftp:", "gopher:", "ldap:", "dict:", "telnet:", "ssh:"}

// New builds a Validator for the given policy. The CIDR trie is built once
// here so Validate stays allocation-light on the hot path.
func New(policy Policy, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	ranger := cidranger.NewPCTrieRanger()
	for _, cidr := range blockedRanges {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			// The list is static; a parse failure is a programming error.
			panic(fmt.Sprintf("validator: bad blocked range %q: %v", cidr, err))
		}
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			panic(fmt.Sprintf("validator: insert %q: %v", cidr, err))
		}
	}
	if len(policy.AllowedPorts) == 0 {
		policy.AllowedPorts = []int{80, 443, 8080, 8443}
		if !policy.Production {
			policy.AllowedPorts = append(policy.AllowedPorts, 3000, 3001, 4000, 5000, 5173, 8000, 9000)
		}
	}
	return &Validator{policy: policy, ranger: ranger, logger: logger}
}

// Validate runs the ordered filter chain against a raw URL and returns the
// verdict for it. Checks short-circuit on the first failure.
func (v *Validator) Validate(rawURL string) Verdict {
	decoded, ok := iterativeDecode(rawURL)
	if !ok {
		return v.reject(FilterEncoding, RiskHigh,
			"excessive URL encoding detected - potential bypass attempt")
	}

	parsed, err := url.Parse(decoded)
	if err != nil {
		return v.reject(FilterParse, RiskHigh, "invalid URL format")
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		v.logger.Warn("blocked url with invalid protocol",
			zap.String("scheme", parsed.Scheme))
		return v.reject(FilterProtocol, RiskHigh,
			fmt.Sprintf("protocol %q not allowed, only HTTP and HTTPS are supported", parsed.Scheme))
	}

	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return v.reject(FilterParse, RiskHigh, "URL has no hostname")
	}

	// Shorteners are refused unconditionally; a bypass entry must not be
	// able to launder a hidden destination through one.
	for _, short := range shortURLDomains {
		if hostname == short || strings.HasSuffix(hostname, "."+short) {
			return v.reject(FilterDomain, RiskMedium,
				"URL shorteners are not allowed: they hide the true destination")
		}
	}

	if v.isBypassed(hostname) {
		v.logger.Info("validator bypass for configured test domain",
			zap.String("hostname", hostname))
		return Verdict{Allowed: true, RiskLevel: RiskLow, SanitizedURL: decoded}
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if verdict, blocked := v.checkIP(ip, hostname); blocked {
			return verdict
		}
	} else if verdict, blocked := v.checkDomain(hostname); blocked {
		return verdict
	}

	if verdict, blocked := v.checkPort(parsed, hostname); blocked {
		return verdict
	}

	if verdict, blocked := v.checkPatterns(decoded); blocked {
		return verdict
	}

	if v.policy.StrictSSRF || v.policy.Production {
		if verdict, blocked := v.checkStrict(hostname); blocked {
			return verdict
		}
	}

	if verdict, blocked := v.checkRebinding(hostname); blocked {
		return verdict
	}

	return Verdict{Allowed: true, RiskLevel: RiskLow, SanitizedURL: decoded}
}

func (v *Validator) reject(filter string, risk RiskLevel, reason string) Verdict {
	return Verdict{
		Allowed:   false,
		Reason:    reason,
		RiskLevel: risk,
		BlockedBy: []string{filter},
	}
}

// iterativeDecode undoes percent-encoding until the input stabilizes, up to
// MaxDecodeRounds. A URL still mutating past the cap is itself suspicious:
// stacked encodings are a known filter-evasion technique. PathUnescape keeps
// literal "+" intact; query semantics would rewrite /a+b before validation.
func iterativeDecode(raw string) (string, bool) {
	current := raw
	for round := 0; round < constants.MaxDecodeRounds; round++ {
		next, err := url.PathUnescape(current)
		if err != nil || next == current {
			return current, true
		}
		current = next
	}
	// Still decodable after the cap.
	if next, err := url.PathUnescape(current); err == nil && next != current {
		return "", false
	}
	return current, true
}

func (v *Validator) isBypassed(hostname string) bool {
	for _, domain := range v.policy.BypassDomains {
		if hostname == domain || strings.HasSuffix(hostname, "."+domain) {
			return true
		}
	}
	return false
}

func (v *Validator) checkIP(ip net.IP, hostname string) (Verdict, bool) {
	contained, err := v.ranger.Contains(ip)
	if err == nil && contained {
		if v.policy.AllowPrivateNetworkTesting {
			v.logger.Warn("private address admitted by testing override",
				zap.String("hostname", hostname))
			return Verdict{}, false
		}
		v.logger.Warn("blocked private or reserved address", zap.String("hostname", hostname))
		return v.reject(FilterIP, RiskHigh,
			fmt.Sprintf("address %s is in a private or reserved range", hostname)), true
	}
	return Verdict{}, false
}

func (v *Validator) checkDomain(hostname string) (Verdict, bool) {
	if _, blocked := blockedHostnames[hostname]; blocked {
		v.logger.Warn("blocked hostname literal", zap.String("hostname", hostname))
		return v.reject(FilterDomain, RiskHigh,
			fmt.Sprintf("hostname %s is blocked for security reasons", hostname)), true
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(hostname, suffix) {
			v.logger.Warn("blocked hostname suffix",
				zap.String("hostname", hostname), zap.String("suffix", suffix))
			return v.reject(FilterDomain, RiskHigh,
				fmt.Sprintf("domain suffix %s is blocked for security reasons", suffix)), true
		}
	}

	if isEncodedIP(hostname) {
		return v.reject(FilterDomain, RiskHigh,
			"hostname appears to be an encoded IP address"), true
	}

	// Punycode and non-ASCII hostnames hide the real destination from
	// literal-pattern filters, so both are refused outright.
	if strings.Contains(hostname, "xn--") {
		return v.reject(FilterDomain, RiskMedium,
			"punycode domains are not allowed for security reasons"), true
	}
	if ascii, err := idna.Lookup.ToASCII(hostname); err != nil || ascii != hostname {
		return v.reject(FilterDomain, RiskMedium,
			"non-ASCII hostnames are not allowed for security reasons"), true
	}

	if hostileCharPattern.MatchString(hostname) {
		return v.reject(FilterDomain, RiskMedium,
			"hostname contains suspicious characters"), true
	}
	if metadataPattern.MatchString(hostname) {
		return v.reject(FilterDomain, RiskHigh,
			"hostname matches an internal infrastructure pattern"), true
	}

	return Verdict{}, false
}

func (v *Validator) checkPort(parsed *url.URL, hostname string) (Verdict, bool) {
	port := 80
	if parsed.Scheme == "https" {
		port = 443
	}
	if p := parsed.Port(); p != "" {
		parsedPort, err := strconv.Atoi(p)
		if err != nil {
			return v.reject(FilterPort, RiskHigh, "invalid port"), true
		}
		port = parsedPort
	}
	for _, allowed := range v.policy.AllowedPorts {
		if port == allowed {
			return Verdict{}, false
		}
	}
	v.logger.Warn("blocked port",
		zap.String("hostname", hostname), zap.Int("port", port))
	return v.reject(FilterPort, RiskHigh,
		fmt.Sprintf("port %d is not allowed", port)), true
}

func (v *Validator) checkPatterns(decoded string) (Verdict, bool) {
	if controlCharPattern.MatchString(decoded) {
		return v.reject(FilterPattern, RiskMedium,
			"control characters detected in URL"), true
	}
	if crlfPattern.MatchString(decoded) {
		return v.reject(FilterPattern, RiskMedium,
			"CRLF injection attempt detected"), true
	}
	lower := strings.ToLower(decoded)
	for _, scheme := range embeddedSchemes {
		if idx := strings.Index(lower, scheme); idx > 0 {
			return v.reject(FilterPattern, RiskMedium,
				fmt.Sprintf("embedded scheme %s detected in URL", scheme)), true
		}
	}
	return Verdict{}, false
}

func (v *Validator) checkStrict(hostname string) (Verdict, bool) {
	stripped := strings.ReplaceAll(hostname, ".", "")
	if stripped != "" && isAllDigits(stripped) {
		return v.reject(FilterStrictSSRF, RiskHigh,
			"numeric hostnames are not allowed in strict mode"), true
	}
	if !strings.Contains(hostname, ".") || strings.HasSuffix(hostname, ".") {
		return v.reject(FilterStrictSSRF, RiskHigh, "invalid domain format"), true
	}
	return Verdict{}, false
}

// checkRebinding catches hostname shapes associated with DNS rebinding
// setups: malformed dot runs, embedded IPs and long numeric or hex labels
// used to encode rotating answers.
func (v *Validator) checkRebinding(hostname string) (Verdict, bool) {
	if strings.Contains(hostname, "..") || strings.HasPrefix(hostname, ".") || strings.HasSuffix(hostname, ".") {
		return v.reject(FilterRebinding, RiskHigh, "malformed hostname detected"), true
	}
	if ipTrailingPattern.MatchString(hostname) ||
		longNumericPattern.MatchString(hostname) ||
		longHexSubPattern.MatchString(hostname) ||
		strings.HasSuffix(hostname, ".localhost") {
		return v.reject(FilterRebinding, RiskHigh,
			"suspicious hostname pattern detected"), true
	}
	return Verdict{}, false
}

func isEncodedIP(hostname string) bool {
	if hexIPPattern.MatchString(hostname) {
		return true
	}
	stripped := strings.ReplaceAll(hostname, ".", "")
	if len(stripped) > 1 && stripped[0] == '0' && isOctal(stripped) {
		return true
	}
	return decimalIPPattern.MatchString(hostname)
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isOctal(s string) bool {
	for _, r := range s {
		if r < '0' || r > '7' {
			return false
		}
	}
	return true
}
