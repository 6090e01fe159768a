package errors

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Kind classifies an inspection failure for propagation decisions.
type Kind string

const (
	KindValidation Kind = "ValidationError"
	KindSecurity   Kind = "SecurityError"
	KindRateLimit  Kind = "RateLimitError"
	KindTimeout    Kind = "TimeoutError"
	KindNetwork    Kind = "NetworkError"
	KindResource   Kind = "ResourceError"
)

// Severity grades how serious a failure is for logging and alerting.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Sentinel errors for conditions callers branch on.
var (
	ErrLockWaitTimeout  = errors.New("lock acquisition timed out")
	ErrLockExpired      = errors.New("lock expired before release")
	ErrQuotaExceeded    = errors.New("request quota exceeded")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrBatchEmpty       = errors.New("batch contains no URLs")
)

// InspectionError is the typed error carried across component boundaries.
// RetryAfter is only meaningful for KindRateLimit.
type InspectionError struct {
	Kind       Kind
	Severity   Severity
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *InspectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *InspectionError) Unwrap() error {
	return e.Err
}

// Recoverable reports whether retrying the same request later can succeed.
// Security rejections and malformed input never become valid by waiting.
func (e *InspectionError) Recoverable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindRateLimit, KindResource:
		return true
	default:
		return false
	}
}

// Validation builds a low-severity error for malformed client input.
func Validation(msg string) *InspectionError {
	return &InspectionError{Kind: KindValidation, Severity: SeverityLow, Message: msg}
}

// Security builds a high-severity error for targets blocked by policy.
func Security(msg string) *InspectionError {
	return &InspectionError{Kind: KindSecurity, Severity: SeverityHigh, Message: msg}
}

// RateLimit builds a rejection carrying the retry-after hint.
func RateLimit(msg string, retryAfter time.Duration) *InspectionError {
	return &InspectionError{Kind: KindRateLimit, Severity: SeverityMedium, Message: msg, RetryAfter: retryAfter}
}

// Timeout builds an error for a deadline that fired before the operation finished.
func Timeout(op string) *InspectionError {
	return &InspectionError{Kind: KindTimeout, Severity: SeverityMedium, Message: op + " deadline exceeded"}
}

// Network wraps a transient transport failure.
func Network(msg string, err error) *InspectionError {
	return &InspectionError{Kind: KindNetwork, Severity: SeverityMedium, Message: msg, Err: err}
}

// Resource wraps lock or memory exhaustion failures.
func Resource(msg string, err error) *InspectionError {
	return &InspectionError{Kind: KindResource, Severity: SeverityHigh, Message: msg, Err: err}
}

// AsInspection extracts an *InspectionError from an error chain.
func AsInspection(err error) (*InspectionError, bool) {
	var ie *InspectionError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

var (
	ipv4Pattern = regexp.MustCompile(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`)
	ipv6Pattern = regexp.MustCompile(`([0-9a-fA-F]{1,4}:){2,7}[0-9a-fA-F]{1,4}`)
	portPattern = regexp.MustCompile(`:\d{2,5}\b`)
	pathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_.-]+){2,}`)
	hostPattern = regexp.MustCompile(`(?i)(lookup|connect to|dial tcp) [a-zA-Z0-9.-]+`)
)

// Sanitize strips addresses, ports and filesystem paths from a message so
// internal topology never reaches a client.
func Sanitize(msg string) string {
	s := ipv4Pattern.ReplaceAllString(msg, "[IP_REDACTED]")
	s = ipv6Pattern.ReplaceAllString(s, "[IPV6_REDACTED]")
	s = hostPattern.ReplaceAllString(s, "$1 [HOST_REDACTED]")
	s = portPattern.ReplaceAllString(s, ":[PORT]")
	s = pathPattern.ReplaceAllString(s, "[PATH_REDACTED]")
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}
