package analyzer

import (
	"net/http"
	"strings"
)

// SecurityHeaders scores the response's defensive header posture. Each of
// the four core headers is worth 25 points.
type SecurityHeaders struct {
	Score               int      `json:"score"`
	Grade               string   `json:"grade"`
	HSTS                bool     `json:"hsts"`
	XFrameOptions       bool     `json:"x_frame_options"`
	XContentTypeOptions bool     `json:"x_content_type_options"`
	CSP                 bool     `json:"csp"`
	ReferrerPolicy      bool     `json:"referrer_policy"`
	PermissionsPolicy   bool     `json:"permissions_policy"`
	Missing             []string `json:"missing,omitempty"`
}

// AnalyzeSecurityHeaders inspects the response headers for the standard
// browser security headers. Referrer-Policy and Permissions-Policy are
// reported but do not affect the score.
func AnalyzeSecurityHeaders(headers http.Header) SecurityHeaders {
	sh := SecurityHeaders{
		HSTS:                headers.Get("Strict-Transport-Security") != "",
		XFrameOptions:       headers.Get("X-Frame-Options") != "",
		XContentTypeOptions: headers.Get("X-Content-Type-Options") != "",
		CSP:                 headers.Get("Content-Security-Policy") != "",
		ReferrerPolicy:      headers.Get("Referrer-Policy") != "",
		PermissionsPolicy:   headers.Get("Permissions-Policy") != "",
	}
	scored := []struct {
		present bool
		name    string
	}{
		{sh.HSTS, "Strict-Transport-Security"},
		{sh.XFrameOptions, "X-Frame-Options"},
		{sh.XContentTypeOptions, "X-Content-Type-Options"},
		{sh.CSP, "Content-Security-Policy"},
	}
	for _, h := range scored {
		if h.present {
			sh.Score += 25
		} else {
			sh.Missing = append(sh.Missing, h.name)
		}
	}
	sh.Grade = SecurityGrade(sh.Score)
	return sh
}

// SecurityGrade maps a 0-100 score onto the A+..F scale.
func SecurityGrade(score int) string {
	switch {
	case score >= 100:
		return "A+"
	case score >= 75:
		return "A"
	case score >= 50:
		return "B"
	case score >= 25:
		return "C"
	default:
		return "F"
	}
}

// Technology describes the serving stack as far as headers and markup
// reveal it.
type Technology struct {
	Server     string   `json:"server,omitempty"`
	PoweredBy  string   `json:"powered_by,omitempty"`
	CDN        string   `json:"cdn,omitempty"`
	Generator  string   `json:"generator,omitempty"`
	Frameworks []string `json:"frameworks,omitempty"`
}

// cdnSignals maps header evidence to a CDN vendor name.
var cdnSignals = []struct {
	header string
	value  string
	vendor string
}{
	{"Cf-Ray", "", "Cloudflare"},
	{"Server", "cloudflare", "Cloudflare"},
	{"X-Amz-Cf-Id", "", "CloudFront"},
	{"X-Served-By", "cache", "Fastly"},
	{"X-Fastly-Request-Id", "", "Fastly"},
	{"X-Akamai-Transformed", "", "Akamai"},
	{"Server", "akamaighost", "Akamai"},
	{"X-Vercel-Id", "", "Vercel"},
	{"X-Nf-Request-Id", "", "Netlify"},
	{"X-Cache", "cloudfront", "CloudFront"},
}

func detectCDN(headers http.Header) string {
	for _, sig := range cdnSignals {
		got := headers.Get(sig.header)
		if got == "" {
			continue
		}
		if sig.value == "" || strings.Contains(strings.ToLower(got), sig.value) {
			return sig.vendor
		}
	}
	return ""
}
