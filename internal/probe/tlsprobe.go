package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	ierr "github.com/khanhnv2901/urlinspect/internal/shared/errors"
)

// TLSInfo summarizes the handshake and leaf certificate of a target.
type TLSInfo struct {
	Version         string   `json:"version"`
	CipherSuite     string   `json:"cipher_suite"`
	Issuer          string   `json:"issuer"`
	Subject         string   `json:"subject"`
	NotBefore       string   `json:"not_before"`
	NotAfter        string   `json:"not_after"`
	DaysUntilExpiry int      `json:"days_until_expiry"`
	SANs            []string `json:"sans"`
	SelfSigned      bool     `json:"self_signed"`
	Grade           string   `json:"grade"`
}

// TLSProber performs a direct TLS handshake against a host, independent of
// the page fetch, so certificate details are captured even when the HTTP
// layer later fails.
type TLSProber struct {
	dial   func(ctx context.Context, addr string, cfg *tls.Config) (*tls.Conn, error)
	logger *zap.Logger
}

// NewTLSProber builds a prober using the default dialer.
func NewTLSProber(logger *zap.Logger) *TLSProber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TLSProber{
		dial: func(ctx context.Context, addr string, cfg *tls.Config) (*tls.Conn, error) {
			d := &tls.Dialer{
				NetDialer: &net.Dialer{Timeout: 10 * time.Second},
				Config:    cfg,
			}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, err
			}
			return conn.(*tls.Conn), nil
		},
		logger: logger,
	}
}

// Probe handshakes with host:port and summarizes the negotiated session.
// Verification is disabled so expired and self-signed chains can still be
// inspected; validity is reported, not enforced.
func (p *TLSProber) Probe(ctx context.Context, host string, port int) (*TLSInfo, error) {
	if port == 0 {
		port = 443
	}
	cfg := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS10,
	}

	conn, err := p.dial(ctx, net.JoinHostPort(host, fmt.Sprintf("%d", port)), cfg)
	if err != nil {
		return nil, ierr.Network("tls handshake failed", err)
	}
	defer conn.Close()

	state := conn.ConnectionState()
	return Summarize(&state, time.Now()), nil
}

// Summarize converts a connection state into a TLSInfo. Split out so the
// orchestrator can reuse the state already captured by the page fetch.
func Summarize(state *tls.ConnectionState, now time.Time) *TLSInfo {
	info := &TLSInfo{
		Version:     tls.VersionName(state.Version),
		CipherSuite: tls.CipherSuiteName(state.CipherSuite),
	}
	if len(state.PeerCertificates) == 0 {
		info.Grade = "F"
		return info
	}

	leaf := state.PeerCertificates[0]
	info.Issuer = leaf.Issuer.CommonName
	if info.Issuer == "" && len(leaf.Issuer.Organization) > 0 {
		info.Issuer = leaf.Issuer.Organization[0]
	}
	info.Subject = leaf.Subject.CommonName
	info.NotBefore = leaf.NotBefore.UTC().Format(time.RFC3339)
	info.NotAfter = leaf.NotAfter.UTC().Format(time.RFC3339)
	info.DaysUntilExpiry = int(leaf.NotAfter.Sub(now).Hours() / 24)
	info.SANs = leaf.DNSNames
	info.SelfSigned = isSelfSigned(leaf)
	info.Grade = grade(state.Version, leaf, now)
	return info
}

func isSelfSigned(cert *x509.Certificate) bool {
	if cert.Issuer.String() != cert.Subject.String() {
		return false
	}
	return cert.CheckSignatureFrom(cert) == nil
}

// grade scores the session A+ down to F: protocol version first, then
// certificate validity and remaining lifetime.
func grade(version uint16, leaf *x509.Certificate, now time.Time) string {
	if now.After(leaf.NotAfter) || now.Before(leaf.NotBefore) {
		return "F"
	}
	if isSelfSigned(leaf) {
		return "D"
	}
	switch version {
	case tls.VersionTLS13:
		if leaf.NotAfter.Sub(now) < 14*24*time.Hour {
			return "A"
		}
		return "A+"
	case tls.VersionTLS12:
		if leaf.NotAfter.Sub(now) < 14*24*time.Hour {
			return "B"
		}
		return "A"
	case tls.VersionTLS11:
		return "C"
	default:
		return "D"
	}
}
