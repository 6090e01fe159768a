package probe

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	ierr "github.com/khanhnv2901/urlinspect/internal/shared/errors"
)

// ianaWhois is the root referral server for all TLDs.
const ianaWhois = "whois.iana.org:43"

const whoisReadLimit = 64 << 10

// WhoisRecord is the parsed subset of a WHOIS response. Registrars format
// these fields inconsistently, so everything here is best-effort.
type WhoisRecord struct {
	Registrar   string   `json:"registrar"`
	CreatedDate string   `json:"created_date"`
	UpdatedDate string   `json:"updated_date"`
	ExpiryDate  string   `json:"expiry_date"`
	NameServers []string `json:"name_servers"`
}

// WhoisClient speaks the port-43 WHOIS protocol with one IANA referral hop.
type WhoisClient struct {
	dial   func(ctx context.Context, addr string) (net.Conn, error)
	logger *zap.Logger
}

// NewWhoisClient builds a WHOIS client using the default dialer.
func NewWhoisClient(logger *zap.Logger) *WhoisClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return &WhoisClient{
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		},
		logger: logger,
	}
}

// Lookup queries IANA for the TLD's registry server, then that server for
// the domain record.
func (c *WhoisClient) Lookup(ctx context.Context, domain string) (*WhoisRecord, error) {
	root, err := c.query(ctx, ianaWhois, domain)
	if err != nil {
		return nil, ierr.Network("whois root query failed", err)
	}

	server := referralServer(root)
	raw := root
	if server != "" {
		if resp, err := c.query(ctx, server+":43", domain); err == nil {
			raw = resp
		} else {
			c.logger.Debug("whois referral query failed, using root response",
				zap.String("server", server), zap.Error(err))
		}
	}

	record := parseWhois(raw)
	if record.Registrar == "" && record.CreatedDate == "" && len(record.NameServers) == 0 {
		return nil, ierr.Network(fmt.Sprintf("no whois data for %s", domain), nil)
	}
	return record, nil
}

func (c *WhoisClient) query(ctx context.Context, addr, domain string) (string, error) {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(5 * time.Second))
	}

	if _, err := fmt.Fprintf(conn, "%s\r\n", domain); err != nil {
		return "", err
	}
	data, err := io.ReadAll(io.LimitReader(conn, whoisReadLimit))
	if err != nil && len(data) == 0 {
		return "", err
	}
	return string(data), nil
}

// referralServer extracts the "refer:" line from an IANA response.
func referralServer(response string) string {
	scanner := bufio.NewScanner(strings.NewReader(response))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "refer:") || strings.HasPrefix(lower, "whois:") {
			return strings.TrimSpace(line[strings.Index(line, ":")+1:])
		}
	}
	return ""
}

var whoisFieldAliases = map[string][]string{
	"registrar": {"registrar:", "registrar name:", "sponsoring registrar:"},
	"created":   {"creation date:", "created:", "created on:", "registered on:", "domain registration date:"},
	"updated":   {"updated date:", "last updated:", "last-update:", "modified:"},
	"expires":   {"registry expiry date:", "expiry date:", "expiration date:", "expires:", "expires on:", "paid-till:"},
}

// parseWhois pulls the common fields out of free-form WHOIS text. The first
// match per field wins; later lines from upstream registries repeat them.
func parseWhois(raw string) *WhoisRecord {
	record := &WhoisRecord{}
	seenNS := map[string]struct{}{}

	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lower := strings.ToLower(line)

		if strings.HasPrefix(lower, "name server:") || strings.HasPrefix(lower, "nserver:") {
			value := strings.ToLower(valueAfterColon(line))
			// Some registries append the glue address after the name.
			if idx := strings.IndexByte(value, ' '); idx > 0 {
				value = value[:idx]
			}
			if value != "" {
				if _, dup := seenNS[value]; !dup {
					seenNS[value] = struct{}{}
					record.NameServers = append(record.NameServers, value)
				}
			}
			continue
		}

		assign := func(dst *string, field string) {
			if *dst != "" {
				return
			}
			for _, alias := range whoisFieldAliases[field] {
				if strings.HasPrefix(lower, alias) {
					*dst = valueAfterColon(line)
					return
				}
			}
		}
		assign(&record.Registrar, "registrar")
		assign(&record.CreatedDate, "created")
		assign(&record.UpdatedDate, "updated")
		assign(&record.ExpiryDate, "expires")
	}
	return record
}

func valueAfterColon(line string) string {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(line[idx+1:])
}
