// Package probe holds the clients for upstream data providers: DNS over
// HTTPS, certificate transparency logs, IP geolocation, WHOIS and a direct
// TLS probe. Every provider here is best-effort; callers must treat a probe
// failure as missing data, not as an inspection failure.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/miekg/dns"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/khanhnv2901/urlinspect/internal/fetcher"
	ierr "github.com/khanhnv2901/urlinspect/internal/shared/errors"
)

// DefaultDoHEndpoint is Cloudflare's JSON DoH resolver.
const DefaultDoHEndpoint = "https://1.1.1.1/dns-query"

// DNSRecord is one answer from a DoH lookup.
type DNSRecord struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	TTL   int64  `json:"ttl"`
	Value string `json:"value"`
}

// defaultRecordTypes are the types resolved for an inspection.
var defaultRecordTypes = []uint16{
	dns.TypeA,
	dns.TypeAAAA,
	dns.TypeCNAME,
	dns.TypeMX,
	dns.TypeNS,
	dns.TypeTXT,
}

// DNSClient resolves records through a JSON DoH endpoint.
type DNSClient struct {
	doer     fetcher.Doer
	endpoint string
	logger   *zap.Logger
}

// NewDNSClient builds a DoH client. An empty endpoint selects the default.
func NewDNSClient(doer fetcher.Doer, endpoint string, logger *zap.Logger) *DNSClient {
	if endpoint == "" {
		endpoint = DefaultDoHEndpoint
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DNSClient{doer: doer, endpoint: endpoint, logger: logger}
}

// Lookup resolves the default record set for host. Types that fail resolve
// to nothing; the lookup only errors when every type fails.
func (c *DNSClient) Lookup(ctx context.Context, host string) ([]DNSRecord, error) {
	var records []DNSRecord
	var lastErr error
	failures := 0

	for _, rtype := range defaultRecordTypes {
		answers, err := c.lookupType(ctx, host, rtype)
		if err != nil {
			failures++
			lastErr = err
			c.logger.Debug("doh lookup failed",
				zap.String("host", host),
				zap.String("type", dns.TypeToString[rtype]),
				zap.Error(err))
			continue
		}
		records = append(records, answers...)
	}

	if failures == len(defaultRecordTypes) {
		return nil, ierr.Network("dns resolution unavailable", lastErr)
	}
	return records, nil
}

func (c *DNSClient) lookupType(ctx context.Context, host string, rtype uint16) ([]DNSRecord, error) {
	query := fmt.Sprintf("%s?name=%s&type=%s",
		c.endpoint, url.QueryEscape(host), dns.TypeToString[rtype])

	header := http.Header{}
	header.Set("Accept", "application/dns-json")
	res, err := c.doer.Fetch(ctx, query, fetcher.Options{Header: header})
	if err != nil {
		return nil, err
	}
	if res.Status != http.StatusOK {
		return nil, fmt.Errorf("doh endpoint returned status %d", res.Status)
	}

	body := string(res.Body)
	if !gjson.Valid(body) {
		return nil, fmt.Errorf("doh endpoint returned invalid json")
	}

	var records []DNSRecord
	for _, answer := range gjson.Get(body, "Answer").Array() {
		code := uint16(answer.Get("type").Int())
		name, ok := dns.TypeToString[code]
		if !ok {
			name = fmt.Sprintf("TYPE%d", code)
		}
		records = append(records, DNSRecord{
			Name:  strings.TrimSuffix(answer.Get("name").String(), "."),
			Type:  name,
			TTL:   answer.Get("TTL").Int(),
			Value: strings.TrimSuffix(answer.Get("data").String(), "."),
		})
	}
	return records, nil
}
