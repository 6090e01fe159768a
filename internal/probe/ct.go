package probe

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/khanhnv2901/urlinspect/internal/fetcher"
	ierr "github.com/khanhnv2901/urlinspect/internal/shared/errors"
)

// DefaultCTEndpoint is the crt.sh certificate transparency search API.
const DefaultCTEndpoint = "https://crt.sh/"

// MaxSubdomains caps how many enumerated subdomains a report carries.
const MaxSubdomains = 20

// CertEntry is one certificate seen in the transparency logs.
type CertEntry struct {
	Issuer     string `json:"issuer"`
	CommonName string `json:"common_name"`
	NotBefore  string `json:"not_before"`
	NotAfter   string `json:"not_after"`
}

// CTResult is the outcome of a transparency-log query.
type CTResult struct {
	Certificates []CertEntry `json:"certificates"`
	Subdomains   []string    `json:"subdomains"`
}

// CTClient queries certificate transparency logs via crt.sh.
type CTClient struct {
	doer     fetcher.Doer
	endpoint string
	logger   *zap.Logger
}

// NewCTClient builds a CT log client. An empty endpoint selects crt.sh.
func NewCTClient(doer fetcher.Doer, endpoint string, logger *zap.Logger) *CTClient {
	if endpoint == "" {
		endpoint = DefaultCTEndpoint
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CTClient{doer: doer, endpoint: endpoint, logger: logger}
}

// Lookup returns recent certificates for host plus the subdomains they
// reveal. The wildcard query (%.host) also matches host itself.
func (c *CTClient) Lookup(ctx context.Context, host string) (*CTResult, error) {
	query := fmt.Sprintf("%s?q=%s&output=json",
		c.endpoint, url.QueryEscape("%."+host))

	res, err := c.doer.Fetch(ctx, query, fetcher.Options{})
	if err != nil {
		return nil, ierr.Network("certificate transparency lookup failed", err)
	}
	if res.Status != http.StatusOK {
		return nil, ierr.Network(
			fmt.Sprintf("certificate transparency endpoint returned status %d", res.Status), nil)
	}

	body := string(res.Body)
	if !gjson.Valid(body) {
		// crt.sh intermittently serves truncated JSON under load.
		return nil, ierr.Network("certificate transparency endpoint returned invalid json", nil)
	}

	result := &CTResult{}
	seen := map[string]struct{}{}
	for i, entry := range gjson.Parse(body).Array() {
		if i < 10 {
			result.Certificates = append(result.Certificates, CertEntry{
				Issuer:     entry.Get("issuer_name").String(),
				CommonName: entry.Get("common_name").String(),
				NotBefore:  entry.Get("not_before").String(),
				NotAfter:   entry.Get("not_after").String(),
			})
		}
		for _, name := range strings.Split(entry.Get("name_value").String(), "\n") {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" || name == host || strings.Contains(name, "*") {
				continue
			}
			if !strings.HasSuffix(name, "."+host) {
				continue
			}
			seen[name] = struct{}{}
		}
	}

	for name := range seen {
		result.Subdomains = append(result.Subdomains, name)
	}
	sort.Strings(result.Subdomains)
	if len(result.Subdomains) > MaxSubdomains {
		result.Subdomains = result.Subdomains[:MaxSubdomains]
	}
	return result, nil
}
