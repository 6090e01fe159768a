package probe

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/khanhnv2901/urlinspect/internal/fetcher"
	ierr "github.com/khanhnv2901/urlinspect/internal/shared/errors"
)

// DefaultGeoEndpoint is the ip-api.com JSON geolocation service.
const DefaultGeoEndpoint = "http://ip-api.com/json/"

// GeoInfo is the geolocation of a resolved address.
type GeoInfo struct {
	Country     string  `json:"country"`
	CountryCode string  `json:"country_code"`
	Region      string  `json:"region"`
	City        string  `json:"city"`
	ISP         string  `json:"isp"`
	Org         string  `json:"org"`
	ASN         string  `json:"asn"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// GeoClient resolves hosts to a location via ip-api.com.
type GeoClient struct {
	doer     fetcher.Doer
	endpoint string
	logger   *zap.Logger
}

// NewGeoClient builds a geolocation client. An empty endpoint selects
// ip-api.com.
func NewGeoClient(doer fetcher.Doer, endpoint string, logger *zap.Logger) *GeoClient {
	if endpoint == "" {
		endpoint = DefaultGeoEndpoint
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeoClient{doer: doer, endpoint: endpoint, logger: logger}
}

// Locate looks up the location of host (a name or an IP literal). The
// upstream resolves names itself, so no separate DNS round trip is needed.
func (c *GeoClient) Locate(ctx context.Context, host string) (*GeoInfo, error) {
	res, err := c.doer.Fetch(ctx, c.endpoint+url.PathEscape(host), fetcher.Options{})
	if err != nil {
		return nil, ierr.Network("geolocation lookup failed", err)
	}
	if res.Status != http.StatusOK {
		return nil, ierr.Network(
			fmt.Sprintf("geolocation endpoint returned status %d", res.Status), nil)
	}

	body := string(res.Body)
	if !gjson.Valid(body) {
		return nil, ierr.Network("geolocation endpoint returned invalid json", nil)
	}
	if gjson.Get(body, "status").String() != "success" {
		return nil, ierr.Network(
			"geolocation failed: "+gjson.Get(body, "message").String(), nil)
	}

	return &GeoInfo{
		Country:     gjson.Get(body, "country").String(),
		CountryCode: gjson.Get(body, "countryCode").String(),
		Region:      gjson.Get(body, "regionName").String(),
		City:        gjson.Get(body, "city").String(),
		ISP:         gjson.Get(body, "isp").String(),
		Org:         gjson.Get(body, "org").String(),
		ASN:         gjson.Get(body, "as").String(),
		Latitude:    gjson.Get(body, "lat").Float(),
		Longitude:   gjson.Get(body, "lon").Float(),
	}, nil
}
