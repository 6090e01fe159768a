package probe

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/khanhnv2901/urlinspect/internal/fetcher"
	ierr "github.com/khanhnv2901/urlinspect/internal/shared/errors"
)

// fetchFunc adapts a function to the fetcher.Doer interface for tests.
type fetchFunc func(ctx context.Context, rawURL string, opts fetcher.Options) (*fetcher.Result, error)

func (f fetchFunc) Fetch(ctx context.Context, rawURL string, opts fetcher.Options) (*fetcher.Result, error) {
	return f(ctx, rawURL, opts)
}

func jsonResult(body string) *fetcher.Result {
	return &fetcher.Result{
		Status:  http.StatusOK,
		Headers: http.Header{"Content-Type": {"application/json"}},
		Body:    []byte(body),
	}
}

const dohAnswerA = `{"Status":0,"Answer":[
  {"name":"example.org.","type":1,"TTL":3600,"data":"93.184.216.34"},
  {"name":"example.org.","type":1,"TTL":3600,"data":"93.184.216.35"}]}`

const dohAnswerEmpty = `{"Status":0}`

func TestDNSLookupParsesAnswers(t *testing.T) {
	var queries []string
	doer := fetchFunc(func(ctx context.Context, rawURL string, opts fetcher.Options) (*fetcher.Result, error) {
		queries = append(queries, rawURL)
		if opts.Header.Get("Accept") != "application/dns-json" {
			t.Errorf("Accept = %q", opts.Header.Get("Accept"))
		}
		if strings.Contains(rawURL, "type=A&") || strings.HasSuffix(rawURL, "type=A") {
			return jsonResult(dohAnswerA), nil
		}
		return jsonResult(dohAnswerEmpty), nil
	})

	c := NewDNSClient(doer, "", nil)
	records, err := c.Lookup(context.Background(), "example.org")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	first := records[0]
	if first.Name != "example.org" || first.Type != "A" || first.TTL != 3600 || first.Value != "93.184.216.34" {
		t.Errorf("record = %+v", first)
	}
	if len(queries) != len(defaultRecordTypes) {
		t.Errorf("made %d queries, want %d", len(queries), len(defaultRecordTypes))
	}
}

func TestDNSLookupToleratesPartialFailure(t *testing.T) {
	doer := fetchFunc(func(ctx context.Context, rawURL string, opts fetcher.Options) (*fetcher.Result, error) {
		if strings.Contains(rawURL, "type=TXT") {
			return nil, errors.New("upstream flaked")
		}
		return jsonResult(dohAnswerA), nil
	})

	c := NewDNSClient(doer, "", nil)
	records, err := c.Lookup(context.Background(), "example.org")
	if err != nil {
		t.Fatalf("Lookup with one failing type: %v", err)
	}
	if len(records) == 0 {
		t.Error("no records despite partial success")
	}
}

func TestDNSLookupAllTypesFail(t *testing.T) {
	doer := fetchFunc(func(ctx context.Context, rawURL string, opts fetcher.Options) (*fetcher.Result, error) {
		return nil, errors.New("resolver down")
	})

	c := NewDNSClient(doer, "", nil)
	_, err := c.Lookup(context.Background(), "example.org")
	if err == nil {
		t.Fatal("Lookup succeeded with every type failing")
	}
	if ie, ok := ierr.AsInspection(err); !ok || ie.Kind != ierr.KindNetwork {
		t.Errorf("err = %v, want %s", err, ierr.KindNetwork)
	}
}

const ctFixture = `[
  {"issuer_name":"C=US, O=Let's Encrypt, CN=R11","common_name":"example.org",
   "name_value":"example.org\nwww.example.org","not_before":"2025-04-01T00:00:00","not_after":"2025-06-30T23:59:59"},
  {"issuer_name":"C=US, O=Let's Encrypt, CN=R11","common_name":"api.example.org",
   "name_value":"api.example.org\n*.staging.example.org","not_before":"2025-03-01T00:00:00","not_after":"2025-05-30T23:59:59"},
  {"issuer_name":"C=US, O=Let's Encrypt, CN=R11","common_name":"www.example.org",
   "name_value":"www.example.org","not_before":"2025-02-01T00:00:00","not_after":"2025-04-30T23:59:59"}
]`

func TestCTLookupExtractsSubdomains(t *testing.T) {
	doer := fetchFunc(func(ctx context.Context, rawURL string, opts fetcher.Options) (*fetcher.Result, error) {
		if !strings.Contains(rawURL, "output=json") {
			t.Errorf("query %q missing output=json", rawURL)
		}
		return jsonResult(ctFixture), nil
	})

	c := NewCTClient(doer, "", nil)
	result, err := c.Lookup(context.Background(), "example.org")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(result.Certificates) != 3 {
		t.Errorf("got %d certificates, want 3", len(result.Certificates))
	}
	want := []string{"api.example.org", "www.example.org"}
	if len(result.Subdomains) != len(want) {
		t.Fatalf("Subdomains = %v, want %v", result.Subdomains, want)
	}
	for i, name := range want {
		if result.Subdomains[i] != name {
			t.Errorf("Subdomains[%d] = %q, want %q", i, result.Subdomains[i], name)
		}
	}
}

func TestCTLookupCapsSubdomains(t *testing.T) {
	var entries []string
	for i := 0; i < 40; i++ {
		entries = append(entries, `{"name_value":"host`+string(rune('a'+i%26))+string(rune('a'+i/26))+`.example.org"}`)
	}
	body := "[" + strings.Join(entries, ",") + "]"
	doer := fetchFunc(func(ctx context.Context, rawURL string, opts fetcher.Options) (*fetcher.Result, error) {
		return jsonResult(body), nil
	})

	c := NewCTClient(doer, "", nil)
	result, err := c.Lookup(context.Background(), "example.org")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(result.Subdomains) != MaxSubdomains {
		t.Errorf("got %d subdomains, want cap %d", len(result.Subdomains), MaxSubdomains)
	}
}

func TestCTLookupInvalidJSON(t *testing.T) {
	doer := fetchFunc(func(ctx context.Context, rawURL string, opts fetcher.Options) (*fetcher.Result, error) {
		return jsonResult(`[{"name_value":"trunc`), nil
	})

	c := NewCTClient(doer, "", nil)
	if _, err := c.Lookup(context.Background(), "example.org"); err == nil {
		t.Fatal("Lookup accepted truncated json")
	}
}

const geoFixture = `{"status":"success","country":"United States","countryCode":"US",
  "regionName":"Virginia","city":"Ashburn","isp":"Edgecast Inc.","org":"Edgecast",
  "as":"AS15133 Edgecast Inc.","lat":39.0438,"lon":-77.4874}`

func TestGeoLocate(t *testing.T) {
	doer := fetchFunc(func(ctx context.Context, rawURL string, opts fetcher.Options) (*fetcher.Result, error) {
		if !strings.HasPrefix(rawURL, DefaultGeoEndpoint) {
			t.Errorf("unexpected endpoint in %q", rawURL)
		}
		return jsonResult(geoFixture), nil
	})

	c := NewGeoClient(doer, "", nil)
	info, err := c.Locate(context.Background(), "93.184.216.34")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if info.Country != "United States" || info.CountryCode != "US" {
		t.Errorf("country = %q/%q", info.Country, info.CountryCode)
	}
	if info.City != "Ashburn" || info.ASN != "AS15133 Edgecast Inc." {
		t.Errorf("info = %+v", info)
	}
	if info.Latitude == 0 || info.Longitude == 0 {
		t.Error("coordinates not parsed")
	}
}

func TestGeoLocateUpstreamFailure(t *testing.T) {
	doer := fetchFunc(func(ctx context.Context, rawURL string, opts fetcher.Options) (*fetcher.Result, error) {
		return jsonResult(`{"status":"fail","message":"private range"}`), nil
	})

	c := NewGeoClient(doer, "", nil)
	_, err := c.Locate(context.Background(), "10.0.0.1")
	if err == nil {
		t.Fatal("Locate accepted a failed lookup")
	}
	if !strings.Contains(err.Error(), "private range") {
		t.Errorf("err = %v, want upstream message", err)
	}
}
