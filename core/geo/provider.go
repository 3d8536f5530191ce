// Package geo resolves IP addresses to locations through an ip-api compatible HTTP endpoint.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wispberry-tech/wispy-trust/core"
	"golang.org/x/time/rate"
)

// DefaultEndpoint is the free ip-api.com JSON endpoint
const DefaultEndpoint = "http://ip-api.com/json/"

const lookupFields = "status,message,country,countryCode,regionName,city,timezone,isp,proxy,hosting,query"

var (
	// ErrLookupFailed is returned when the provider answers with a failure status
	ErrLookupFailed = errors.New("geolocation lookup failed")
	// ErrRateLimited is returned when the local request budget is exhausted
	ErrRateLimited = errors.New("geolocation rate limit exceeded")
)

// Config holds provider settings
type Config struct {
	Endpoint          string
	Timeout           time.Duration
	RequestsPerMinute int
	// Burst is the number of lookups allowed back to back
	Burst int
}

// DefaultConfig matches the free tier limits of ip-api.com
func DefaultConfig() Config {
	return Config{
		Endpoint:          DefaultEndpoint,
		Timeout:           3 * time.Second,
		RequestsPerMinute: 45,
		Burst:             5,
	}
}

// Provider implements core.Geolocator
type Provider struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

var _ core.Geolocator = (*Provider)(nil)

// NewProvider creates a provider, filling zero config fields from DefaultConfig
func NewProvider(cfg Config) *Provider {
	defaults := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaults.Endpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaults.RequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaults.Burst
	}
	if !strings.HasSuffix(cfg.Endpoint, "/") {
		cfg.Endpoint += "/"
	}

	return &Provider{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.Burst),
	}
}

type lookupResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	RegionName  string `json:"regionName"`
	City        string `json:"city"`
	Timezone    string `json:"timezone"`
	ISP         string `json:"isp"`
	Proxy       bool   `json:"proxy"`
	Hosting     bool   `json:"hosting"`
	Query       string `json:"query"`
}

// Lookup resolves ip. Country is reported as the ISO alpha-2 code.
func (p *Provider) Lookup(ctx context.Context, ip string) (*core.LocationInfo, error) {
	if !p.limiter.Allow() {
		return nil, ErrRateLimited
	}

	reqURL := p.endpoint + url.PathEscape(ip) + "?fields=" + lookupFields
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build geolocation request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query geolocation provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geolocation provider returned status %d", resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode geolocation response: %w", err)
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("%w: %s", ErrLookupFailed, body.Message)
	}

	proxy := body.Proxy || body.Hosting
	return &core.LocationInfo{
		IP:       ip,
		Country:  optional(body.CountryCode),
		City:     optional(body.City),
		Region:   optional(body.RegionName),
		Timezone: optional(body.Timezone),
		ISP:      optional(body.ISP),
		Proxy:    &proxy,
	}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
