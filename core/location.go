package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// LocationInfo is the resolved location of an IP. Every field except IP is nil when unknown;
// values are never fabricated for unresolved addresses.
type LocationInfo struct {
	IP       string  `json:"ip"`
	Country  *string `json:"country"`
	City     *string `json:"city"`
	Region   *string `json:"region"`
	Timezone *string `json:"timezone"`
	ISP      *string `json:"isp"`
	// Proxy is set by providers that report proxy/VPN/hosting networks
	Proxy *bool `json:"proxy,omitempty"`
}

// Resolved reports whether the location carries a country
func (l LocationInfo) Resolved() bool {
	return l.Country != nil
}

// Geolocator resolves an IP to a location. Implementations may block on network I/O.
// A nil location with a nil error means the provider does not know the address.
type Geolocator interface {
	Lookup(ctx context.Context, ip string) (*LocationInfo, error)
}

const (
	localCountry = "Local"
	localCity    = "Localhost"
)

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
}

// IsPrivateIP reports whether ip is loopback or in the 10/8 or 192.168/16 ranges
func IsPrivateIP(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range privatePrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// LocalLocation is the synthetic location reported for private and loopback addresses
func LocalLocation(ip string) LocationInfo {
	return LocationInfo{IP: ip, Country: strPtr(localCountry), City: strPtr(localCity)}
}

const defaultGeoCacheSize = 10000

// LocationResolver wraps a Geolocator with a bounded per-IP LRU cache, lookup deduplication,
// a bounded timeout and fail-open semantics. Private and loopback addresses never reach the provider.
type LocationResolver struct {
	provider Geolocator
	timeout  time.Duration
	logger   *slog.Logger

	cache *expirable.LRU[string, LocationInfo]
	group singleflight.Group
}

// NewLocationResolver creates a resolver. A nil provider resolves every public IP to unknown.
// Entries expire after ttl and the least recently used are evicted beyond size.
func NewLocationResolver(provider Geolocator, ttl, timeout time.Duration, size int, logger *slog.Logger) *LocationResolver {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if size <= 0 {
		size = defaultGeoCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocationResolver{
		provider: provider,
		timeout:  timeout,
		logger:   logger,
		cache:    expirable.NewLRU[string, LocationInfo](size, nil, ttl),
	}
}

// CacheLen returns the number of cached locations
func (r *LocationResolver) CacheLen() int {
	return r.cache.Len()
}

// Resolve returns the location of ip together with the availability of the geolocation signal.
// It never fails: transport and parse errors yield an all-nil location.
func (r *LocationResolver) Resolve(ctx context.Context, ip string) (LocationInfo, Signal) {
	ip = strings.TrimSpace(ip)
	if IsPrivateIP(ip) {
		geoLookupsTotal.WithLabelValues("private").Inc()
		return LocalLocation(ip), Present(SignalGeolocation)
	}
	if _, err := netip.ParseAddr(ip); err != nil {
		geoLookupsTotal.WithLabelValues("invalid").Inc()
		return LocationInfo{IP: ip}, Unavailable(SignalGeolocation, "unparseable IP address")
	}
	if r.provider == nil {
		return LocationInfo{IP: ip}, Unavailable(SignalGeolocation, "no geolocation provider configured")
	}

	if loc, ok := r.cache.Get(ip); ok {
		geoLookupsTotal.WithLabelValues("cache_hit").Inc()
		return loc, Present(SignalGeolocation)
	}

	ch := r.group.DoChan(ip, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		loc, err := r.provider.Lookup(lookupCtx, ip)
		if err != nil {
			return nil, err
		}
		if loc == nil {
			return nil, fmt.Errorf("no location for %s", ip)
		}
		resolved := *loc
		resolved.IP = ip
		r.cache.Add(ip, resolved)
		return resolved, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			geoLookupsTotal.WithLabelValues("error").Inc()
			r.logger.Warn("Geolocation lookup failed, treating location as unknown", "ip", ip, "error", res.Err)
			return LocationInfo{IP: ip}, Unavailable(SignalGeolocation, res.Err.Error())
		}
		geoLookupsTotal.WithLabelValues("resolved").Inc()
		return res.Val.(LocationInfo), Present(SignalGeolocation)
	case <-ctx.Done():
		geoLookupsTotal.WithLabelValues("timeout").Inc()
		r.logger.Warn("Geolocation lookup abandoned at request deadline", "ip", ip, "error", ctx.Err())
		return LocationInfo{IP: ip}, Unavailable(SignalGeolocation, "request deadline exceeded")
	}
}

// Proxy/VPN heuristics on provider ISP names
var vpnISPKeywords = []string{
	"vpn", "proxy", "hosting", "datacenter", "data center", "cloud", "digitalocean",
	"amazon", "aws", "google cloud", "microsoft azure", "ovh", "hetzner", "linode",
	"vultr", "m247", "choopa", "tor ",
}

// DetectVPN evaluates the VPN/proxy heuristic for a resolved location.
// It is unavailable when the location is unresolved or carries no network information.
func DetectVPN(loc LocationInfo, geo Signal) Signal {
	if !geo.Available() {
		return Unavailable(SignalVPN, "geolocation unavailable")
	}
	if loc.Country != nil && *loc.Country == localCountry {
		return Absent(SignalVPN)
	}
	if loc.Proxy != nil && *loc.Proxy {
		return Present(SignalVPN)
	}
	if loc.ISP == nil {
		if loc.Proxy != nil {
			return Absent(SignalVPN)
		}
		return Unavailable(SignalVPN, "no network information for address")
	}
	isp := strings.ToLower(*loc.ISP)
	for _, kw := range vpnISPKeywords {
		if strings.Contains(isp, kw) {
			return Present(SignalVPN)
		}
	}
	return Absent(SignalVPN)
}

func strPtr(s string) *string {
	return &s
}

func strValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func sameOptional(a, b *string) bool {
	return strValue(a) == strValue(b)
}
