// Package vendorlookup resolves MAC addresses to hardware vendor names
// through an external OUI API, with an LRU cache and a rate-limited
// outbound path.
package vendorlookup

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kaonis/woly-server/internal/mac"
	"github.com/kaonis/woly-server/internal/wolerr"
)

const (
	defaultBaseURL = "https://api.macvendors.com"

	// UnknownVendor is cached for MACs the API has no record of, so
	// repeated lookups of locally administered addresses stay local.
	UnknownVendor = "Unknown Vendor"

	cacheSize = 1000
	cacheTTL  = 24 * time.Hour

	requestTimeout = 5 * time.Second
)

type entry struct {
	vendor   string
	cachedAt time.Time
}

// Lookup is the vendor resolver. Outbound requests are serialized at
// one per second; hits are served from the cache.
type Lookup struct {
	log     zerolog.Logger
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	cache   *lru.Cache[string, entry]
	now     func() time.Time
}

// New creates a vendor lookup against the default API.
func New(log zerolog.Logger) *Lookup {
	cache, _ := lru.New[string, entry](cacheSize)
	client := cleanhttp.DefaultClient()
	client.Timeout = requestTimeout
	return &Lookup{
		log:     log.With().Str("component", "vendorlookup").Logger(),
		baseURL: defaultBaseURL,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(1), 1),
		cache:   cache,
		now:     time.Now,
	}
}

// WithBaseURL points the lookup at a different API endpoint. Used by
// tests.
func (l *Lookup) WithBaseURL(url string) *Lookup {
	l.baseURL = strings.TrimRight(url, "/")
	return l
}

// Vendor resolves the vendor name for a MAC address. Any accepted MAC
// form maps to the same cache slot.
func (l *Lookup) Vendor(ctx context.Context, rawMac string) (string, error) {
	normalized, err := mac.Normalize(rawMac)
	if err != nil {
		return "", wolerr.Wrap(wolerr.KindInvalidRequest, "invalid mac", err)
	}
	key, err := mac.CacheKey(normalized)
	if err != nil {
		return "", wolerr.Wrap(wolerr.KindInvalidRequest, "invalid mac", err)
	}

	if e, ok := l.cache.Get(key); ok {
		if l.now().Sub(e.cachedAt) < cacheTTL {
			return e.vendor, nil
		}
		l.cache.Remove(key)
	}

	if err := l.limiter.Wait(ctx); err != nil {
		return "", wolerr.Wrap(wolerr.KindInternal, "lookup cancelled", err)
	}

	vendor, err := l.fetch(ctx, normalized)
	if err != nil {
		return "", err
	}
	l.cache.Add(key, entry{vendor: vendor, cachedAt: l.now()})
	return vendor, nil
}

func (l *Lookup) fetch(ctx context.Context, normalized string) (string, error) {
	url := l.baseURL + "/" + normalized
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", wolerr.Wrap(wolerr.KindInternal, "build lookup request", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return "", wolerr.Wrap(wolerr.KindInternal, "vendor lookup failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return "", wolerr.Wrap(wolerr.KindInternal, "read lookup response", err)
		}
		vendor := strings.TrimSpace(string(body))
		if vendor == "" {
			return UnknownVendor, nil
		}
		return vendor, nil

	case resp.StatusCode == http.StatusNotFound:
		// No registered OUI. Cache the miss like any hit.
		return UnknownVendor, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return "", wolerr.New(wolerr.KindRateLimited, "vendor API rate limit")

	default:
		return "", wolerr.Newf(wolerr.KindInternal, "vendor API responded %d", resp.StatusCode)
	}
}

// CacheLen reports the number of cached entries.
func (l *Lookup) CacheLen() int { return l.cache.Len() }
