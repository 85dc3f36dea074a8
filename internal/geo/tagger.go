// Package geo attributes client addresses to coarse country buckets.
//
// Classification is best effort: every failure path ends in Other, and
// lookups run under a fixed timeout so callers never wait on a slow
// geolocation source.
package geo

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/yourname/go-hitcounter/internal/metrics"
)

// Other is the bucket for everything that is not an allow-listed country.
const Other = "OTHER"

// Lookup resolves a public address to an ISO 3166-1 alpha-2 country code.
type Lookup interface {
	Country(ctx context.Context, ip net.IP) (string, error)
}

// Classifier is what the counter depends on.
type Classifier interface {
	Classify(ctx context.Context, ip string) string
}

// Static classifies every address into the same bucket. It stands in when no
// geolocation source is configured.
type Static string

func (s Static) Classify(context.Context, string) string { return string(s) }

type Tagger struct {
	lookup  Lookup
	cache   Cache
	buckets map[string]struct{}
	timeout time.Duration
	group   singleflight.Group
}

var _ Classifier = (*Tagger)(nil)

// NewTagger wires a lookup behind the allow-list. A nil cache disables caching.
func NewTagger(lookup Lookup, cache Cache, buckets []string, timeout time.Duration) *Tagger {
	allowed := make(map[string]struct{}, len(buckets))
	for _, b := range buckets {
		allowed[strings.ToUpper(strings.TrimSpace(b))] = struct{}{}
	}
	if cache == nil {
		cache = noopCache{}
	}
	return &Tagger{lookup: lookup, cache: cache, buckets: allowed, timeout: timeout}
}

// Classify never takes longer than the tagger timeout, cache round trips
// included.
func (t *Tagger) Classify(ctx context.Context, ipStr string) string {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil || !isPublic(ip) {
		metrics.GeoLookups.WithLabelValues("local").Inc()
		return Other
	}
	key := ip.String()

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if bucket, ok := t.cache.Get(ctx, key); ok {
		metrics.CacheHit.WithLabelValues("geo").Inc()
		// The allow-list may have shrunk since the entry was written.
		return t.bucket(bucket)
	}
	metrics.CacheMiss.WithLabelValues("geo").Inc()
	if ctx.Err() != nil {
		metrics.GeoLookups.WithLabelValues("timeout").Inc()
		return Other
	}

	// Concurrent misses for one address share a single lookup. The lookup is
	// detached from the caller that started it so followers survive its
	// cancellation.
	ch := t.group.DoChan(key, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
		defer cancel()
		code, err := t.lookup.Country(lookupCtx, ip)
		if err != nil {
			return "", err
		}
		bucket := t.bucket(code)
		t.cache.Set(lookupCtx, key, bucket)
		return bucket, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			metrics.GeoLookups.WithLabelValues("error").Inc()
			log.Debug().Err(res.Err).Str("ip", key).Msg("geo lookup")
			return Other
		}
		metrics.GeoLookups.WithLabelValues("ok").Inc()
		return res.Val.(string)
	case <-ctx.Done():
		metrics.GeoLookups.WithLabelValues("timeout").Inc()
		return Other
	}
}

func (t *Tagger) bucket(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if _, ok := t.buckets[code]; ok {
		return code
	}
	return Other
}

func isPublic(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast())
}
