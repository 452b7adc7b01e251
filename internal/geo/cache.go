// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

// Package geo resolves client IP addresses to coarse geolocation for
// session enrichment.
//
// Resolution is strictly best-effort and never blocks the caller beyond a
// single bounded lookup: the cache answers fresh entries immediately, the
// rate limiter caps outbound lookups per window, and every failure path
// falls back to the last cached value (stale) or nil. The fallback order
// is a first-class contract:
//
//  1. fresh cache entry (age < TTL)
//  2. outbound lookup, if the rate limiter permits
//  3. stale cache entry
//  4. nil
//
// The cache and rate limiter are process-local and in-memory; a restart
// silently resets both. That is an accepted data-loss point for an
// enrichment cache, not a bug.
package geo

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cadencehq/eventsync/internal/logging"
	"github.com/cadencehq/eventsync/internal/metrics"
)

// Data is a resolved geolocation, as cached per IP.
type Data struct {
	Country     string    `json:"country"`
	CountryCode string    `json:"country_code"`
	City        string    `json:"city"`
	Region      string    `json:"region"`
	RegionCode  string    `json:"region_code"`
	FetchedAt   time.Time `json:"ts"`
	Source      string    `json:"source"`
}

// Provider performs an outbound geolocation lookup for a single IP.
type Provider interface {
	// Lookup returns geolocation data for the given IPv4 address.
	Lookup(ctx context.Context, ip string) (*Data, error)

	// Name identifies the provider in cache entries and logs.
	Name() string
}

// Stats is a point-in-time snapshot of cache behavior, exposed on the
// status endpoint.
type Stats struct {
	Entries     int   `json:"entries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Lookups     int64 `json:"lookups"`
	LookupFails int64 `json:"lookup_fails"`
	RateLimited int64 `json:"rate_limited"`
	StaleServed int64 `json:"stale_served"`
}

// CacheOptions configure a Cache. Zero values take defaults matching the
// production configuration (24h TTL, 5 lookups per 60s window).
type CacheOptions struct {
	TTL        time.Duration
	RateLimit  int
	RateWindow time.Duration

	// Now and RandFloat are injectable for tests.
	Now       func() time.Time
	RandFloat func() float64
}

// Cache is a TTL geolocation cache with a fixed-window rate limiter over
// outbound lookups. All methods are safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*Data
	provider Provider

	ttl        time.Duration
	rateLimit  int
	rateWindow time.Duration

	// fixed-window limiter state
	requestsInWindow int
	windowStart      time.Time

	now       func() time.Time
	randFloat func() float64

	stats Stats
}

// sweepProbability is the chance a Resolve call triggers an expired-entry
// sweep, bounding memory without a background goroutine.
const sweepProbability = 0.1

// NewCache creates a geolocation cache backed by the given provider.
func NewCache(provider Provider, opts CacheOptions) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 5
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RandFloat == nil {
		opts.RandFloat = rand.Float64
	}
	return &Cache{
		entries:    make(map[string]*Data),
		provider:   provider,
		ttl:        opts.TTL,
		rateLimit:  opts.RateLimit,
		rateWindow: opts.RateWindow,
		now:        opts.Now,
		randFloat:  opts.RandFloat,
	}
}

// Resolve returns geolocation data for ip, or nil when nothing can be
// determined. It never returns an error and never waits on the rate
// limiter; see the package doc for the fallback order.
func (c *Cache) Resolve(ctx context.Context, ip string) *Data {
	if !IsIPv4(ip) {
		// Invalid input consumes no rate-limit budget.
		metrics.GeoLookupsTotal.WithLabelValues("invalid").Inc()
		return nil
	}

	c.mu.Lock()
	now := c.now()

	if c.randFloat() < sweepProbability {
		c.sweepLocked(now)
	}

	cached := c.entries[ip]
	if cached != nil && now.Sub(cached.FetchedAt) < c.ttl {
		c.stats.Hits++
		c.mu.Unlock()
		metrics.GeoLookupsTotal.WithLabelValues("cache_hit").Inc()
		return cached
	}
	c.stats.Misses++

	if !c.allowLookupLocked(now) {
		c.stats.RateLimited++
		if cached != nil {
			c.stats.StaleServed++
			c.mu.Unlock()
			metrics.GeoLookupsTotal.WithLabelValues("rate_limited").Inc()
			return cached
		}
		c.mu.Unlock()
		metrics.GeoLookupsTotal.WithLabelValues("rate_limited").Inc()
		return nil
	}
	c.stats.Lookups++
	c.mu.Unlock()

	data, err := c.provider.Lookup(ctx, ip)
	if err != nil {
		logging.Warn().Err(err).Str("ip", ip).Msg("Geolocation lookup failed, falling back to cached value")
		c.mu.Lock()
		c.stats.LookupFails++
		if cached != nil {
			c.stats.StaleServed++
		}
		c.mu.Unlock()
		if cached != nil {
			metrics.GeoLookupsTotal.WithLabelValues("stale").Inc()
			return cached
		}
		metrics.GeoLookupsTotal.WithLabelValues("miss").Inc()
		return nil
	}

	data.FetchedAt = c.now()
	data.Source = c.provider.Name()

	c.mu.Lock()
	c.entries[ip] = data
	metrics.GeoCacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()

	metrics.GeoLookupsTotal.WithLabelValues("lookup").Inc()
	return data
}

// allowLookupLocked implements the fixed-window limiter: the window resets
// once more than rateWindow has elapsed since windowStart.
func (c *Cache) allowLookupLocked(now time.Time) bool {
	if now.Sub(c.windowStart) > c.rateWindow {
		c.windowStart = now
		c.requestsInWindow = 0
	}
	if c.requestsInWindow >= c.rateLimit {
		return false
	}
	c.requestsInWindow++
	return true
}

// sweepLocked drops entries older than the TTL.
func (c *Cache) sweepLocked(now time.Time) {
	for ip, d := range c.entries {
		if now.Sub(d.FetchedAt) >= c.ttl {
			delete(c.entries, ip)
		}
	}
	metrics.GeoCacheEntries.Set(float64(len(c.entries)))
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}
