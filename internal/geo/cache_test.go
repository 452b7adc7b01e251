// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

package geo

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeProvider counts lookups and serves a fixed answer or error.
type fakeProvider struct {
	lookups int
	data    *Data
	err     error
}

func (f *fakeProvider) Lookup(_ context.Context, _ string) (*Data, error) {
	f.lookups++
	if f.err != nil {
		return nil, f.err
	}
	d := *f.data
	return &d, nil
}

func (f *fakeProvider) Name() string { return "fake" }

// testClock is an adjustable clock for cache tests.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCache(p Provider, clock *testClock) *Cache {
	return NewCache(p, CacheOptions{
		TTL:        24 * time.Hour,
		RateLimit:  5,
		RateWindow: time.Minute,
		Now:        clock.Now,
		RandFloat:  func() float64 { return 1.0 }, // never sweep unless forced
	})
}

func TestResolveCachesSingleLookup(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)}
	p := &fakeProvider{data: &Data{Country: "Germany", CountryCode: "DE", City: "Berlin"}}
	c := newTestCache(p, clock)

	first := c.Resolve(context.Background(), "203.0.113.9")
	if first == nil || first.Country != "Germany" {
		t.Fatalf("first resolve = %+v, want Germany", first)
	}
	if first.Source != "fake" {
		t.Errorf("source = %q, want fake", first.Source)
	}

	second := c.Resolve(context.Background(), "203.0.113.9")
	if second == nil || second.Country != "Germany" {
		t.Fatalf("second resolve = %+v, want Germany", second)
	}
	if p.lookups != 1 {
		t.Errorf("provider lookups = %d, want 1 (second call served from cache)", p.lookups)
	}
}

func TestResolveTTLBoundary(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)}
	p := &fakeProvider{data: &Data{Country: "France"}}
	c := newTestCache(p, clock)

	if c.Resolve(context.Background(), "203.0.113.9") == nil {
		t.Fatal("initial resolve failed")
	}

	// 23h59m: entry is still fresh, no second lookup.
	clock.Advance(23*time.Hour + 59*time.Minute)
	c.Resolve(context.Background(), "203.0.113.9")
	if p.lookups != 1 {
		t.Errorf("lookups after 23h59m = %d, want 1", p.lookups)
	}

	// Past 24h: entry is stale, a fresh lookup happens.
	clock.Advance(2 * time.Minute)
	c.Resolve(context.Background(), "203.0.113.9")
	if p.lookups != 2 {
		t.Errorf("lookups after 24h01m = %d, want 2", p.lookups)
	}
}

func TestResolveRateLimitWindow(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)}
	p := &fakeProvider{data: &Data{Country: "Spain"}}
	c := newTestCache(p, clock)

	// Five distinct IPs exhaust the window budget.
	ips := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"}
	for _, ip := range ips {
		if c.Resolve(context.Background(), ip) == nil {
			t.Fatalf("resolve %s failed inside budget", ip)
		}
	}
	if p.lookups != 5 {
		t.Fatalf("lookups = %d, want 5", p.lookups)
	}

	// Sixth IP has no cached value: rate limited, nil.
	if got := c.Resolve(context.Background(), "10.0.0.6"); got != nil {
		t.Errorf("resolve over budget = %+v, want nil", got)
	}
	if p.lookups != 5 {
		t.Errorf("lookups after rate-limited call = %d, want 5", p.lookups)
	}

	// Window resets once more than the window size has elapsed.
	clock.Advance(61 * time.Second)
	if c.Resolve(context.Background(), "10.0.0.6") == nil {
		t.Error("resolve after window reset failed")
	}
	if p.lookups != 6 {
		t.Errorf("lookups after reset = %d, want 6", p.lookups)
	}
}

func TestResolveRateLimitedServesStale(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)}
	p := &fakeProvider{data: &Data{Country: "Italy"}}
	c := newTestCache(p, clock)

	if c.Resolve(context.Background(), "10.0.0.1") == nil {
		t.Fatal("seed resolve failed")
	}

	// Entry goes stale and the budget is exhausted by other IPs within
	// the same window as the retry.
	clock.Advance(25 * time.Hour)
	for _, ip := range []string{"10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5", "10.0.0.6"} {
		c.Resolve(context.Background(), ip)
	}

	got := c.Resolve(context.Background(), "10.0.0.1")
	if got == nil || got.Country != "Italy" {
		t.Errorf("rate-limited resolve = %+v, want stale Italy entry", got)
	}

	stats := c.Stats()
	if stats.StaleServed == 0 {
		t.Error("StaleServed = 0, want > 0")
	}
}

func TestResolveLookupFailureServesStale(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)}
	p := &fakeProvider{data: &Data{Country: "Japan"}}
	c := newTestCache(p, clock)

	if c.Resolve(context.Background(), "10.0.0.1") == nil {
		t.Fatal("seed resolve failed")
	}

	clock.Advance(25 * time.Hour)
	p.err = errors.New("upstream down")

	got := c.Resolve(context.Background(), "10.0.0.1")
	if got == nil || got.Country != "Japan" {
		t.Errorf("resolve after lookup failure = %+v, want stale Japan entry", got)
	}

	// With no cached value at all, failure yields nil.
	if got := c.Resolve(context.Background(), "10.0.0.2"); got != nil {
		t.Errorf("resolve with no cache and failing provider = %+v, want nil", got)
	}
}

func TestResolveInvalidIPConsumesNoBudget(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)}
	p := &fakeProvider{data: &Data{Country: "Chile"}}
	c := newTestCache(p, clock)

	for _, ip := range []string{"", "not-an-ip", "2001:db8::1", "999.1.1.1"} {
		if got := c.Resolve(context.Background(), ip); got != nil {
			t.Errorf("Resolve(%q) = %+v, want nil", ip, got)
		}
	}
	if p.lookups != 0 {
		t.Errorf("lookups = %d, want 0 for invalid input", p.lookups)
	}

	// The full budget is still available.
	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"} {
		if c.Resolve(context.Background(), ip) == nil {
			t.Errorf("resolve %s failed, invalid inputs should not consume budget", ip)
		}
	}
}

func TestSweepDropsExpiredEntries(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)}
	p := &fakeProvider{data: &Data{Country: "Peru"}}

	sweep := false
	c := NewCache(p, CacheOptions{
		TTL:        24 * time.Hour,
		RateLimit:  100,
		RateWindow: time.Minute,
		Now:        clock.Now,
		RandFloat: func() float64 {
			if sweep {
				return 0.0
			}
			return 1.0
		},
	})

	c.Resolve(context.Background(), "10.0.0.1")
	c.Resolve(context.Background(), "10.0.0.2")

	clock.Advance(25 * time.Hour)
	sweep = true
	c.Resolve(context.Background(), "10.0.0.3")

	stats := c.Stats()
	// Expired entries for .1 and .2 are gone; only the fresh .3 remains.
	if stats.Entries != 1 {
		t.Errorf("entries after sweep = %d, want 1", stats.Entries)
	}
}
