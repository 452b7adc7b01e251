// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

package geo

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
)

// IPAPIProvider implements Provider against an ipapi.co-compatible HTTP
// service. Lookups run through a circuit breaker so that a dead upstream
// degrades to fast failures (and therefore stale-cache fallbacks) instead
// of burning the 5s timeout on every call.
type IPAPIProvider struct {
	client  *http.Client
	baseURL string
	breaker *gobreaker.CircuitBreaker[*Data]
}

// ipAPIResponse is the JSON shape returned by ipapi.co. Error responses
// carry an explicit error flag plus a reason instead of an HTTP error.
type ipAPIResponse struct {
	CountryName string `json:"country_name"`
	CountryCode string `json:"country_code"`
	City        string `json:"city"`
	Region      string `json:"region"`
	RegionCode  string `json:"region_code"`
	Error       bool   `json:"error"`
	Reason      string `json:"reason"`
}

// IPAPIOptions configure an IPAPIProvider.
type IPAPIOptions struct {
	// BaseURL of the service, e.g. "https://ipapi.co". Required.
	BaseURL string

	// Timeout bounds a single lookup. Default: 5s.
	Timeout time.Duration

	// BreakerFailures is the consecutive-failure count that opens the
	// breaker. Default: 5.
	BreakerFailures uint32
}

// NewIPAPIProvider creates a provider for an ipapi.co-compatible service.
func NewIPAPIProvider(opts IPAPIOptions) *IPAPIProvider {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}

	breaker := gobreaker.NewCircuitBreaker[*Data](gobreaker.Settings{
		Name:    "geo-ipapi",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
	})

	return &IPAPIProvider{
		client:  &http.Client{Timeout: opts.Timeout},
		baseURL: opts.BaseURL,
		breaker: breaker,
	}
}

// Name returns the provider name recorded in cache entries.
func (p *IPAPIProvider) Name() string {
	return "ipapi"
}

// Lookup queries the service for the given IP.
func (p *IPAPIProvider) Lookup(ctx context.Context, ip string) (*Data, error) {
	return p.breaker.Execute(func() (*Data, error) {
		return p.query(ctx, ip)
	})
}

func (p *IPAPIProvider) query(ctx context.Context, ip string) (*Data, error) {
	url := fmt.Sprintf("%s/%s/json/", p.baseURL, ip)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query geolocation service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geolocation service returned status %d", resp.StatusCode)
	}

	var result ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode geolocation response: %w", err)
	}

	if result.Error {
		return nil, fmt.Errorf("geolocation lookup failed: %s", result.Reason)
	}

	return &Data{
		Country:     result.CountryName,
		CountryCode: result.CountryCode,
		City:        result.City,
		Region:      result.Region,
		RegionCode:  result.RegionCode,
	}, nil
}
