// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

package geo

import (
	"net"
	"net/http"
	"strings"
)

// clientIPHeaders are checked in priority order. Proxies prepend, so the
// first comma segment is the original client.
var clientIPHeaders = []string{
	"X-Forwarded-For",
	"CF-Connecting-IP",
	"X-Real-IP",
}

// IsIPv4 reports whether s is a valid IPv4 address. IPv6 is rejected; the
// geolocation provider and cache key space are IPv4-only.
func IsIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil && strings.Count(s, ".") == 3
}

// ClientIP extracts the client IPv4 address from proxy headers, falling
// back to the connection's own remote address. Returns "" when nothing
// validates as IPv4.
func ClientIP(r *http.Request) string {
	for _, header := range clientIPHeaders {
		value := r.Header.Get(header)
		if value == "" {
			continue
		}
		// First comma segment is the original client when the header has
		// been appended to by intermediate proxies.
		candidate := strings.TrimSpace(strings.SplitN(value, ",", 2)[0])
		if IsIPv4(candidate) {
			return candidate
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if IsIPv4(host) {
		return host
	}

	return ""
}
