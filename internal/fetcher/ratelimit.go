package fetcher

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

type hostLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterMap holds one rate.Limiter per registrable domain, so that
// www.example.com and cdn.example.com share a budget.
type RateLimiterMap struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*hostLimiter
}

// NewRateLimiterMap creates a limiter map allowing perSecond requests per
// domain with the given burst. A non-positive perSecond disables limiting.
func NewRateLimiterMap(perSecond float64, burst int) *RateLimiterMap {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &RateLimiterMap{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*hostLimiter),
	}
}

// Wait blocks until the limiter for host allows a request, or the context
// is canceled.
func (m *RateLimiterMap) Wait(ctx context.Context, host string) error {
	return m.get(DomainKey(host)).Wait(ctx)
}

func (m *RateLimiterMap) get(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.limiters[key]
	if !ok {
		entry = &hostLimiter{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// Prune drops limiters idle for longer than maxIdle and returns how many
// were removed.
func (m *RateLimiterMap) Prune(maxIdle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, entry := range m.limiters {
		if time.Since(entry.lastSeen) > maxIdle {
			delete(m.limiters, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked domains.
func (m *RateLimiterMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limiters)
}

// DomainKey reduces a hostname to its registrable domain. IP addresses and
// hosts without a known public suffix are returned lowercased as-is.
func DomainKey(hostname string) string {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	if net.ParseIP(hostname) != nil {
		return hostname
	}
	if d, err := publicsuffix.EffectiveTLDPlusOne(hostname); err == nil {
		return d
	}
	return hostname
}
