package filter

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const defaultTrackedPeers = 10000

// RateLimitFilter limits how often a single peer address may connect. Each
// peer gets a token bucket; the least recently seen peers are forgotten
// once more than maxPeers are tracked.
type RateLimitFilter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters *lru.Cache[netip.Addr, *rate.Limiter]
}

// NewRateLimitFilter allows perSecond connections per peer with the given
// burst. A non-positive maxPeers selects the default.
func NewRateLimitFilter(perSecond float64, burst, maxPeers int) (*RateLimitFilter, error) {
	if perSecond <= 0 {
		return nil, fmt.Errorf("rate must be positive, got %v", perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	if maxPeers <= 0 {
		maxPeers = defaultTrackedPeers
	}

	cache, err := lru.New[netip.Addr, *rate.Limiter](maxPeers)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &RateLimitFilter{limit: rate.Limit(perSecond), burst: burst, limiters: cache}, nil
}

func (f *RateLimitFilter) Name() string { return "rate-limit" }

func (f *RateLimitFilter) Allow(_ context.Context, addr net.Addr) (bool, error) {
	ip, err := PeerIP(addr)
	if err != nil {
		return false, err
	}
	return f.limiter(ip).Allow(), nil
}

func (f *RateLimitFilter) limiter(ip netip.Addr) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if l, ok := f.limiters.Get(ip); ok {
		return l
	}
	l := rate.NewLimiter(f.limit, f.burst)
	f.limiters.Add(ip, l)
	return l
}

// Tracked is the number of peers currently holding a bucket.
func (f *RateLimitFilter) Tracked() int {
	return f.limiters.Len()
}
