package llmproxy

import (
	"math"
	"net"
	"net/http"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// DefaultLimiterClients bounds how many client buckets are remembered
const DefaultLimiterClients = 4096

// clientLimiter holds one token bucket per client IP. The least recently
// seen clients are evicted once the cache is full.
type clientLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
}

func newClientLimiter(rps float64, burst, size int) (*clientLimiter, error) {
	if size <= 0 {
		size = DefaultLimiterClients
	}
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(rps)))
	}

	buckets, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		return nil, err
	}

	return &clientLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		buckets: buckets,
	}, nil
}

func (l *clientLimiter) allow(client string) bool {
	l.mu.Lock()
	bucket, ok := l.buckets.Get(client)
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets.Add(client, bucket)
	}
	l.mu.Unlock()

	return bucket.Allow()
}

// clientIP extracts the client IP from the request
func clientIP(r *http.Request) string {
	// Check X-Forwarded-For header
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	// Check X-Real-IP header
	if ip := net.ParseIP(r.Header.Get("X-Real-IP")); ip != nil {
		return ip.String()
	}

	// Fall back to RemoteAddr
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
