package api

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit is a parsed request budget in the <n>/<window> form.
type RateLimit struct {
	Count  int
	Window time.Duration
}

// ParseRateLimit parses budgets like "100/minute". Accepted windows are
// second, minute, hour and day.
func ParseRateLimit(s string) (RateLimit, error) {
	countStr, windowStr, ok := strings.Cut(s, "/")
	if !ok {
		return RateLimit{}, fmt.Errorf("rate limit %q: want <n>/<window>", s)
	}
	count, err := strconv.Atoi(strings.TrimSpace(countStr))
	if err != nil || count <= 0 {
		return RateLimit{}, fmt.Errorf("rate limit %q: bad count", s)
	}
	var window time.Duration
	switch strings.ToLower(strings.TrimSpace(windowStr)) {
	case "second":
		window = time.Second
	case "minute":
		window = time.Minute
	case "hour":
		window = time.Hour
	case "day":
		window = 24 * time.Hour
	default:
		return RateLimit{}, fmt.Errorf("rate limit %q: bad window", s)
	}
	return RateLimit{Count: count, Window: window}, nil
}

// keyLimiter hands out one token bucket per caller key. The full budget is
// available as burst, refilling over the window.
type keyLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func newKeyLimiter(rl RateLimit) *keyLimiter {
	return &keyLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(float64(rl.Count) / rl.Window.Seconds()),
		burst:   rl.Count,
	}
}

func (k *keyLimiter) allow(key string) bool {
	k.mu.Lock()
	bucket, ok := k.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(k.limit, k.burst)
		k.buckets[key] = bucket
	}
	k.mu.Unlock()
	return bucket.Allow()
}
