package httpserver

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL  = 5 * time.Minute
	limiterCapacity = 1024
	limiterSweep    = time.Minute
)

type limiterEntry struct {
	*rate.Limiter
	lastSeen time.Time
}

// clientLimiters hands out one token bucket per client address. Buckets idle
// for longer than ttl are swept; when capacity is reached the least recently
// seen bucket is dropped.
type clientLimiters struct {
	mu       sync.Mutex
	entries  map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	capacity int

	done     chan struct{}
	stopOnce sync.Once
}

func newClientLimiters(limit rate.Limit, burst int) *clientLimiters {
	c := &clientLimiters{
		entries:  make(map[string]*limiterEntry),
		limit:    limit,
		burst:    burst,
		ttl:      limiterIdleTTL,
		capacity: limiterCapacity,
		done:     make(chan struct{}),
	}
	go c.sweepLoop(limiterSweep)
	return c
}

// allow reports whether client may make a request now.
func (c *clientLimiters) allow(client string) bool {
	now := time.Now()

	c.mu.Lock()
	e, ok := c.entries[client]
	if !ok {
		if len(c.entries) >= c.capacity {
			c.dropLeastRecent()
		}
		e = &limiterEntry{Limiter: rate.NewLimiter(c.limit, c.burst)}
		c.entries[client] = e
	}
	e.lastSeen = now
	c.mu.Unlock()

	return e.AllowN(now, 1)
}

// size returns the number of tracked clients.
func (c *clientLimiters) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// dropLeastRecent must be called with mu held.
func (c *clientLimiters) dropLeastRecent() {
	var (
		victim string
		oldest time.Time
	)
	for client, e := range c.entries {
		if victim == "" || e.lastSeen.Before(oldest) {
			victim, oldest = client, e.lastSeen
		}
	}
	delete(c.entries, victim)
}

func (c *clientLimiters) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for client, e := range c.entries {
		if now.Sub(e.lastSeen) > c.ttl {
			delete(c.entries, client)
		}
	}
}

func (c *clientLimiters) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

// Stop ends the sweep goroutine. It is safe to call more than once.
func (c *clientLimiters) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// extractIP returns the host part of RemoteAddr. Forwarding headers are
// ignored; nothing proxies a loopback listener.
func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
