// ABOUTME: TTL cache that suppresses duplicate wake pushes to the same client.
// ABOUTME: Overlapping bring-ups inside the window skip the raw push, not the bring-up.

package wakecache

import (
	"sync"
	"time"
)

// Cache tracks recently woken clients. When bring-ups for the same desktop
// client overlap inside the TTL window, the second one still mints a relay
// session and polls, but skips sending another raw push — the first wake is
// already in flight and push transports throttle repeat deliveries.
type Cache struct {
	mu    sync.Mutex
	woken map[string]time.Time
	ttl   time.Duration

	// now is swappable in tests
	now func() time.Time
}

// New creates a wake cache with the given suppression window. A zero or
// negative TTL disables suppression entirely.
func New(ttl time.Duration) *Cache {
	return &Cache{
		woken: make(map[string]time.Time),
		ttl:   ttl,
		now:   time.Now,
	}
}

// ShouldSend atomically reports whether a push should go out for the client
// and, if so, records the send. Returns false when a wake was already sent
// inside the TTL window. Expired entries are pruned opportunistically.
func (c *Cache) ShouldSend(clientName string) bool {
	if c.ttl <= 0 {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if sent, ok := c.woken[clientName]; ok && now.Sub(sent) < c.ttl {
		return false
	}

	for name, sent := range c.woken {
		if now.Sub(sent) >= c.ttl {
			delete(c.woken, name)
		}
	}

	c.woken[clientName] = now
	return true
}

// Forget clears the suppression entry for a client, re-enabling an immediate
// wake. Called when a bring-up fails so the retry is not throttled.
func (c *Cache) Forget(clientName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.woken, clientName)
}
