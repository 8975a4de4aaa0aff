// Package replay prevents payment evidence from being spent twice.
//
// A consumed key blocks further use for the configured TTL. Consumption
// happens before on-chain verification, so a failed verification must
// Release the key to roll the reservation back.
package replay

import (
	"sync"
	"time"
)

// DefaultSweepInterval is how often the background sweeper removes
// expired entries. Lookups also expire entries lazily, the sweeper only
// bounds memory for keys that are never touched again.
const DefaultSweepInterval = 5 * time.Minute

// Record is the usage metadata kept for a consumed payment key.
type Record struct {
	Subject   string // Contract address the payment was spent on
	UsedAt    time.Time
	ExpiresAt time.Time
}

func (r Record) expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Cache records consumed payment keys with a TTL.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Record
	ttl     time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewCache creates a cache whose entries expire after ttl. A background
// sweeper runs every sweepInterval; pass 0 for DefaultSweepInterval.
func NewCache(ttl, sweepInterval time.Duration) *Cache {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	c := &Cache{
		entries: make(map[string]Record),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go c.sweep(sweepInterval)
	return c
}

// TryConsume atomically marks key as used for subject. It returns true
// if the key was free (or its previous use had expired) and is now
// consumed, false if the key is already consumed and unexpired. Under
// concurrent calls with the same key exactly one caller wins.
func (c *Cache) TryConsume(key, subject string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.entries[key]; ok && !rec.expired(now) {
		return false
	}
	c.entries[key] = Record{
		Subject:   subject,
		UsedAt:    now,
		ExpiresAt: now.Add(c.ttl),
	}
	return true
}

// Peek returns the record for key if it is currently consumed, without
// consuming or refreshing it.
func (c *Cache) Peek(key string) (Record, bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.entries[key]
	if !ok {
		return Record{}, false
	}
	if rec.expired(now) {
		delete(c.entries, key)
		return Record{}, false
	}
	return rec, true
}

// Release removes key so it can be consumed again. Called when
// verification fails after TryConsume, so a transient RPC error does
// not burn a legitimate payment.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the background sweeper. Idempotent.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, rec := range c.entries {
				if rec.expired(now) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
