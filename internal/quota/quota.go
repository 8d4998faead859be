// Package quota tracks per-tenant daily call counts used by admission
// control. Counters roll over at UTC midnight; the memory backend suits
// single-node deployments and tests, the Redis backend shares counts
// across gateway replicas.
package quota

import (
	"context"
	"sync"
	"time"
)

// Counter tracks daily LLM call counts per tenant.
type Counter interface {
	// Increment adds one call to the tenant's count for the current UTC
	// day and returns the new count.
	Increment(ctx context.Context, tenantID string) (int64, error)

	// Count returns the tenant's call count for the current UTC day.
	Count(ctx context.Context, tenantID string) (int64, error)

	// Close releases backend resources.
	Close() error
}

func dayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// MemoryCounter is an in-process Counter. Counts for past days are
// dropped lazily when the day rolls over.
type MemoryCounter struct {
	mu     sync.Mutex
	day    string
	counts map[string]int64
	now    func() time.Time
}

// NewMemoryCounter creates an empty in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int64), now: time.Now}
}

func (c *MemoryCounter) rollover() {
	day := dayKey(c.now())
	if day != c.day {
		c.day = day
		c.counts = make(map[string]int64)
	}
}

func (c *MemoryCounter) Increment(_ context.Context, tenantID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	c.counts[tenantID]++
	return c.counts[tenantID], nil
}

func (c *MemoryCounter) Count(_ context.Context, tenantID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	return c.counts[tenantID], nil
}

func (c *MemoryCounter) Close() error { return nil }
