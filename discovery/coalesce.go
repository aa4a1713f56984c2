package discovery

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// defaultCoalescerCapacity bounds how many distinct sightings the window
// can track at once.
const defaultCoalescerCapacity = 4096

// Coalescer drops duplicate candidate sightings seen within a rolling
// window, so several discovery sources reporting the same peer at the same
// address do not translate into duplicate dial attempts.
type Coalescer struct {
	cache *expirable.LRU[string, struct{}]
}

// NewCoalescer creates a coalescer with the given window. A capacity of 0
// uses the default.
func NewCoalescer(window time.Duration, capacity int) *Coalescer {
	if capacity <= 0 {
		capacity = defaultCoalescerCapacity
	}
	return &Coalescer{
		cache: expirable.NewLRU[string, struct{}](capacity, nil, window),
	}
}

// Allow reports whether the sighting is the first for its identity+address
// within the window, recording it as seen.
func (c *Coalescer) Allow(cand Candidate) bool {
	key := cand.Identity.String() + "|" + cand.Addr.String()
	if c.cache.Contains(key) {
		return false
	}
	c.cache.Add(key, struct{}{})
	return true
}
