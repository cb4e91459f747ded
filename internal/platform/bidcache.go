package platform

import "sync"

// lastBidCache remembers the last bid applied to each binding so SetBid
// can skip a redundant vendor call when the platform already reports
// that bid (spec §6 idempotency).
type lastBidCache struct {
	mu   sync.Mutex
	bids map[int64]float64
}

func newLastBidCache() *lastBidCache {
	return &lastBidCache{bids: make(map[int64]float64)}
}

// alreadyApplied reports whether armID was last set to bid, and records
// bid as the new last-applied value either way.
func (c *lastBidCache) alreadyApplied(armID int64, bid float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.bids[armID]; ok && prev == bid {
		return true
	}
	c.bids[armID] = bid
	return false
}
