package store

import "sync"

// snapshotCache is a copy-on-read, sync.RWMutex-guarded mirror of the
// last Snapshot taken per campaign, so a slow reader never blocks the
// writers racing to update a posterior — the same pattern
// realtime.Broker uses to guard its client map, applied here to a
// read-mostly cache instead of a fan-out set.
type snapshotCache struct {
	mu   sync.RWMutex
	byID map[int64]Snapshot
}

func newSnapshotCache() *snapshotCache {
	return &snapshotCache{byID: make(map[int64]Snapshot)}
}

func (c *snapshotCache) get(campaignID int64) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.byID[campaignID]
	return snap, ok
}

func (c *snapshotCache) put(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[snap.CampaignID] = snap
}
