package ingest

import (
	"sync"

	"github.com/komitreehouse/ads-budget-optimizer/internal/store"
)

// pendingCapPerCampaign bounds how many not-yet-applied metrics a
// campaign can accumulate between cycles. A cycle that falls behind
// drops the oldest entries rather than growing without bound — spec
// §4.5 requires DrainPendingFor to be a "non-blocking, bounded batch".
const pendingCapPerCampaign = 500

// PendingQueue buffers validated, quality-ok metrics per campaign
// between the moment C4 records them and the moment C5's cycle loop
// applies their reward/cost delta to C2's posteriors. It is in-process
// memory, not a durable queue: a crash before the next cycle drains it
// loses only the not-yet-applied increment, which is recoverable from
// C2's own metrics table on the next poll.
type PendingQueue struct {
	mu      sync.Mutex
	pending map[int64][]store.Metric
}

// NewPendingQueue returns an empty queue.
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{pending: make(map[int64][]store.Metric)}
}

// Enqueue appends m to campaignID's pending batch. When the batch is
// already at capacity, it evicts the oldest webhook-sourced entry
// first — spec §5's backpressure policy drops webhook hints ahead of
// poll results, since a poll result is the authoritative read and a
// webhook is only ever a same-cycle hint. A batch with no webhook
// entries left falls back to evicting the oldest entry overall.
func (q *PendingQueue) Enqueue(campaignID int64, m store.Metric) {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.pending[campaignID]
	if len(batch) >= pendingCapPerCampaign {
		batch = evictOne(batch)
	}
	q.pending[campaignID] = append(batch, m)
}

// evictOne drops the oldest webhook-sourced entry in batch, or the
// oldest entry overall if batch holds no webhook-sourced entries.
func evictOne(batch []store.Metric) []store.Metric {
	for i, m := range batch {
		if m.Source == store.SourceWebhook {
			return append(batch[:i], batch[i+1:]...)
		}
	}
	return batch[1:]
}

// DrainPendingFor returns and clears every metric queued for
// campaignID since the last drain. Safe to call every cycle tick even
// when nothing is pending.
func (q *PendingQueue) DrainPendingFor(campaignID int64) []store.Metric {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.pending[campaignID]
	delete(q.pending, campaignID)
	return batch
}
