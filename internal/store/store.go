package store

import (
	"context"

	"github.com/komitreehouse/ads-budget-optimizer/internal/arms"
	"github.com/komitreehouse/ads-budget-optimizer/internal/changelog"
)

// Store is the capability C3 (read-only, via Snapshot), C4 and C5 depend
// on. A write that cannot be durably committed is raised to the caller —
// the store never silently drops a write (spec §4.2).
type Store interface {
	// LoadCampaign returns an atomic snapshot of a campaign and every
	// posterior owned by its arms.
	LoadCampaign(ctx context.Context, id int64) (*arms.Campaign, []ArmPosterior, error)

	// SaveCampaign persists a campaign's mutable fields (status, budget
	// bookkeeping). Arms are saved individually via SaveArm.
	SaveCampaign(ctx context.Context, c *arms.Campaign) error

	// SaveArm persists one arm belonging to an already-saved campaign.
	SaveArm(ctx context.Context, a arms.Arm) error

	// RecordMetric is idempotent on (arm_id, ts, source) — see spec I4.
	RecordMetric(ctx context.Context, m Metric) (RecordOutcome, error)

	// UpdatePosterior applies delta to the named arm's posterior inside
	// a transaction that holds a per-arm row lock for its duration.
	UpdatePosterior(ctx context.Context, armID int64, delta PosteriorDelta) error

	// AppendChange records one allocation change or non-local error,
	// monotonically by timestamp.
	AppendChange(ctx context.Context, c changelog.AllocationChange) error

	// Snapshot returns a consistent view of a campaign's posteriors
	// without blocking writers.
	Snapshot(ctx context.Context, campaignID int64) (Snapshot, error)

	// JournalIntendedAllocation durably records the allocation a cycle
	// intended to apply, before any SetBid call is made, so a crash
	// mid-apply can be reconciled on restart.
	JournalIntendedAllocation(ctx context.Context, campaignID int64, alloc map[int64]float64) error

	// ReconcileJournal returns the last journaled intended allocation
	// for a campaign, if any, so the supervisor can idempotently replay
	// SetBid before starting the first new cycle after a restart.
	ReconcileJournal(ctx context.Context, campaignID int64) (map[int64]float64, error)

	// ActiveOrPausedCampaignIDs lists every campaign the supervisor
	// should load on startup.
	ActiveOrPausedCampaignIDs(ctx context.Context) ([]int64, error)

	// Close releases underlying connections.
	Close() error
}
