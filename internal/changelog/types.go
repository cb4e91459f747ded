// Package changelog is the append-only Change Log (C6): every allocation
// change, with full attribution, indexed by (campaign_id, ts).
package changelog

import "time"

// InitiatedBy distinguishes an automatic decision from an analyst
// override.
type InitiatedBy string

const (
	InitiatedAuto     InitiatedBy = "auto"
	InitiatedAnalyst  InitiatedBy = "analyst"
	InitiatedOverride InitiatedBy = "override"
)

// AllocationChange is one recorded decision that altered a campaign's
// allocation vector, or a non-local error surfaced per spec §7's
// "user-visible behavior" rule.
type AllocationChange struct {
	ID          int64
	TS          time.Time
	CampaignID  int64
	ArmID       int64
	OldAlloc    float64
	NewAlloc    float64
	ChangePct   float64
	Reason      string
	Factors     map[string]float64 // thompson, risk, step_clip, budget_scale, ...
	MMMFactors  map[string]float64 // mmm_seasonality, mmm_carryover, ...
	InitiatedBy InitiatedBy
	// StateSnapshot is a small opaque JSON blob: alpha/beta/trials for
	// the arm at decision time, enough to explain "why" without a join.
	StateSnapshot []byte
}
