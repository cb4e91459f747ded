// Package store is the Posterior Store (C2): durable, crash-safe
// persistence of ArmPosterior, Metric, Campaign and AllocationChange.
package store

import "time"

// Source identifies where a Metric row came from.
type Source string

const (
	SourcePoll     Source = "poll"
	SourceWebhook  Source = "webhook"
	SourceBackfill Source = "backfill"
)

// Quality flags a Metric's validation outcome. A "suspect" row is
// persisted but excluded from posterior updates unless an operator
// accepts it (spec §4.4 V4, §7 class 4).
type Quality string

const (
	QualityOK      Quality = "ok"
	QualitySuspect Quality = "suspect"
)

// Metric is one time-series row: impressions/clicks/conversions/cost/
// revenue observed for one arm in one window, from one source. Derived
// CTR/CVR/ROAS are computed on demand, never stored.
type Metric struct {
	ArmID       int64
	CampaignID  int64
	TS          time.Time
	Impressions int64
	Clicks      int64
	Conversions int64
	Cost        float64
	Revenue     float64
	Source      Source
	Quality     Quality
}

// ROAS returns revenue / max(cost, eps), the reward definition of spec
// §4.3.
func (m Metric) ROAS(eps float64) float64 {
	cost := m.Cost
	if cost < eps {
		cost = eps
	}
	return m.Revenue / cost
}

// ArmPosterior is the learned belief over one arm's success probability,
// plus the auxiliary reward statistics the risk filter consumes.
type ArmPosterior struct {
	ArmID       int64
	Alpha       float64 // >= 1, Laplace-smoothed
	Beta        float64 // >= 1
	Spend       float64 // cumulative cost charged to the arm
	RewardSum   float64 // running sum of (ROAS-weighted) rewards
	RewardSqSum float64 // running sum of squared rewards
	Trials      int64   // accrued from impressions, capped per cycle
	UpdatedAt   time.Time
}

// NewArmPosterior returns the Laplace-smoothed prior alpha=beta=1.
func NewArmPosterior(armID int64) ArmPosterior {
	return ArmPosterior{ArmID: armID, Alpha: 1, Beta: 1}
}

// MeanReward is R/n.
func (p ArmPosterior) MeanReward() float64 {
	if p.Trials == 0 {
		return 0
	}
	return p.RewardSum / float64(p.Trials)
}

// RewardVariance is R²/n − (R/n)².
func (p ArmPosterior) RewardVariance() float64 {
	if p.Trials == 0 {
		return 0
	}
	n := float64(p.Trials)
	mean := p.RewardSum / n
	return p.RewardSqSum/n - mean*mean
}

// RiskScore is min(1, variance/variance_limit); a variance_limit of 0
// degenerates to "any observed variance maxes out risk".
func (p ArmPosterior) RiskScore(varianceLimit float64) float64 {
	if varianceLimit <= 0 {
		if p.RewardVariance() > 0 {
			return 1
		}
		return 0
	}
	score := p.RewardVariance() / varianceLimit
	if score > 1 {
		return 1
	}
	if score < 0 {
		return 0
	}
	return score
}

// PosteriorDelta is the per-arm, per-cycle accumulation of reward/cost
// observations applied transactionally by UpdatePosterior. α/β deltas
// come from conversions (successes) and clicks−conversions (failures);
// reward/cost deltas come from the ROAS-weighted revenue signal; trials
// accrue from impressions, bounded by max_trials_per_cycle upstream.
type PosteriorDelta struct {
	AlphaDelta    float64
	BetaDelta     float64
	CostDelta     float64
	RewardDelta   float64 // ROAS * cost, matching the original agent's weighting
	RewardSqDelta float64
	TrialsDelta   int64
}

// RecordOutcome reports what RecordMetric actually did.
type RecordOutcome int

const (
	Inserted RecordOutcome = iota
	DuplicateIgnored
)

// Snapshot is a consistent, copy-on-read view of a campaign and its arm
// posteriors, safe to hand to C3 without holding any store lock.
type Snapshot struct {
	CampaignID int64
	Posteriors map[int64]ArmPosterior // keyed by arm_id
	TakenAt    time.Time
}
