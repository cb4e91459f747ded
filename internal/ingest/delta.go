package ingest

import "github.com/komitreehouse/ads-budget-optimizer/internal/store"

// DeltaFromMetric converts one validated metric into the posterior
// delta it contributes, per spec §4.3's resolution of the
// impressions-as-trials question: trials accrue from impressions,
// Beta successes/failures come from conversions and clicks minus
// conversions, and the reward signal is ROAS weighted by spend — the
// same "roas * cost" weighting `original_source/agent.py`'s
// update_reward uses, just attributed to clicks/conversions instead of
// an ROAS-vs-1.0 threshold for the Beta update itself.
//
// TrialsDelta here is NOT yet clipped to max_trials_per_cycle — the
// caller sums deltas across a cycle's whole pending batch per arm
// before applying that cap, since the cap is a per-cycle, not
// per-metric, bound.
func DeltaFromMetric(m store.Metric) store.PosteriorDelta {
	reward := m.ROAS(1e-9) * m.Cost
	return store.PosteriorDelta{
		AlphaDelta:    float64(m.Conversions),
		BetaDelta:     float64(m.Clicks - m.Conversions),
		CostDelta:     m.Cost,
		RewardDelta:   reward,
		RewardSqDelta: reward * reward,
		TrialsDelta:   m.Impressions,
	}
}

// SumDeltasByArm batches a drained pending set by arm, applying
// max_trials_per_cycle once per arm across the whole batch rather than
// per metric, and returns only metrics with Quality ok — a suspect row
// is persisted by C2 but never feeds a posterior update (spec §4.4).
func SumDeltasByArm(metrics []store.Metric, maxTrialsPerCycle int64) map[int64]store.PosteriorDelta {
	out := make(map[int64]store.PosteriorDelta)
	for _, m := range metrics {
		if m.Quality != store.QualityOK {
			continue
		}
		d := out[m.ArmID]
		md := DeltaFromMetric(m)
		d.AlphaDelta += md.AlphaDelta
		d.BetaDelta += md.BetaDelta
		d.CostDelta += md.CostDelta
		d.RewardDelta += md.RewardDelta
		d.RewardSqDelta += md.RewardSqDelta
		d.TrialsDelta += md.TrialsDelta
		if maxTrialsPerCycle > 0 && d.TrialsDelta > maxTrialsPerCycle {
			d.TrialsDelta = maxTrialsPerCycle
		}
		out[m.ArmID] = d
	}
	return out
}
