package bandit

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/komitreehouse/ads-budget-optimizer/internal/arms"
	"github.com/komitreehouse/ads-budget-optimizer/internal/changelog"
	"github.com/komitreehouse/ads-budget-optimizer/internal/store"
)

// DecisionContext carries the inputs to Decide that are not part of the
// campaign or its posteriors: the current cycle's clock position (for
// RNG determinism and MMM table lookups) and its budget pacing.
//
// CycleBudget and RemainingBudget are supplied by the caller rather than
// derived here, so this package never has to know how a campaign's
// total_budget is paced across its cadence — that pacing policy belongs
// to the scheduler, keeping Decide a pure function of its arguments.
type DecisionContext struct {
	CycleTick       int64
	Now             time.Time
	DeltaT          time.Duration
	Quarter         int
	DayOfWeek       time.Weekday
	Hour            int
	CycleBudget     float64 // nominal spend this cycle before adjustment
	RemainingBudget float64 // total_budget minus cumulative spend to date
	// SpendByChannel is the cost actually charged per channel during the
	// cycle just completed, the ad-stock carryover's input (spec step 3).
	SpendByChannel map[string]float64
}

// Allocation is C3's output: the fraction of the current cycle's budget
// assigned to each arm, keyed by arm ID.
type Allocation struct {
	CampaignID int64
	Fractions  map[int64]float64
	// BudgetScale is the step-5 budget clip: 1.0 unless the projected
	// cycle spend exceeded RemainingBudget, in which case it is the
	// factor every fraction's spend was scaled down by.
	BudgetScale float64
	// Exhausted is true when RemainingBudget was already <= 0 at the
	// start of this cycle, or when (for a campaign with a positive
	// total_budget) this cycle's spend was scaled down to the whole
	// remaining budget; the caller transitions the campaign to Completed.
	Exhausted bool
}

// Decide implements spec §4.3 steps 1-6. It performs no I/O and blocks
// on nothing; campaign.Arms() and posteriors are both already-loaded
// snapshots.
func Decide(
	agent BanditAgent,
	campaign *arms.Campaign,
	posteriors []store.ArmPosterior,
	mmm MMMTable,
	carryover *CarryoverState,
	prevAlloc map[int64]float64,
	decCtx DecisionContext,
	rng *rand.Rand,
	reportThreshold float64,
	epsMin float64,
	maxStep float64,
	minTrialsForRiskGate int,
) (Allocation, []changelog.AllocationChange) {
	postByArm := make(map[int64]store.ArmPosterior, len(posteriors))
	for _, p := range posteriors {
		postByArm[p.ArmID] = p
	}

	campaignArms := campaign.Arms()
	scores := make([]armScore, 0, len(campaignArms))
	thompson := make(map[int64]float64, len(campaignArms))
	riskOf := make(map[int64]float64, len(campaignArms))
	mmmSeasonality := make(map[int64]float64, len(campaignArms))
	mmmCarryover := make(map[int64]float64, len(campaignArms))
	gatedOf := make(map[int64]bool, len(campaignArms))

	for _, a := range campaignArms {
		p, ok := postByArm[a.ID]
		if !ok {
			p = store.NewArmPosterior(a.ID)
		}

		// Step 1: Thompson sample.
		theta := agent.Sample(p.Alpha, p.Beta, rng)
		thompson[a.ID] = theta

		if a.Disabled {
			scores = append(scores, armScore{armID: a.ID, key: a.Key(), score: 0, disabled: true})
			continue
		}

		// Step 2: risk filter.
		adjusted, riskScore, gated := riskAdjust(theta, p, campaign.RiskTolerance, campaign.VarianceLimit, minTrialsForRiskGate)
		riskOf[a.ID] = riskScore
		gatedOf[a.ID] = gated

		// Step 3: MMM adjustment.
		seasonality := mmm.seasonalityFactor(decCtx.Quarter, a.Channel)
		external := mmm.externalFactor(a.Channel)
		carry := 1.0
		if carryover != nil {
			carry = carryover.carryoverFactor(a.Channel, mmm.CarryoverGamma, mmm.CarryoverCap, decCtx.SpendByChannel[a.Channel])
		}
		mmmSeasonality[a.ID] = seasonality
		mmmCarryover[a.ID] = carry
		adjusted *= seasonality * carry * external

		scores = append(scores, armScore{armID: a.ID, key: a.Key(), score: adjusted})
	}

	fractions := normalizeAllocate(scores, prevAlloc, epsMin, maxStep)

	// Step 5: budget check.
	alloc := Allocation{CampaignID: campaign.ID, Fractions: fractions, BudgetScale: 1.0}
	if decCtx.RemainingBudget <= 0 {
		alloc.Exhausted = true
		for armID := range fractions {
			fractions[armID] = 0
		}
		return alloc, nil
	}
	projected := decCtx.CycleBudget
	if projected > decCtx.RemainingBudget {
		alloc.BudgetScale = decCtx.RemainingBudget / projected
		if campaign.TotalBudget > 0 && decCtx.RemainingBudget-projected*alloc.BudgetScale <= 0 {
			alloc.Exhausted = true
		}
	}

	// Step 6: emit changes for every arm crossing report_threshold.
	changes := make([]changelog.AllocationChange, 0, len(fractions))
	for _, a := range campaignArms {
		newFrac := fractions[a.ID]
		oldFrac := prevAlloc[a.ID]
		delta := newFrac - oldFrac
		if math.Abs(delta) < reportThreshold {
			continue
		}
		changePct := 0.0
		if oldFrac != 0 {
			changePct = delta / oldFrac
		}
		changes = append(changes, changelog.AllocationChange{
			TS:         decCtx.Now,
			CampaignID: campaign.ID,
			ArmID:      a.ID,
			OldAlloc:   oldFrac,
			NewAlloc:   newFrac,
			ChangePct:  changePct,
			Reason:     reasonFor(gatedOf[a.ID], alloc.BudgetScale),
			Factors: map[string]float64{
				"thompson":     thompson[a.ID],
				"risk":         riskOf[a.ID],
				"step_clip":    clampDeltaContribution(delta, maxStep),
				"budget_scale": alloc.BudgetScale,
			},
			MMMFactors: map[string]float64{
				"mmm_seasonality": mmmSeasonality[a.ID],
				"mmm_carryover":   mmmCarryover[a.ID],
			},
			InitiatedBy: changelog.InitiatedAuto,
		})
	}

	return alloc, changes
}

func reasonFor(gated bool, budgetScale float64) string {
	switch {
	case budgetScale < 1.0:
		return "thompson sample adjusted by risk/MMM factors, scaled down by remaining budget"
	case gated:
		return "thompson sample clipped by exploration-penalty risk gate"
	default:
		return "thompson sample adjusted by risk and MMM factors"
	}
}

// clampDeltaContribution reports the log-ratio contribution of the
// max_step clip for the factors map: 0 if the step was not clipped.
func clampDeltaContribution(delta, maxStep float64) float64 {
	if maxStep <= 0 {
		return 0
	}
	if math.Abs(delta) >= maxStep {
		return math.Log(maxStep / math.Max(math.Abs(delta), 1e-12))
	}
	return 0
}
