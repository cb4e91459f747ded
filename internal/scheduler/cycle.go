package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/komitreehouse/ads-budget-optimizer/internal/arms"
	"github.com/komitreehouse/ads-budget-optimizer/internal/bandit"
	"github.com/komitreehouse/ads-budget-optimizer/internal/changelog"
	"github.com/komitreehouse/ads-budget-optimizer/internal/errs"
	"github.com/komitreehouse/ads-budget-optimizer/internal/ingest"
	"github.com/komitreehouse/ads-budget-optimizer/internal/platform"
	"github.com/komitreehouse/ads-budget-optimizer/internal/store"
)

// defaultPlanningHorizon paces a campaign with no end date as if it were
// going to run this long, so CycleTask still has a denominator for
// spec §4.3 step 5's "project spend at alloc_new over Δt".
const defaultPlanningHorizon = 30 * 24 * time.Hour

// PlatformHandle bundles one vendor adapter with the account it's bound
// to and the semaphore capping concurrent calls into it (spec §4.5: "a
// separate semaphore caps concurrent platform calls per platform").
type PlatformHandle struct {
	Adapter   platform.AdPlatform
	AccountID string
	Sem       *semaphore.Weighted
}

// normalizePlatform maps an arm's free-text platform name to the
// lowercase key PlatformHandle and config maps are keyed by.
func normalizePlatform(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func platformArmBinding(a arms.Arm, accountID string) platform.ArmBinding {
	return platform.ArmBinding{
		ArmID:      a.ID,
		CampaignID: a.CampaignID,
		AccountID:  accountID,
		Channel:    a.Channel,
		Creative:   a.Creative,
	}
}

// CycleTask drives one Active campaign's decision loop, grounded on
// app/baseline_calculator.go's ticker+done shape, generalized to carry
// a context for supervisor-driven cancellation and a semaphore-gated
// body instead of running unconditionally on every tick.
type CycleTask struct {
	Campaign  *arms.Campaign
	Store     store.Store
	Agent     bandit.BanditAgent
	MMM       bandit.MMMTable
	Carryover *bandit.CarryoverState
	Platforms map[string]*PlatformHandle // keyed by normalizePlatform(arm.Platform)
	Pending   *ingest.PendingQueue

	MaxTrialsPerCycle    int64
	ReportThreshold      float64
	EpsMin               float64
	MaxStep              float64
	MinTrialsForRiskGate int
	MinBidMultiplier     float64
	MaxBidMultiplier     float64
	PlanningHorizon      time.Duration // 0 uses defaultPlanningHorizon
	CycleSem             *semaphore.Weighted

	mu             sync.Mutex
	prevAlloc      map[int64]float64
	spendByChannel map[string]float64
	cycleTick      int64
	paused         bool

	done chan struct{}
}

// Pause marks the task so runGated skips ticks until Resume is called.
// An in-flight cycle runs to completion regardless — paused is only
// checked at the next tick boundary, per spec §4.5's cancellation
// semantics ("the in-flight cycle runs to completion, then the loop
// skips ticks until resumed").
func (t *CycleTask) Pause() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
}

// Resume clears a pause set by Pause, so the next tick runs normally.
func (t *CycleTask) Resume() {
	t.mu.Lock()
	t.paused = false
	t.mu.Unlock()
}

func (t *CycleTask) isPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Start runs the ticker loop until ctx is cancelled or Stop is called.
func (t *CycleTask) Start(ctx context.Context) {
	t.done = make(chan struct{})
	ticker := time.NewTicker(t.Campaign.Cadence)
	defer ticker.Stop()

	t.runGated(ctx)
	for {
		select {
		case <-ticker.C:
			t.runGated(ctx)
		case <-ctx.Done():
			return
		case <-t.done:
			return
		}
	}
}

// Stop ends the ticker loop started by Start.
func (t *CycleTask) Stop() {
	if t.done != nil {
		close(t.done)
	}
}

func (t *CycleTask) runGated(ctx context.Context) {
	if t.isPaused() {
		return
	}
	if t.CycleSem != nil {
		if err := t.CycleSem.Acquire(ctx, 1); err != nil {
			return
		}
		defer t.CycleSem.Release(1)
	}
	if err := t.RunOnce(ctx); err != nil {
		log.Printf("scheduler: cycle %d failed: %v", t.Campaign.ID, err)
	}
}

// RunOnce executes exactly one iteration of spec §4.5's per-campaign
// cycle pseudocode: drain pending metrics into the posteriors they
// belong to, decide a new allocation, push bid updates, and journal
// both the intent and the resulting changes. Exported so the supervisor
// can run it directly during restart reconciliation and so tests don't
// need a live ticker.
func (t *CycleTask) RunOnce(ctx context.Context) error {
	campaignArms := t.Campaign.Arms()

	if t.Pending != nil {
		fresh := t.Pending.DrainPendingFor(t.Campaign.ID)
		for armID, delta := range ingest.SumDeltasByArm(fresh, t.MaxTrialsPerCycle) {
			if err := t.Store.UpdatePosterior(ctx, armID, delta); err != nil {
				var concurrencyErr *errs.ConcurrencyError
				if errors.As(err, &concurrencyErr) {
					// The store already retried once internally; a
					// ConcurrencyError means that retry also failed.
					// Spec §7 class 5: the campaign escalates to Errored.
					t.escalateToErrored(ctx, concurrencyErr.Error())
					return err
				}
				log.Printf("scheduler: campaign %d: apply pending delta for arm %d: %v", t.Campaign.ID, armID, err)
			}
		}
	}

	snap, err := t.Store.Snapshot(ctx, t.Campaign.ID)
	if err != nil {
		return err
	}
	posteriors := make([]store.ArmPosterior, 0, len(snap.Posteriors))
	for _, p := range snap.Posteriors {
		posteriors = append(posteriors, p)
	}

	now := time.Now().UTC()
	remainingBudget, err := t.remainingBudget(ctx, posteriors)
	if err != nil {
		return err
	}
	cycleBudget := t.cycleBudget(remainingBudget, now)
	decCtx := bandit.DecisionContext{
		CycleTick:       t.cycleTick,
		Now:             now,
		DeltaT:          t.Campaign.Cadence,
		Quarter:         quarterOf(now),
		DayOfWeek:       now.Weekday(),
		Hour:            now.Hour(),
		CycleBudget:     cycleBudget,
		RemainingBudget: remainingBudget,
		SpendByChannel:  t.spendByChannelSnapshot(),
	}

	rng := bandit.NewRNG(bandit.SeedFor(t.Campaign.ID, t.cycleTick))
	t.mu.Lock()
	prevAlloc := t.prevAlloc
	t.mu.Unlock()

	alloc, changes := bandit.Decide(t.Agent, t.Campaign, posteriors, t.MMM, t.Carryover, prevAlloc, decCtx, rng,
		t.ReportThreshold, t.EpsMin, t.MaxStep, t.MinTrialsForRiskGate)

	t.cycleTick++

	if alloc.Exhausted {
		if err := t.Campaign.Complete(); err == nil {
			_ = t.Store.SaveCampaign(ctx, t.Campaign)
		}
	}

	if err := t.Store.JournalIntendedAllocation(ctx, t.Campaign.ID, alloc.Fractions); err != nil {
		log.Printf("scheduler: campaign %d: journal intended allocation: %v", t.Campaign.ID, err)
	}

	spend := t.applyChanges(ctx, campaignArms, alloc, changes, cycleBudget)

	t.mu.Lock()
	t.prevAlloc = alloc.Fractions
	t.spendByChannel = spend
	t.mu.Unlock()
	return nil
}

// applyChanges pushes one SetBid per reported AllocationChange, then
// appends the change to the log regardless of whether the vendor call
// succeeded — per spec §4.5's pseudocode, SetBid "may fail" but the
// change is recorded either way so the decision's history stays
// complete. Returns this cycle's dollar spend by channel, the ad-stock
// carryover input for the next cycle.
func (t *CycleTask) applyChanges(ctx context.Context, campaignArms []arms.Arm, alloc bandit.Allocation, changes []changelog.AllocationChange, cycleBudget float64) map[string]float64 {
	armByID := make(map[int64]arms.Arm, len(campaignArms))
	enabled := 0
	for _, a := range campaignArms {
		armByID[a.ID] = a
		if !a.Disabled {
			enabled++
		}
	}
	evenShare := 0.0
	if enabled > 0 {
		evenShare = 1.0 / float64(enabled)
	}

	spend := make(map[string]float64, len(campaignArms))
	for _, a := range campaignArms {
		spend[a.Channel] += alloc.Fractions[a.ID] * alloc.BudgetScale * cycleBudget
	}

	for _, change := range changes {
		a, ok := armByID[change.ArmID]
		if !ok {
			continue
		}
		newBid := BidFromAllocation(a.Bid, alloc.Fractions[a.ID], evenShare, t.MinBidMultiplier, t.MaxBidMultiplier)
		if handle := t.Platforms[normalizePlatform(a.Platform)]; handle != nil {
			if err := t.setBid(ctx, handle, a, newBid); err != nil {
				log.Printf("scheduler: campaign %d: SetBid arm %d: %v", t.Campaign.ID, a.ID, err)
			}
		}
		if err := t.Store.AppendChange(ctx, change); err != nil {
			log.Printf("scheduler: campaign %d: append change: %v", t.Campaign.ID, err)
		}
	}
	return spend
}

func (t *CycleTask) setBid(ctx context.Context, handle *PlatformHandle, a arms.Arm, newBid float64) error {
	if handle.Sem != nil {
		if err := handle.Sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer handle.Sem.Release(1)
	}
	binding := platformArmBinding(a, handle.AccountID)
	return handle.Adapter.SetBid(ctx, binding, newBid)
}

// remainingBudget computes total_budget minus every arm's recorded
// spend. A negative result means Σ spend has breached total_budget — the
// I2 invariant — which spec §7 class 6 treats as non-recoverable for the
// campaign rather than something to silently clamp to zero.
func (t *CycleTask) remainingBudget(ctx context.Context, posteriors []store.ArmPosterior) (float64, error) {
	spent := 0.0
	for _, p := range posteriors {
		spent += p.Spend
	}
	remaining := t.Campaign.TotalBudget - spent
	if remaining < 0 {
		err := errs.NewInvariant(t.Campaign.ID,
			fmt.Sprintf("total spend %.2f exceeds total_budget %.2f", spent, t.Campaign.TotalBudget))
		t.escalateToErrored(ctx, err.Error())
		return 0, err
	}
	return remaining, nil
}

// escalateToErrored transitions the campaign to Errored, persists it,
// and appends a change-log row naming the error so the dashboard can
// render why the campaign stopped without a database join — spec §7's
// non-recoverable classes 5 (second concurrency failure) and 6
// (invariant breach).
func (t *CycleTask) escalateToErrored(ctx context.Context, reason string) {
	if err := t.Campaign.Error(); err != nil {
		log.Printf("scheduler: campaign %d: escalate to Errored: %v", t.Campaign.ID, err)
		return
	}
	if err := t.Store.SaveCampaign(ctx, t.Campaign); err != nil {
		log.Printf("scheduler: campaign %d: save errored campaign: %v", t.Campaign.ID, err)
	}
	change := changelog.AllocationChange{
		TS:          time.Now().UTC(),
		CampaignID:  t.Campaign.ID,
		Reason:      reason,
		InitiatedBy: changelog.InitiatedAuto,
	}
	if err := t.Store.AppendChange(ctx, change); err != nil {
		log.Printf("scheduler: campaign %d: append escalation change: %v", t.Campaign.ID, err)
	}
}

// cycleBudget paces total_budget evenly across whatever time remains in
// the campaign (or defaultPlanningHorizon, for an open-ended one), per
// spec §4.3 step 5's framing of "projected spend over Δt".
func (t *CycleTask) cycleBudget(remainingBudget float64, now time.Time) float64 {
	horizon := t.PlanningHorizon
	if horizon <= 0 {
		horizon = defaultPlanningHorizon
	}
	if t.Campaign.End != nil {
		if left := t.Campaign.End.Sub(now); left > 0 {
			horizon = left
		} else {
			return remainingBudget
		}
	}
	cadence := t.Campaign.Cadence
	if cadence <= 0 {
		cadence = arms.DefaultCadence
	}
	budget := remainingBudget * (float64(cadence) / float64(horizon))
	if budget > remainingBudget {
		budget = remainingBudget
	}
	return budget
}

func (t *CycleTask) spendByChannelSnapshot() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.spendByChannel))
	for k, v := range t.spendByChannel {
		out[k] = v
	}
	return out
}

func quarterOf(ts time.Time) int {
	return (int(ts.Month()) - 1) / 3
}
