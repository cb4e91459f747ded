package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/komitreehouse/ads-budget-optimizer/internal/arms"
	"github.com/komitreehouse/ads-budget-optimizer/internal/bandit"
	"github.com/komitreehouse/ads-budget-optimizer/internal/changelog"
	"github.com/komitreehouse/ads-budget-optimizer/internal/errs"
	"github.com/komitreehouse/ads-budget-optimizer/internal/ingest"
	"github.com/komitreehouse/ads-budget-optimizer/internal/platform"
	"github.com/komitreehouse/ads-budget-optimizer/internal/store"
)

type fakeCycleStore struct {
	snapshot           store.Snapshot
	posteriorUpdates   []store.PosteriorDelta
	journaled          map[int64]float64
	savedCampaign      *arms.Campaign
	appendedChanges    []changelog.AllocationChange
	updatePosteriorErr error
}

func (f *fakeCycleStore) LoadCampaign(ctx context.Context, id int64) (*arms.Campaign, []store.ArmPosterior, error) {
	return nil, nil, nil
}
func (f *fakeCycleStore) SaveCampaign(ctx context.Context, c *arms.Campaign) error {
	f.savedCampaign = c
	return nil
}
func (f *fakeCycleStore) SaveArm(ctx context.Context, a arms.Arm) error { return nil }
func (f *fakeCycleStore) RecordMetric(ctx context.Context, m store.Metric) (store.RecordOutcome, error) {
	return store.Inserted, nil
}
func (f *fakeCycleStore) UpdatePosterior(ctx context.Context, armID int64, delta store.PosteriorDelta) error {
	if f.updatePosteriorErr != nil {
		return f.updatePosteriorErr
	}
	f.posteriorUpdates = append(f.posteriorUpdates, delta)
	return nil
}
func (f *fakeCycleStore) AppendChange(ctx context.Context, c changelog.AllocationChange) error {
	f.appendedChanges = append(f.appendedChanges, c)
	return nil
}
func (f *fakeCycleStore) Snapshot(ctx context.Context, campaignID int64) (store.Snapshot, error) {
	return f.snapshot, nil
}
func (f *fakeCycleStore) JournalIntendedAllocation(ctx context.Context, campaignID int64, alloc map[int64]float64) error {
	f.journaled = alloc
	return nil
}
func (f *fakeCycleStore) ReconcileJournal(ctx context.Context, campaignID int64) (map[int64]float64, error) {
	return nil, nil
}
func (f *fakeCycleStore) ActiveOrPausedCampaignIDs(ctx context.Context) ([]int64, error) { return nil, nil }
func (f *fakeCycleStore) Close() error                                                   { return nil }

type fakePlatform struct {
	setBidCalls int
	lastBid     float64
	lastBinding platform.ArmBinding
}

func (p *fakePlatform) FetchMetrics(ctx context.Context, accountID string, bindings []platform.ArmBinding, sinceTS time.Time) ([]store.Metric, error) {
	return nil, nil
}
func (p *fakePlatform) SetBid(ctx context.Context, binding platform.ArmBinding, newBid float64) error {
	p.setBidCalls++
	p.lastBid = newBid
	p.lastBinding = binding
	return nil
}
func (p *fakePlatform) ListCampaigns(ctx context.Context, accountID string) ([]platform.RemoteCampaign, error) {
	return nil, nil
}

func newTestCycleCampaign(t *testing.T) *arms.Campaign {
	t.Helper()
	c, err := arms.NewCampaign(arms.CampaignConfig{
		ID:            9,
		Name:          "cycle-test",
		TotalBudget:   1000,
		PrimaryKPI:    arms.KPIRoas,
		RiskTolerance: 0.3,
		VarianceLimit: 0.1,
		Cadence:       15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewCampaign() error = %v", err)
	}
	a1 := arms.Arm{Platform: "google", Channel: "search", Creative: "cr1", Bid: 1.0}
	a2 := arms.Arm{Platform: "google", Channel: "search", Creative: "cr2", Bid: 1.0}
	if err := c.AddArm(a1); err != nil {
		t.Fatal(err)
	}
	if err := c.AddArm(a2); err != nil {
		t.Fatal(err)
	}
	c.SetArmID(a1.Key(), 101)
	c.SetArmID(a2.Key(), 102)
	return c
}

func TestCycleTaskRunOnceAppliesPendingAndJournals(t *testing.T) {
	campaign := newTestCycleCampaign(t)
	fs := &fakeCycleStore{
		snapshot: store.Snapshot{
			CampaignID: campaign.ID,
			Posteriors: map[int64]store.ArmPosterior{
				101: store.NewArmPosterior(101),
				102: store.NewArmPosterior(102),
			},
		},
	}
	fp := &fakePlatform{}
	pending := ingest.NewPendingQueue()
	pending.Enqueue(campaign.ID, store.Metric{ArmID: 101, Impressions: 100, Clicks: 10, Conversions: 2, Cost: 4, Revenue: 8, Quality: store.QualityOK})

	task := &CycleTask{
		Campaign:             campaign,
		Store:                fs,
		Agent:                bandit.ThompsonBernoulli{},
		MMM:                  bandit.MMMTable{},
		Carryover:            bandit.NewCarryoverState(),
		Platforms:            map[string]*PlatformHandle{"google": {Adapter: fp, AccountID: "acct-1"}},
		Pending:              pending,
		ReportThreshold:      1e-6,
		EpsMin:               0.01,
		MaxStep:              1.0,
		MinTrialsForRiskGate: 30,
		MinBidMultiplier:     0.5,
		MaxBidMultiplier:     2.0,
	}

	if err := task.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if len(fs.posteriorUpdates) != 1 {
		t.Fatalf("posteriorUpdates = %d, want 1 (the pending metric applied)", len(fs.posteriorUpdates))
	}
	if fs.journaled == nil {
		t.Fatal("expected an intended allocation to be journaled")
	}
	sum := 0.0
	for _, f := range fs.journaled {
		sum += f
	}
	if sum < 0.99 || sum > 1.01 {
		t.Errorf("journaled fractions sum to %v, want ~1.0", sum)
	}
	if len(pending.DrainPendingFor(campaign.ID)) != 0 {
		t.Error("pending queue should be empty after RunOnce drained it")
	}
}

func TestCycleTaskExhaustedBudgetCompletesCampaign(t *testing.T) {
	campaign := newTestCycleCampaign(t)
	if err := campaign.Activate(); err != nil {
		t.Fatal(err)
	}
	fs := &fakeCycleStore{
		snapshot: store.Snapshot{
			CampaignID: campaign.ID,
			Posteriors: map[int64]store.ArmPosterior{
				101: {ArmID: 101, Alpha: 1, Beta: 1, Spend: 1000},
				102: {ArmID: 102, Alpha: 1, Beta: 1, Spend: 0},
			},
		},
	}
	task := &CycleTask{
		Campaign:  campaign,
		Store:     fs,
		Agent:     bandit.ThompsonBernoulli{},
		MMM:       bandit.MMMTable{},
		Carryover: bandit.NewCarryoverState(),
		Platforms: map[string]*PlatformHandle{},
		ReportThreshold: 1e-6,
		EpsMin:          0.01,
		MaxStep:         1.0,
	}

	if err := task.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if fs.savedCampaign == nil {
		t.Fatal("expected the exhausted campaign to be saved")
	}
	if fs.savedCampaign.Status != arms.StatusCompleted {
		t.Errorf("status = %v, want Completed", fs.savedCampaign.Status)
	}
}

func TestBidFromAllocationDeterminesSetBidArgument(t *testing.T) {
	campaign := newTestCycleCampaign(t)
	fs := &fakeCycleStore{
		snapshot: store.Snapshot{
			CampaignID: campaign.ID,
			Posteriors: map[int64]store.ArmPosterior{
				101: store.NewArmPosterior(101),
				102: store.NewArmPosterior(102),
			},
		},
	}
	fp := &fakePlatform{}
	task := &CycleTask{
		Campaign:         campaign,
		Store:            fs,
		Agent:            bandit.ThompsonBernoulli{},
		MMM:              bandit.MMMTable{},
		Carryover:        bandit.NewCarryoverState(),
		Platforms:        map[string]*PlatformHandle{"google": {Adapter: fp, AccountID: "acct-1"}},
		ReportThreshold:  1e-9,
		EpsMin:           0.01,
		MaxStep:          1.0,
		MinBidMultiplier: 0.5,
		MaxBidMultiplier: 2.0,
	}
	if err := task.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if fp.setBidCalls == 0 {
		t.Fatal("expected at least one SetBid call for a fresh campaign with no prior allocation")
	}
	if fp.lastBid < 0.5 || fp.lastBid > 2.0 {
		t.Errorf("lastBid = %v, want within [0.5,2.0] of the arm's base bid of 1.0", fp.lastBid)
	}
}

func TestCycleTaskEscalatesToErroredOnConcurrencyFailure(t *testing.T) {
	campaign := newTestCycleCampaign(t)
	if err := campaign.Activate(); err != nil {
		t.Fatal(err)
	}
	fs := &fakeCycleStore{
		snapshot:           store.Snapshot{CampaignID: campaign.ID},
		updatePosteriorErr: errs.NewConcurrency(101, errors.New("lock wait timeout")),
	}
	pending := ingest.NewPendingQueue()
	pending.Enqueue(campaign.ID, store.Metric{ArmID: 101, Impressions: 10, Clicks: 1, Conversions: 1, Cost: 1, Revenue: 1, Quality: store.QualityOK})

	task := &CycleTask{
		Campaign:  campaign,
		Store:     fs,
		Agent:     bandit.ThompsonBernoulli{},
		MMM:       bandit.MMMTable{},
		Carryover: bandit.NewCarryoverState(),
		Platforms: map[string]*PlatformHandle{},
		Pending:   pending,
	}

	if err := task.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce() error = nil, want the concurrency failure propagated")
	}
	if fs.savedCampaign == nil || fs.savedCampaign.Status != arms.StatusErrored {
		t.Fatalf("savedCampaign = %+v, want status Errored", fs.savedCampaign)
	}
	if campaign.Status != arms.StatusErrored {
		t.Errorf("campaign.Status = %v, want Errored", campaign.Status)
	}
	if len(fs.appendedChanges) != 1 || fs.appendedChanges[0].InitiatedBy != changelog.InitiatedAuto {
		t.Fatalf("appendedChanges = %+v, want 1 row with initiated_by=auto", fs.appendedChanges)
	}
}

func TestCycleTaskEscalatesToErroredOnBudgetInvariantBreach(t *testing.T) {
	campaign := newTestCycleCampaign(t)
	if err := campaign.Activate(); err != nil {
		t.Fatal(err)
	}
	fs := &fakeCycleStore{
		snapshot: store.Snapshot{
			CampaignID: campaign.ID,
			Posteriors: map[int64]store.ArmPosterior{
				101: {ArmID: 101, Alpha: 1, Beta: 1, Spend: 900},
				102: {ArmID: 102, Alpha: 1, Beta: 1, Spend: 500}, // 900+500 > total_budget of 1000
			},
		},
	}
	task := &CycleTask{
		Campaign:  campaign,
		Store:     fs,
		Agent:     bandit.ThompsonBernoulli{},
		MMM:       bandit.MMMTable{},
		Carryover: bandit.NewCarryoverState(),
		Platforms: map[string]*PlatformHandle{},
	}

	var invariantErr *errs.InvariantError
	if err := task.RunOnce(context.Background()); !errors.As(err, &invariantErr) {
		t.Fatalf("RunOnce() error = %v, want an *errs.InvariantError", err)
	}
	if fs.savedCampaign == nil || fs.savedCampaign.Status != arms.StatusErrored {
		t.Fatalf("savedCampaign = %+v, want status Errored", fs.savedCampaign)
	}
}

func TestCycleTaskPauseResumeGatesRunGated(t *testing.T) {
	campaign := newTestCycleCampaign(t)
	if err := campaign.Activate(); err != nil {
		t.Fatal(err)
	}
	fs := &fakeCycleStore{
		snapshot: store.Snapshot{
			CampaignID: campaign.ID,
			Posteriors: map[int64]store.ArmPosterior{
				101: store.NewArmPosterior(101),
				102: store.NewArmPosterior(102),
			},
		},
	}
	task := &CycleTask{
		Campaign:  campaign,
		Store:     fs,
		Agent:     bandit.ThompsonBernoulli{},
		MMM:       bandit.MMMTable{},
		Carryover: bandit.NewCarryoverState(),
		Platforms: map[string]*PlatformHandle{},
	}

	task.Pause()
	task.runGated(context.Background())
	if fs.journaled != nil {
		t.Fatal("a paused task must skip runGated entirely, not just skip SetBid")
	}

	task.Resume()
	task.runGated(context.Background())
	if fs.journaled == nil {
		t.Fatal("expected runGated to run RunOnce again after Resume")
	}
}
